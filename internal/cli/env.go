package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/happyhackingspace/deepel"
	"github.com/happyhackingspace/deepel/candidates"
	"github.com/happyhackingspace/deepel/internal/config"
	"github.com/happyhackingspace/deepel/internal/storage"
	"github.com/happyhackingspace/deepel/internal/vectorizer"
	"github.com/happyhackingspace/deepel/labelvec"
)

// env holds the artifacts shared by train, evaluate and predict.
type env struct {
	store  *storage.SQLite
	labels *labelvec.Badger
	deps   deepel.Deps
	train  []int64
	valid  []int64
}

func openStore(cfg *config.Config) (*storage.SQLite, error) {
	return storage.OpenSQLite(storage.SQLiteOptions{
		DSN:              cfg.Store.DSN,
		QueriesPerSecond: cfg.Store.QueriesPerSecond,
	})
}

// openEnv opens the store and loads the page order, prior table, label
// vectors and vocabulary named by cfg.
func openEnv(cfg *config.Config) (_ *env, err error) {
	e := &env{}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	if e.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	order, err := storage.LoadPageOrder(cfg.Paths.PageOrder)
	if err != nil {
		return nil, err
	}
	e.train, e.valid = storage.Split(order, cfg.Train.TrainSize)

	table, err := candidates.Load(cfg.Paths.Prior, cfg.Train.TrainSize)
	if err != nil {
		return nil, err
	}
	if e.labels, err = labelvec.OpenBadger(labelvec.BadgerOptions{Dir: cfg.Paths.LabelVectors}); err != nil {
		return nil, err
	}
	vocab, err := vectorizer.LoadVocabulary(cfg.Paths.Vocab)
	if err != nil {
		return nil, err
	}

	e.deps = deepel.Deps{Store: e.store, Table: table, Labels: e.labels, Vocab: vocab}
	slog.Debug("Loaded artifacts", "pages", len(order), "train_pages", len(e.train),
		"valid_pages", len(e.valid), "labels", table.NumLabels(), "vocab", vocab.Size())
	return e, nil
}

// on returns deps streaming the given pages.
func (e *env) on(pages []int64) deepel.Deps {
	d := e.deps
	d.Pages = pages
	return d
}

// split picks train, valid or all pages.
func (e *env) split(name string) ([]int64, error) {
	switch name {
	case "train":
		return e.train, nil
	case "valid":
		return e.valid, nil
	case "all":
		return append(append([]int64(nil), e.train...), e.valid...), nil
	default:
		return nil, fmt.Errorf("unknown split %q (want train, valid or all)", name)
	}
}

func (e *env) loadModel(path string) (*deepel.Model, error) {
	return deepel.Load(path, e.labels, e.deps.Vocab)
}

func (e *env) Close() error {
	var errs []error
	if e.labels != nil {
		errs = append(errs, e.labels.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}

// trainConfig maps the configuration onto the trainer's settings. Empty
// cutoffs put every label in the shortlist.
func trainConfig(cfg *config.Config, numLabels int) deepel.TrainConfig {
	cutoffs := cfg.Model.Cutoffs
	if len(cutoffs) == 0 {
		cutoffs = []int{numLabels}
	}
	return deepel.TrainConfig{
		Cutoffs:       cutoffs,
		ReduceFactor:  cfg.Model.ReduceFactor,
		NumCandidates: cfg.Model.NumCandidates,
		CandidateMode: cfg.Mode(),
		Seed:          cfg.Model.Seed,
		BatchSize:     cfg.Train.BatchSize,
		MinMentions:   cfg.Train.MinMentions,
		BufferScale:   cfg.Train.BufferScale,
		Prefetch:      cfg.Train.Prefetch,
		Placeholder:   cfg.Train.PlaceholderSampling,
		Limit:         cfg.Train.Limit,
		Epochs:        cfg.Train.Epochs,
		LearningRate:  cfg.Train.LearningRate,
		NameCacheTTL:  cfg.Train.NameCacheTTL,
	}
}

func evalConfig(cfg *config.Config, numLabels int) deepel.EvalConfig {
	return deepel.EvalConfigFrom(trainConfig(cfg, numLabels))
}

// signalContext is cancelled on interrupt so long runs stop between batches.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
