package deepel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/happyhackingspace/deepel/adaptive"
	"github.com/happyhackingspace/deepel/candidates"
	"github.com/happyhackingspace/deepel/dataset"
	"github.com/happyhackingspace/deepel/internal/storage"
	"github.com/happyhackingspace/deepel/internal/vectorizer"
	"github.com/happyhackingspace/deepel/labelvec"
	"github.com/happyhackingspace/deepel/sampler"
)

// Deps are the collaborators of a training or evaluation run.
type Deps struct {
	Store storage.Store
	// Pages is the page order to stream, usually one side of
	// storage.Split.
	Pages  []int64
	Table  *candidates.Table
	Labels labelvec.Provider
	Vocab  *vectorizer.Vocabulary
}

// TrainConfig holds configuration for training.
type TrainConfig struct {
	Cutoffs       []int
	ReduceFactor  int
	NumCandidates int
	CandidateMode candidates.Mode
	Seed          uint64

	BatchSize    int
	MinMentions  int
	BufferScale  int
	Prefetch     int
	Placeholder  bool
	Limit        int
	Epochs       int
	LearningRate float64
	NameCacheTTL time.Duration
	// WindowSize overrides storage.WindowSize, mostly for tests.
	WindowSize int
}

// DefaultTrainConfig returns defaults for everything but the cutoffs.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		ReduceFactor:  4,
		NumCandidates: 30,
		Seed:          1,
		BatchSize:     100,
		MinMentions:   1,
		BufferScale:   1,
		Prefetch:      2,
		Epochs:        1,
		LearningRate:  0.01,
		NameCacheTTL:  10 * time.Minute,
	}
}

// EpochStats summarizes one epoch.
type EpochStats struct {
	Epoch    int
	Batches  int
	Mentions int
	// Loss is the mean full-softmax loss per batch.
	Loss float64
	// CandidateError is the share of mentions whose true label does not win
	// among its candidates.
	CandidateError float64
}

// Train fits a new model. Each epoch streams deps.Pages through a sampler
// and dataset on a producer goroutine while a consumer runs the optimizer.
func Train(ctx context.Context, deps Deps, config *TrainConfig) (*Model, error) {
	cfg := DefaultTrainConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.Epochs < 1 {
		return nil, fmt.Errorf("deepel: epochs must be positive, got %d", cfg.Epochs)
	}
	if deps.Labels.Size() != deps.Table.NumLabels() {
		return nil, fmt.Errorf("deepel: %d label vectors for %d labels in the prior table", deps.Labels.Size(), deps.Table.NumLabels())
	}
	clf, err := adaptive.New(deps.Labels, cfg.Cutoffs, adaptive.Options{ReduceFactor: cfg.ReduceFactor, Seed: cfg.Seed})
	if err != nil {
		return nil, fmt.Errorf("deepel: %w", err)
	}
	enc := NewBagOfWordsEncoder(deps.Vocab, clf.Hidden, cfg.Seed)
	model := &Model{Classifier: clf, Encoder: enc}

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		start := time.Now()
		stats, err := trainEpoch(ctx, model, enc, deps, cfg, epoch)
		if err != nil {
			return nil, err
		}
		model.History = append(model.History, stats)
		slog.Info("Epoch complete", "epoch", epoch, "batches", stats.Batches, "mentions", stats.Mentions,
			"loss", stats.Loss, "candidate_error", stats.CandidateError, "elapsed", time.Since(start).Round(time.Millisecond))
	}
	return model, nil
}

func trainEpoch(ctx context.Context, model *Model, enc Trainable, deps Deps, cfg TrainConfig, epoch int) (EpochStats, error) {
	stats := EpochStats{Epoch: epoch}
	var lossSum float64
	wrong := 0

	sc := EvalConfigFrom(cfg).streamConfig()
	sc.Placeholder = cfg.Placeholder
	sc.Seed = cfg.Seed + uint64(epoch)

	err := stream(ctx, deps, sc, func(samples []*dataset.Sample) error {
		loss, misses, err := trainBatch(model, enc, samples, cfg.LearningRate)
		if err != nil {
			return err
		}
		stats.Batches++
		stats.Mentions += len(samples)
		lossSum += loss
		wrong += misses
		slog.Debug("Batch", "epoch", epoch, "batch", stats.Batches, "loss", loss)
		return nil
	})
	if err != nil {
		return stats, err
	}
	if stats.Batches > 0 {
		stats.Loss = lossSum / float64(stats.Batches)
	}
	if stats.Mentions > 0 {
		stats.CandidateError = float64(wrong) / float64(stats.Mentions)
	}
	return stats, nil
}

// trainBatch runs one optimizer step and returns the loss and the number of
// samples whose true label lost among the candidates before the update.
func trainBatch(model *Model, enc Trainable, samples []*dataset.Sample, lr float64) (float64, int, error) {
	clf := model.Classifier
	hidden, err := enc.Encode(samples)
	if err != nil {
		return 0, 0, err
	}
	targets := make([]int, len(samples))
	for i, s := range samples {
		targets[i] = s.Label
	}

	misses := 0
	for i, s := range samples {
		probs, err := model.candidateProbs(hidden[i], s.Candidates)
		if err != nil {
			return 0, 0, err
		}
		if s.Candidates[adaptive.Argmax(probs)] != s.Label {
			misses++
		}
	}

	logits, err := clf.Forward(hidden, targets)
	if err != nil {
		return 0, 0, err
	}
	loss, err := clf.Loss(logits, targets)
	if err != nil {
		return 0, 0, err
	}
	grads, err := clf.Backward(hidden, logits, targets)
	if err != nil {
		return 0, 0, err
	}
	if err := enc.Backward(samples, grads.Hidden); err != nil {
		return 0, 0, err
	}
	clf.Step(grads, lr)
	enc.Step(lr)
	return loss, misses, nil
}

type streamConfig struct {
	BatchSize     int
	MinMentions   int
	BufferScale   int
	Prefetch      int
	Placeholder   bool
	Limit         int
	NumCandidates int
	CandidateMode candidates.Mode
	NameCacheTTL  time.Duration
	WindowSize    int
	Seed          uint64
}

// stream feeds resolved batches of deps.Pages to consume. Sampling and
// store access run on a producer goroutine that stays at most Prefetch
// batches ahead.
func stream(ctx context.Context, deps Deps, cfg streamConfig, consume func([]*dataset.Sample) error) error {
	cands, err := candidates.NewSampler(deps.Table.Prior, deps.Table.NumLabels(), cfg.NumCandidates, cfg.CandidateMode, cfg.Seed)
	if err != nil {
		return fmt.Errorf("deepel: %w", err)
	}
	smp, err := sampler.New(deps.Store, deps.Pages, sampler.Config{
		BatchSize:   cfg.BatchSize,
		MinMentions: cfg.MinMentions,
		Limit:       cfg.Limit,
		WindowSize:  cfg.WindowSize,
		Placeholder: cfg.Placeholder,
		Seed:        cfg.Seed,
	})
	if err != nil {
		return fmt.Errorf("deepel: %w", err)
	}
	ds, err := dataset.New(ctx, deps.Store, deps.Pages, deps.Table, cands, deps.Vocab, dataset.Config{
		BatchSize:    cfg.BatchSize,
		MinMentions:  cfg.MinMentions,
		BufferScale:  cfg.BufferScale,
		WindowSize:   cfg.WindowSize,
		Placeholder:  cfg.Placeholder,
		NameCacheTTL: cfg.NameCacheTTL,
	})
	if err != nil {
		return fmt.Errorf("deepel: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan []*dataset.Sample, max(cfg.Prefetch, 0))

	g.Go(func() error {
		defer close(batches)
		for {
			ids, err := smp.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			samples, err := ds.Batch(gctx, ids)
			if err != nil {
				return err
			}
			select {
			case batches <- samples:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	g.Go(func() error {
		for samples := range batches {
			if err := consume(samples); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}
