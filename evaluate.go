package deepel

import (
	"context"
	"time"

	"github.com/happyhackingspace/deepel/adaptive"
	"github.com/happyhackingspace/deepel/candidates"
	"github.com/happyhackingspace/deepel/dataset"
)

// EvalConfig holds configuration for evaluation.
type EvalConfig struct {
	NumCandidates int
	CandidateMode candidates.Mode
	Seed          uint64
	BatchSize     int
	MinMentions   int
	BufferScale   int
	Prefetch      int
	Limit         int
	NameCacheTTL  time.Duration
	WindowSize    int
}

// EvalConfigFrom copies the streaming settings of a training config.
func EvalConfigFrom(cfg TrainConfig) EvalConfig {
	return EvalConfig{
		NumCandidates: cfg.NumCandidates,
		CandidateMode: cfg.CandidateMode,
		Seed:          cfg.Seed,
		BatchSize:     cfg.BatchSize,
		MinMentions:   cfg.MinMentions,
		BufferScale:   cfg.BufferScale,
		Prefetch:      cfg.Prefetch,
		Limit:         cfg.Limit,
		NameCacheTTL:  cfg.NameCacheTTL,
		WindowSize:    cfg.WindowSize,
	}
}

func (cfg EvalConfig) streamConfig() streamConfig {
	return streamConfig{
		BatchSize:     cfg.BatchSize,
		MinMentions:   cfg.MinMentions,
		BufferScale:   cfg.BufferScale,
		Prefetch:      cfg.Prefetch,
		Limit:         cfg.Limit,
		NumCandidates: cfg.NumCandidates,
		CandidateMode: cfg.CandidateMode,
		NameCacheTTL:  cfg.NameCacheTTL,
		WindowSize:    cfg.WindowSize,
		Seed:          cfg.Seed,
	}
}

// EvalResult holds candidate-restricted accuracies.
type EvalResult struct {
	Total int
	// Covered counts mentions whose true label is among the candidates.
	Covered          int
	TextCorrect      int
	PriorCorrect     int
	PosteriorCorrect int

	TextAccuracy      float64
	PriorAccuracy     float64
	PosteriorAccuracy float64
	Coverage          float64
}

// Evaluate scores every eligible mention of deps.Pages with model.
func Evaluate(ctx context.Context, model *Model, deps Deps, config *EvalConfig) (*EvalResult, error) {
	cfg := EvalConfigFrom(DefaultTrainConfig())
	if config != nil {
		cfg = *config
	}
	result := &EvalResult{}
	err := stream(ctx, deps, cfg.streamConfig(), func(samples []*dataset.Sample) error {
		scores, err := model.Score(samples)
		if err != nil {
			return err
		}
		for i, s := range samples {
			result.Total++
			if s.TrueIndex() >= 0 {
				result.Covered++
			}
			if s.Candidates[adaptive.Argmax(scores[i].Text)] == s.Label {
				result.TextCorrect++
			}
			if s.Candidates[adaptive.Argmax(s.Prior)] == s.Label {
				result.PriorCorrect++
			}
			if s.Candidates[adaptive.Argmax(scores[i].Posterior)] == s.Label {
				result.PosteriorCorrect++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Total > 0 {
		n := float64(result.Total)
		result.TextAccuracy = float64(result.TextCorrect) / n
		result.PriorAccuracy = float64(result.PriorCorrect) / n
		result.PosteriorAccuracy = float64(result.PosteriorCorrect) / n
		result.Coverage = float64(result.Covered) / n
	}
	return result, nil
}

// Prediction is the disambiguation of one mention.
type Prediction struct {
	MentionID  int64   `json:"mention_id"`
	Mention    string  `json:"mention"`
	PageID     int64   `json:"page_id"`
	EntityID   int64   `json:"entity_id"`
	EntityName string  `json:"entity_name"`
	Score      float64 `json:"score"`
	// Gold is the linked entity in the store.
	Gold int64 `json:"gold"`
}

// PredictPages links every eligible mention on deps.Pages.
func PredictPages(ctx context.Context, model *Model, deps Deps, config *EvalConfig) ([]Prediction, error) {
	cfg := EvalConfigFrom(DefaultTrainConfig())
	if config != nil {
		cfg = *config
	}
	var out []Prediction
	err := stream(ctx, deps, cfg.streamConfig(), func(samples []*dataset.Sample) error {
		scores, err := model.Score(samples)
		if err != nil {
			return err
		}
		for i, s := range samples {
			best := adaptive.Argmax(scores[i].Posterior)
			out = append(out, Prediction{
				MentionID:  s.MentionID,
				Mention:    s.Mention,
				PageID:     s.Page.ID,
				EntityID:   deps.Table.Entity(s.Candidates[best]),
				EntityName: s.CandidateNames[best],
				Score:      scores[i].Posterior[best],
				Gold:       s.EntityID,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
