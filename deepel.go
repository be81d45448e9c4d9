// Package deepel trains and serves an entity disambiguation model.
//
// Mentions are streamed from a page store, turned into samples with
// candidate sets drawn from a mention/entity prior, encoded into hidden
// vectors and scored by a clustered softmax over the whole entity space.
//
//	m, _ := deepel.Load("model.json", vectors, vocab)
//	predicted, _ := m.Predict(samples)
package deepel

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/happyhackingspace/deepel/adaptive"
	"github.com/happyhackingspace/deepel/dataset"
	"github.com/happyhackingspace/deepel/internal/vectorizer"
)

// Model pairs an encoder with the classifier it feeds.
type Model struct {
	Classifier *adaptive.Classifier
	Encoder    Encoder

	// History holds per-epoch statistics of the run that produced the
	// model. It is not persisted.
	History []EpochStats
}

type modelFile struct {
	Classifier json.RawMessage    `json:"classifier"`
	Encoder    *BagOfWordsEncoder `json:"encoder"`
}

// Save writes the model as JSON. Only BagOfWordsEncoder can be persisted.
func (m *Model) Save(path string) error {
	enc, ok := m.Encoder.(*BagOfWordsEncoder)
	if !ok {
		return fmt.Errorf("deepel: cannot save encoder of type %T", m.Encoder)
	}
	clf, err := m.Classifier.MarshalJSON()
	if err != nil {
		return fmt.Errorf("deepel: %w", err)
	}
	data, err := json.Marshal(modelFile{Classifier: clf, Encoder: enc})
	if err != nil {
		return fmt.Errorf("deepel: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("deepel: %w", err)
	}
	return nil
}

// Load reads a model saved with Save. labels supplies the frozen label
// vectors and vocab the encoder's token space.
func Load(path string, labels adaptive.Vocab, vocab *vectorizer.Vocabulary) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("deepel: %w", err)
	}
	var f modelFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("deepel: decode %s: %w", path, err)
	}
	if f.Encoder == nil {
		return nil, fmt.Errorf("deepel: %s has no encoder", path)
	}
	clf, err := adaptive.Unmarshal(f.Classifier, labels)
	if err != nil {
		return nil, fmt.Errorf("deepel: %w", err)
	}
	if err := f.Encoder.Attach(vocab); err != nil {
		return nil, err
	}
	if f.Encoder.Dim() != clf.Hidden {
		return nil, fmt.Errorf("deepel: encoder width %d does not match classifier width %d", f.Encoder.Dim(), clf.Hidden)
	}
	return &Model{Classifier: clf, Encoder: f.Encoder}, nil
}

// Scores are per-candidate probabilities for one sample.
type Scores struct {
	// Text is the classifier distribution renormalized over the candidates.
	Text []float64
	// Posterior combines Text with the prior as p + q - p*q.
	Posterior []float64
}

// Score evaluates every sample against its candidate set.
func (m *Model) Score(samples []*dataset.Sample) ([]Scores, error) {
	hidden, err := m.Encoder.Encode(samples)
	if err != nil {
		return nil, err
	}
	out := make([]Scores, len(samples))
	for i, s := range samples {
		text, err := m.candidateProbs(hidden[i], s.Candidates)
		if err != nil {
			return nil, err
		}
		out[i] = Scores{Text: text, Posterior: Posterior(s.Prior, text)}
	}
	return out, nil
}

// Predict returns the label with the highest posterior for each sample.
func (m *Model) Predict(samples []*dataset.Sample) ([]int, error) {
	scores, err := m.Score(samples)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(samples))
	for i, s := range samples {
		out[i] = s.Candidates[adaptive.Argmax(scores[i].Posterior)]
	}
	return out, nil
}

func (m *Model) candidateProbs(h []float64, cands []int) ([]float64, error) {
	logp, err := m.Classifier.LogProb(h, cands)
	if err != nil {
		return nil, err
	}
	best := math.Inf(-1)
	for _, v := range logp {
		best = math.Max(best, v)
	}
	sum := 0.0
	out := make([]float64, len(logp))
	for i, v := range logp {
		out[i] = math.Exp(v - best)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out, nil
}

// Posterior combines prior and text probabilities as p + q - p*q, the
// probability that either source supports the candidate.
func Posterior(prior, text []float64) []float64 {
	out := make([]float64, len(text))
	for i, q := range text {
		p := 0.0
		if i < len(prior) {
			p = prior[i]
		}
		out[i] = p + q - p*q
	}
	return out
}
