package deepel

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/happyhackingspace/deepel/dataset"
	"github.com/happyhackingspace/deepel/internal/vectorizer"
)

// Encoder turns samples into hidden vectors of width Dim.
type Encoder interface {
	Dim() int
	Encode(samples []*dataset.Sample) ([][]float64, error)
}

// Trainable is an Encoder with learned parameters. Backward receives the
// loss gradient with respect to the hidden vectors of the last Encode call
// and Step applies the accumulated update.
type Trainable interface {
	Encoder
	Backward(samples []*dataset.Sample, grad [][]float64) error
	Step(lr float64)
}

// Feature blocks of the bag-of-words input.
const (
	blockLeft = iota
	blockRight
	blockPage
	blockMentions
	numBlocks
)

// BagOfWordsEncoder is a linear map from the concatenated, L2-normalized
// bag-of-words of the left context, right context, page and page mentions.
type BagOfWordsEncoder struct {
	Weights   [][]float64 `json:"weights"` // [dim][numBlocks*vocab]
	VocabSize int         `json:"vocab_size"`

	counts *vectorizer.CountVectorizer
	grads  []pendingGrad
}

type pendingGrad struct {
	x vectorizer.SparseVector
	g []float64
}

// NewBagOfWordsEncoder initializes weights uniformly in ±1/sqrt(inputs).
func NewBagOfWordsEncoder(vocab *vectorizer.Vocabulary, dim int, seed uint64) *BagOfWordsEncoder {
	inputs := numBlocks * vocab.Size()
	rng := rand.New(rand.NewPCG(seed, seed+7))
	bound := 1 / math.Sqrt(float64(inputs))
	w := make([][]float64, dim)
	for i := range w {
		w[i] = make([]float64, inputs)
		for j := range w[i] {
			w[i][j] = (rng.Float64()*2 - 1) * bound
		}
	}
	return &BagOfWordsEncoder{
		Weights:   w,
		VocabSize: vocab.Size(),
		counts:    vectorizer.NewCountVectorizer(vocab, false),
	}
}

// Attach binds a decoded encoder to its vocabulary.
func (e *BagOfWordsEncoder) Attach(vocab *vectorizer.Vocabulary) error {
	if vocab.Size() != e.VocabSize {
		return fmt.Errorf("deepel: encoder built for vocabulary of %d tokens, got %d", e.VocabSize, vocab.Size())
	}
	for i, row := range e.Weights {
		if len(row) != numBlocks*e.VocabSize {
			return fmt.Errorf("deepel: encoder weight row %d has %d inputs, want %d", i, len(row), numBlocks*e.VocabSize)
		}
	}
	e.counts = vectorizer.NewCountVectorizer(vocab, false)
	return nil
}

// Dim returns the hidden width.
func (e *BagOfWordsEncoder) Dim() int {
	return len(e.Weights)
}

// Features returns the sparse input vector of s.
func (e *BagOfWordsEncoder) Features(s *dataset.Sample) vectorizer.SparseVector {
	blocks := make([]vectorizer.SparseVector, numBlocks)
	blocks[blockLeft] = e.counts.TransformIndices(s.Left)
	blocks[blockLeft].Normalize()
	blocks[blockRight] = e.counts.TransformIndices(s.Right)
	blocks[blockRight].Normalize()
	if s.Page != nil {
		blocks[blockPage] = s.Page.Bag
		blocks[blockMentions] = s.Page.MentionBag
	}
	for i := range blocks {
		blocks[i].Dim = e.VocabSize
	}
	return vectorizer.ConcatSparse(blocks)
}

// Encode implements Encoder.
func (e *BagOfWordsEncoder) Encode(samples []*dataset.Sample) ([][]float64, error) {
	if e.counts == nil {
		return nil, fmt.Errorf("deepel: encoder has no vocabulary attached")
	}
	out := make([][]float64, len(samples))
	for b, s := range samples {
		x := e.Features(s)
		h := make([]float64, len(e.Weights))
		for i, row := range e.Weights {
			h[i] = x.Dot(row)
		}
		out[b] = h
	}
	return out, nil
}

// Backward implements Trainable.
func (e *BagOfWordsEncoder) Backward(samples []*dataset.Sample, grad [][]float64) error {
	if len(grad) != len(samples) {
		return fmt.Errorf("deepel: %d gradients for %d samples", len(grad), len(samples))
	}
	for b, s := range samples {
		if len(grad[b]) != len(e.Weights) {
			return fmt.Errorf("deepel: gradient width %d, want %d", len(grad[b]), len(e.Weights))
		}
		e.grads = append(e.grads, pendingGrad{x: e.Features(s), g: grad[b]})
	}
	return nil
}

// Step implements Trainable.
func (e *BagOfWordsEncoder) Step(lr float64) {
	for _, pg := range e.grads {
		for i, gi := range pg.g {
			if gi != 0 {
				pg.x.AddTo(e.Weights[i], -lr*gi)
			}
		}
	}
	e.grads = e.grads[:0]
}
