package vectorizer

import (
	"strings"

	"github.com/happyhackingspace/deepel/internal/textutil"
)

// CountVectorizer converts text or token indices to count vectors over a
// fixed vocabulary. Unknown and reserved tokens are dropped.
type CountVectorizer struct {
	Vocab  *Vocabulary
	Binary bool
}

// NewCountVectorizer creates a CountVectorizer over vocab.
func NewCountVectorizer(vocab *Vocabulary, binary bool) *CountVectorizer {
	return &CountVectorizer{Vocab: vocab, Binary: binary}
}

// Transform converts a single document to a sparse vector.
func (cv *CountVectorizer) Transform(text string) SparseVector {
	tokens := textutil.Tokenize(strings.ToLower(text))
	return cv.TransformIndices(cv.Vocab.Encode(tokens))
}

// TransformIndices counts already encoded tokens.
func (cv *CountVectorizer) TransformIndices(indices []int) SparseVector {
	sv := NewSparseVector(cv.Vocab.Size())
	counts := make(map[int]float64)
	var order []int
	for _, idx := range indices {
		if idx < numReserved || idx >= cv.Vocab.Size() {
			continue
		}
		if _, ok := counts[idx]; !ok {
			order = append(order, idx)
		}
		counts[idx]++
	}
	for _, idx := range order {
		if cv.Binary {
			sv.Set(idx, 1.0)
		} else {
			sv.Set(idx, counts[idx])
		}
	}
	return sv
}

// VocabSize returns the vocabulary size.
func (cv *CountVectorizer) VocabSize() int {
	return cv.Vocab.Size()
}
