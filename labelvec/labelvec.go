// Package labelvec provides frequency-ordered label (entity) vectors.
//
// Label ids are positions in the frequency ordering: label 0 is the most
// frequent entity. Any Provider can back the adaptive classifier.
package labelvec

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for ids outside [0,Size()).
var ErrNotFound = errors.New("labelvec: label not found")

// Provider looks up label vectors by id.
type Provider interface {
	Get(id int) ([]float64, error)
	Size() int
	Dim() int
}

// Memory is an in-memory Provider.
type Memory struct {
	vectors [][]float64
	dim     int
}

// NewMemory wraps vectors, which must all have the same length.
func NewMemory(vectors [][]float64) (*Memory, error) {
	m := &Memory{vectors: vectors}
	for id, v := range vectors {
		if id == 0 {
			m.dim = len(v)
			continue
		}
		if len(v) != m.dim {
			return nil, fmt.Errorf("labelvec: vector %d has dimension %d, want %d", id, len(v), m.dim)
		}
	}
	return m, nil
}

// Get returns the vector for id.
func (m *Memory) Get(id int) ([]float64, error) {
	if id < 0 || id >= len(m.vectors) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return m.vectors[id], nil
}

// Size returns the number of labels.
func (m *Memory) Size() int {
	return len(m.vectors)
}

// Dim returns the vector dimension.
func (m *Memory) Dim() int {
	return m.dim
}
