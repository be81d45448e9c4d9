package adaptive

import (
	"encoding/json"
	"fmt"
	"os"
)

// state is the serialized form of a Classifier. Frozen label vectors are not
// stored; they are reloaded from the Vocab.
type state struct {
	Cutoffs      []int          `json:"cutoffs"`
	ReduceFactor int            `json:"reduce_factor"`
	Hidden       int            `json:"hidden"`
	Selector     [][]float64    `json:"selector"`
	Tail         []clusterState `json:"tail"`
}

type clusterState struct {
	Down   [][]float64 `json:"down,omitempty"`
	Decode [][]float64 `json:"decode,omitempty"`
}

// Save serializes the learned parameters and decode matrices to JSON.
func (c *Classifier) Save(path string) error {
	data, err := c.MarshalJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// MarshalJSON implements json.Marshaler.
func (c *Classifier) MarshalJSON() ([]byte, error) {
	s := state{
		Cutoffs:      c.Cutoffs,
		ReduceFactor: c.ReduceFactor,
		Hidden:       c.Hidden,
		Selector:     c.Selector,
		Tail:         make([]clusterState, len(c.Tail)),
	}
	for i, cl := range c.Tail {
		if cl.Reduced() {
			s.Tail[i] = clusterState{Down: cl.Down, Decode: cl.Decode}
		}
	}
	return json.Marshal(s)
}

// Load restores a classifier saved with Save, reading frozen vectors from vocab.
func Load(path string, vocab Vocab) (*Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data, vocab)
}

// Unmarshal restores a classifier from JSON bytes.
func Unmarshal(data []byte, vocab Vocab) (*Classifier, error) {
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("adaptive: decode model: %w", err)
	}
	if err := ValidateCutoffs(s.Cutoffs, vocab.Size()); err != nil {
		return nil, err
	}
	if s.Hidden != vocab.Dim() {
		return nil, &ConfigError{Msg: fmt.Sprintf("model hidden size %d does not match label vectors (%d)", s.Hidden, vocab.Dim())}
	}
	numTail := len(s.Cutoffs) - 1
	if len(s.Selector) != numTail || len(s.Tail) != numTail {
		return nil, &ConfigError{Msg: fmt.Sprintf("model has %d selectors and %d tail clusters, cutoffs imply %d", len(s.Selector), len(s.Tail), numTail)}
	}

	for i, row := range s.Selector {
		if len(row) != s.Hidden {
			return nil, &ConfigError{Msg: fmt.Sprintf("selector row %d has %d columns, want %d", i, len(row), s.Hidden)}
		}
	}

	c := &Classifier{
		Cutoffs:      s.Cutoffs,
		ReduceFactor: s.ReduceFactor,
		Hidden:       s.Hidden,
		Selector:     s.Selector,
		Tail:         make([]*Cluster, numTail),
	}
	shortlist, err := loadRows(vocab, 0, s.Cutoffs[0], s.Hidden)
	if err != nil {
		return nil, err
	}
	c.Shortlist = shortlist
	for i, cs := range s.Tail {
		cl := &Cluster{Lo: s.Cutoffs[i], Hi: s.Cutoffs[i+1]}
		if cs.Down != nil {
			if len(cs.Decode) != cl.Size() {
				return nil, &ConfigError{Msg: fmt.Sprintf("tail cluster %d decode has %d rows, want %d", i, len(cs.Decode), cl.Size())}
			}
			if err := checkColumns(cs.Down, s.Hidden); err != nil {
				return nil, &ConfigError{Msg: fmt.Sprintf("tail cluster %d projection: %v", i, err)}
			}
			if err := checkColumns(cs.Decode, len(cs.Down)); err != nil {
				return nil, &ConfigError{Msg: fmt.Sprintf("tail cluster %d decode: %v", i, err)}
			}
			cl.Down, cl.Decode = cs.Down, cs.Decode
		} else {
			if cl.Decode, err = loadRows(vocab, cl.Lo, cl.Hi, s.Hidden); err != nil {
				return nil, err
			}
		}
		c.Tail[i] = cl
	}
	return c, nil
}

// checkColumns reports the first row of m whose width is not cols.
func checkColumns(m [][]float64, cols int) error {
	for i, row := range m {
		if len(row) != cols {
			return fmt.Errorf("row %d has %d columns, want %d", i, len(row), cols)
		}
	}
	return nil
}
