// Package adaptive implements a clustered ("adaptive") softmax over a large,
// frequency-ordered label space.
//
// The label space [0,N) is split by cutoffs into a head shortlist
// [0,cutoffs[0]) and tail clusters [cutoffs[i],cutoffs[i+1]). The head scores
// the shortlist plus one selector logit per tail cluster, so
//
//	P(label) = P(selector_i | head) * P(label | cluster_i)
//
// and the negative log-likelihood of a label is the sum of the head and tail
// cross-entropies. Label vectors are treated as static embeddings: the
// shortlist and tail decode matrices are never updated, only the selector rows
// and tail down-projections are learned.
//
//	clf, _ := adaptive.New(vectors, []int{2000, 20000, n}, adaptive.DefaultOptions())
//	logits, _ := clf.Forward(hidden, labels)
//	loss, _ := clf.Loss(logits, labels)
package adaptive

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// Vocab provides frequency-ordered label vectors.
type Vocab interface {
	Size() int
	Dim() int
	Get(id int) ([]float64, error)
}

// Options configures classifier construction.
type Options struct {
	// ReduceFactor divides the tail projection width per cluster: cluster i
	// projects to hidden/ReduceFactor^i dimensions. 1 disables projection.
	ReduceFactor int
	// Seed makes parameter initialisation reproducible.
	Seed uint64
}

// DefaultOptions returns the defaults used by the trainer.
func DefaultOptions() Options {
	return Options{ReduceFactor: 4, Seed: 1}
}

// Cluster is one tail band of the label space.
type Cluster struct {
	Lo     int         `json:"lo"`
	Hi     int         `json:"hi"`
	Down   [][]float64 `json:"down,omitempty"`   // [proj][hidden], nil when not reduced
	Decode [][]float64 `json:"decode,omitempty"` // [Hi-Lo][proj], fixed at construction
}

// Size returns the number of labels in the cluster.
func (c *Cluster) Size() int {
	return c.Hi - c.Lo
}

// Contains reports whether label falls in the cluster's range.
func (c *Cluster) Contains(label int) bool {
	return label >= c.Lo && label < c.Hi
}

// Reduced reports whether the cluster uses a learned down-projection.
func (c *Cluster) Reduced() bool {
	return c.Down != nil
}

func (c *Cluster) project(h []float64) []float64 {
	if c.Down == nil {
		return h
	}
	return matVec(c.Down, h)
}

func (c *Cluster) logits(h []float64) []float64 {
	return matVec(c.Decode, c.project(h))
}

// Classifier is the hierarchical softmax head.
type Classifier struct {
	Cutoffs      []int
	ReduceFactor int
	Hidden       int

	Shortlist [][]float64 // [cutoffs[0]][hidden], frozen
	Selector  [][]float64 // [numTail][hidden], learned
	Tail      []*Cluster
}

// New builds a classifier over vocab partitioned by cutoffs.
func New(vocab Vocab, cutoffs []int, opts Options) (*Classifier, error) {
	if err := ValidateCutoffs(cutoffs, vocab.Size()); err != nil {
		return nil, err
	}
	if opts.ReduceFactor < 1 {
		return nil, &ConfigError{Msg: fmt.Sprintf("reduce factor must be >= 1, got %d", opts.ReduceFactor)}
	}
	hidden := vocab.Dim()
	if hidden < 1 {
		return nil, &ConfigError{Msg: "label vectors have zero dimension"}
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	c := &Classifier{
		Cutoffs:      append([]int(nil), cutoffs...),
		ReduceFactor: opts.ReduceFactor,
		Hidden:       hidden,
	}

	shortlist, err := loadRows(vocab, 0, cutoffs[0], hidden)
	if err != nil {
		return nil, err
	}
	c.Shortlist = shortlist

	numTail := len(cutoffs) - 1
	c.Selector = uniformMatrix(rng, numTail, hidden)
	c.Tail = make([]*Cluster, numTail)
	for i := range numTail {
		cl := &Cluster{Lo: cutoffs[i], Hi: cutoffs[i+1]}
		vecs, err := loadRows(vocab, cl.Lo, cl.Hi, hidden)
		if err != nil {
			return nil, err
		}
		if opts.ReduceFactor == 1 {
			cl.Decode = vecs
		} else {
			proj := projectionWidth(hidden, opts.ReduceFactor, i)
			if proj < 1 {
				return nil, &ConfigError{Msg: fmt.Sprintf("tail cluster %d: hidden size %d too small for reduce factor %d", i, hidden, opts.ReduceFactor)}
			}
			cl.Down = uniformMatrix(rng, proj, hidden)
			cl.Decode = make([][]float64, len(vecs))
			for j, v := range vecs {
				cl.Decode[j] = matVec(cl.Down, v)
			}
		}
		c.Tail[i] = cl
	}
	return c, nil
}

// ValidateCutoffs checks that cutoffs are strictly increasing, positive and
// end at n.
func ValidateCutoffs(cutoffs []int, n int) error {
	if len(cutoffs) == 0 {
		return &ConfigError{Msg: "cutoffs are empty"}
	}
	prev := 0
	for i, c := range cutoffs {
		if c <= prev {
			return &ConfigError{Msg: fmt.Sprintf("cutoffs must be strictly increasing and positive: cutoffs[%d]=%d", i, c)}
		}
		prev = c
	}
	if last := cutoffs[len(cutoffs)-1]; last != n {
		return &ConfigError{Msg: fmt.Sprintf("last cutoff %d does not match label space size %d", last, n)}
	}
	return nil
}

// NumLabels returns N.
func (c *Classifier) NumLabels() int {
	return c.Cutoffs[len(c.Cutoffs)-1]
}

// HeadSize returns the number of head outputs (shortlist + selectors).
func (c *Classifier) HeadSize() int {
	return c.Cutoffs[0] + len(c.Tail)
}

// Cluster returns the index of the tail cluster containing label, or -1 for
// shortlist labels.
func (c *Classifier) Cluster(label int) int {
	if label < c.Cutoffs[0] {
		return -1
	}
	return sort.Search(len(c.Tail), func(i int) bool { return label < c.Tail[i].Hi })
}

func (c *Classifier) head(h []float64) []float64 {
	out := make([]float64, 0, c.HeadSize())
	for _, v := range c.Shortlist {
		out = append(out, dot(v, h))
	}
	for _, w := range c.Selector {
		out = append(out, dot(w, h))
	}
	return out
}

// headTarget maps a label to its head output slot.
func (c *Classifier) headTarget(label int) int {
	if i := c.Cluster(label); i >= 0 {
		return c.Cutoffs[0] + i
	}
	return label
}

func (c *Classifier) checkHidden(hidden [][]float64) error {
	for b, h := range hidden {
		if len(h) != c.Hidden {
			return fmt.Errorf("adaptive: hidden row %d has width %d, want %d", b, len(h), c.Hidden)
		}
	}
	return nil
}

func (c *Classifier) checkTargets(targets []int) error {
	n := c.NumLabels()
	for b, t := range targets {
		if t < 0 || t >= n {
			return &RangeError{Row: b, Label: t, N: n}
		}
	}
	return nil
}

func projectionWidth(hidden, factor, cluster int) int {
	div := 1
	for range cluster {
		div *= factor
		if div > hidden {
			return 0
		}
	}
	return hidden / div
}

func loadRows(vocab Vocab, lo, hi, dim int) ([][]float64, error) {
	rows := make([][]float64, 0, hi-lo)
	for id := lo; id < hi; id++ {
		v, err := vocab.Get(id)
		if err != nil {
			return nil, fmt.Errorf("adaptive: label vector %d: %w", id, err)
		}
		if len(v) != dim {
			return nil, &ConfigError{Msg: fmt.Sprintf("label %d has dimension %d, want %d", id, len(v), dim)}
		}
		rows = append(rows, v)
	}
	return rows, nil
}

// uniformMatrix initialises a [rows][cols] matrix from U(-1/sqrt(cols), 1/sqrt(cols)).
func uniformMatrix(rng *rand.Rand, rows, cols int) [][]float64 {
	bound := 1 / math.Sqrt(float64(cols))
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = (rng.Float64()*2 - 1) * bound
		}
	}
	return m
}
