package adaptive

import (
	"fmt"
	"math"
)

// Logits holds the output of Forward.
type Logits struct {
	Head [][]float64   // [batch][HeadSize()]
	Tail []*TailLogits // one per tail cluster, nil when no row's label falls in it
}

// TailLogits holds cluster logits for the rows whose label is in the cluster.
type TailLogits struct {
	Rows   []int       // batch row indices, ascending
	Values [][]float64 // [len(Rows)][cluster size]
}

// Forward computes head logits for every row and tail logits only for rows
// whose target falls in each tail cluster.
func (c *Classifier) Forward(hidden [][]float64, targets []int) (*Logits, error) {
	if len(hidden) != len(targets) {
		return nil, fmt.Errorf("adaptive: %d hidden rows but %d targets", len(hidden), len(targets))
	}
	if err := c.checkHidden(hidden); err != nil {
		return nil, err
	}
	if err := c.checkTargets(targets); err != nil {
		return nil, err
	}

	l := &Logits{
		Head: make([][]float64, len(hidden)),
		Tail: make([]*TailLogits, len(c.Tail)),
	}
	for b, h := range hidden {
		l.Head[b] = c.head(h)
	}
	for i, cl := range c.Tail {
		var rows []int
		for b, t := range targets {
			if cl.Contains(t) {
				rows = append(rows, b)
			}
		}
		if len(rows) == 0 {
			continue
		}
		tl := &TailLogits{Rows: rows, Values: make([][]float64, len(rows))}
		for j, b := range rows {
			tl.Values[j] = cl.logits(hidden[b])
		}
		l.Tail[i] = tl
	}
	return l, nil
}

// Loss returns the summed cross-entropy of every cluster divided once by the
// batch size. It equals the mean full-softmax negative log-likelihood.
func (c *Classifier) Loss(l *Logits, targets []int) (float64, error) {
	batch := len(l.Head)
	if batch == 0 {
		return 0, nil
	}
	if len(targets) != batch {
		return 0, fmt.Errorf("adaptive: %d logit rows but %d targets", batch, len(targets))
	}
	if err := c.checkTargets(targets); err != nil {
		return 0, err
	}

	var total float64
	for b, t := range targets {
		total += crossEntropy(l.Head[b], c.headTarget(t))
	}
	for i, tl := range l.Tail {
		if tl == nil {
			continue
		}
		cl := c.Tail[i]
		for j, b := range tl.Rows {
			rel := targets[b] - cl.Lo
			if rel < 0 || rel >= len(tl.Values[j]) {
				return 0, &RangeError{Row: b, Label: targets[b], N: c.NumLabels()}
			}
			total += crossEntropy(tl.Values[j], rel)
		}
	}
	return total / float64(batch), nil
}

// Probability returns the dense [batch][N] label distribution. Inference only.
func (c *Classifier) Probability(hidden [][]float64) ([][]float64, error) {
	if err := c.checkHidden(hidden); err != nil {
		return nil, err
	}
	n := c.NumLabels()
	short := c.Cutoffs[0]
	out := make([][]float64, len(hidden))
	for b, h := range hidden {
		head := softmax(c.head(h))
		row := make([]float64, n)
		copy(row[:short], head[:short])
		for i, cl := range c.Tail {
			split := head[short+i]
			for j, p := range softmax(cl.logits(h)) {
				row[cl.Lo+j] = p * split
			}
		}
		out[b] = row
	}
	return out, nil
}

// LogProb returns log P(label) for each of labels under a single hidden
// vector. Only the tail clusters the labels touch are evaluated.
func (c *Classifier) LogProb(h []float64, labels []int) ([]float64, error) {
	if len(h) != c.Hidden {
		return nil, fmt.Errorf("adaptive: hidden width %d, want %d", len(h), c.Hidden)
	}
	if err := c.checkTargets(labels); err != nil {
		return nil, err
	}
	headLogits := c.head(h)
	headLSE := logSumExp(headLogits)
	tails := make(map[int][]float64)

	out := make([]float64, len(labels))
	for k, label := range labels {
		i := c.Cluster(label)
		if i < 0 {
			out[k] = headLogits[label] - headLSE
			continue
		}
		tl, ok := tails[i]
		if !ok {
			tl = c.Tail[i].logits(h)
			lse := logSumExp(tl)
			for j := range tl {
				tl[j] -= lse
			}
			tails[i] = tl
		}
		out[k] = headLogits[c.Cutoffs[0]+i] - headLSE + tl[label-c.Tail[i].Lo]
	}
	return out, nil
}

// Argmax returns the index of the largest value, or -1 for an empty slice.
func Argmax(values []float64) int {
	best := -1
	bestVal := math.Inf(-1)
	for i, v := range values {
		if best < 0 || v > bestVal {
			best, bestVal = i, v
		}
	}
	return best
}
