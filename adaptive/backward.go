package adaptive

import "fmt"

// Gradients holds dLoss/dparam for the learned parameters and the hidden
// input of one Forward/Loss pass.
type Gradients struct {
	Hidden   [][]float64   // [batch][hidden]
	Selector [][]float64   // [numTail][hidden]
	Down     [][][]float64 // per tail cluster; nil when unreduced or untouched
}

// Backward computes the gradients of Loss(l, targets). Shortlist vectors and
// tail decode matrices are frozen and receive no gradient.
func (c *Classifier) Backward(hidden [][]float64, l *Logits, targets []int) (*Gradients, error) {
	batch := len(hidden)
	if len(l.Head) != batch || len(targets) != batch {
		return nil, fmt.Errorf("adaptive: backward batch mismatch: hidden=%d logits=%d targets=%d", batch, len(l.Head), len(targets))
	}
	if err := c.checkHidden(hidden); err != nil {
		return nil, err
	}
	if err := c.checkTargets(targets); err != nil {
		return nil, err
	}

	g := &Gradients{
		Hidden:   zeros(batch, c.Hidden),
		Selector: zeros(len(c.Tail), c.Hidden),
		Down:     make([][][]float64, len(c.Tail)),
	}
	if batch == 0 {
		return g, nil
	}
	scale := 1 / float64(batch)
	short := c.Cutoffs[0]

	for b, h := range hidden {
		d := softmax(l.Head[b])
		d[c.headTarget(targets[b])] -= 1
		for j := range d {
			d[j] *= scale
		}
		for j := range short {
			axpy(g.Hidden[b], d[j], c.Shortlist[j])
		}
		for i, w := range c.Selector {
			dz := d[short+i]
			axpy(g.Hidden[b], dz, w)
			axpy(g.Selector[i], dz, h)
		}
	}

	for i, tl := range l.Tail {
		if tl == nil {
			continue
		}
		cl := c.Tail[i]
		if cl.Reduced() {
			g.Down[i] = zeros(len(cl.Down), c.Hidden)
		}
		for j, b := range tl.Rows {
			d := softmax(tl.Values[j])
			d[targets[b]-cl.Lo] -= 1
			for k := range d {
				d[k] *= scale
			}
			cl.backward(hidden[b], d, g.Hidden[b], g.Down[i])
		}
	}
	return g, nil
}

// backward accumulates the gradient of the cluster logits dz into the hidden
// gradient gh and, for reduced clusters, the down-projection gradient gDown.
func (c *Cluster) backward(h, dz, gh []float64, gDown [][]float64) {
	if !c.Reduced() {
		for k, v := range dz {
			axpy(gh, v, c.Decode[k])
		}
		return
	}
	dp := make([]float64, len(c.Down))
	for k, v := range dz {
		axpy(dp, v, c.Decode[k])
	}
	for p, v := range dp {
		axpy(gDown[p], v, h)
		axpy(gh, v, c.Down[p])
	}
}

// Step applies one plain gradient-descent update to the learned parameters.
func (c *Classifier) Step(g *Gradients, lr float64) {
	for i, w := range c.Selector {
		axpy(w, -lr, g.Selector[i])
	}
	for i, cl := range c.Tail {
		if !cl.Reduced() || g.Down[i] == nil {
			continue
		}
		for p, row := range cl.Down {
			axpy(row, -lr, g.Down[i][p])
		}
	}
}
