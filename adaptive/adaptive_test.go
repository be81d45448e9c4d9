package adaptive

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type matrixVocab [][]float64

func (m matrixVocab) Size() int { return len(m) }

func (m matrixVocab) Dim() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

func (m matrixVocab) Get(id int) ([]float64, error) {
	if id < 0 || id >= len(m) {
		return nil, errors.New("out of range")
	}
	return m[id], nil
}

func randomMatrix(rng *rand.Rand, rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = rng.NormFloat64()
		}
	}
	return m
}

func TestForwardOmitsEmptyClusters(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	vocab := matrixVocab(randomMatrix(rng, 5, 3))
	clf, err := New(vocab, []int{2, 5}, Options{ReduceFactor: 1, Seed: 7})
	require.NoError(t, err)

	hidden := randomMatrix(rng, 2, 3)
	logits, err := clf.Forward(hidden, []int{1, 4})
	require.NoError(t, err)

	require.Len(t, logits.Head, 2)
	assert.Len(t, logits.Head[0], 3) // 2 shortlist + 1 selector
	require.Len(t, logits.Tail, 1)
	require.NotNil(t, logits.Tail[0])
	assert.Equal(t, []int{1}, logits.Tail[0].Rows)
	require.Len(t, logits.Tail[0].Values, 1)
	assert.Len(t, logits.Tail[0].Values[0], 3)

	logits, err = clf.Forward(hidden, []int{0, 1})
	require.NoError(t, err)
	assert.Nil(t, logits.Tail[0])
}

func TestLossMatchesFullSoftmax(t *testing.T) {
	for _, reduce := range []int{1, 2} {
		rng := rand.New(rand.NewPCG(3, uint64(reduce)))
		vocab := matrixVocab(randomMatrix(rng, 12, 8))
		clf, err := New(vocab, []int{4, 8, 12}, Options{ReduceFactor: reduce, Seed: 11})
		require.NoError(t, err)

		hidden := randomMatrix(rng, 6, 8)
		targets := []int{0, 3, 4, 7, 9, 11}
		logits, err := clf.Forward(hidden, targets)
		require.NoError(t, err)
		loss, err := clf.Loss(logits, targets)
		require.NoError(t, err)

		// Reference: combine cluster logits through selector probabilities
		// into a full distribution and take the mean NLL.
		var ref float64
		for b, h := range hidden {
			head := softmax(clf.head(h))
			full := make([]float64, 12)
			copy(full, head[:4])
			for i, cl := range clf.Tail {
				for j, p := range softmax(cl.logits(h)) {
					full[cl.Lo+j] = head[4+i] * p
				}
			}
			ref -= math.Log(full[targets[b]])
		}
		ref /= float64(len(hidden))

		assert.InDelta(t, ref, loss, 1e-9, "reduce factor %d", reduce)
	}
}

func TestProbabilityRowsSumToOne(t *testing.T) {
	tests := []struct {
		cutoffs []int
		reduce  int
	}{
		{[]int{12}, 1},
		{[]int{4, 8, 12}, 1},
		{[]int{4, 8, 12}, 2},
		{[]int{1, 2, 6, 12}, 2},
		{[]int{3, 12}, 4},
	}
	for _, tt := range tests {
		rng := rand.New(rand.NewPCG(5, 6))
		vocab := matrixVocab(randomMatrix(rng, 12, 16))
		clf, err := New(vocab, tt.cutoffs, Options{ReduceFactor: tt.reduce, Seed: 1})
		require.NoError(t, err, "cutoffs %v", tt.cutoffs)

		probs, err := clf.Probability(randomMatrix(rng, 5, 16))
		require.NoError(t, err)
		for b, row := range probs {
			require.Len(t, row, 12)
			var sum float64
			for _, p := range row {
				assert.GreaterOrEqual(t, p, 0.0)
				sum += p
			}
			assert.InDelta(t, 1.0, sum, 1e-9, "cutoffs %v row %d", tt.cutoffs, b)
		}
	}
}

func TestLogProbMatchesProbability(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 9))
	vocab := matrixVocab(randomMatrix(rng, 12, 8))
	clf, err := New(vocab, []int{4, 8, 12}, Options{ReduceFactor: 2, Seed: 3})
	require.NoError(t, err)

	h := randomMatrix(rng, 1, 8)
	probs, err := clf.Probability(h)
	require.NoError(t, err)
	labels := []int{11, 0, 5, 6, 3}
	logp, err := clf.LogProb(h[0], labels)
	require.NoError(t, err)
	for k, label := range labels {
		assert.InDelta(t, math.Log(probs[0][label]), logp[k], 1e-9)
	}
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewPCG(10, 11))
	vocab := matrixVocab(randomMatrix(rng, 12, 6))
	clf, err := New(vocab, []int{4, 8, 12}, Options{ReduceFactor: 2, Seed: 5})
	require.NoError(t, err)

	hidden := randomMatrix(rng, 4, 6)
	targets := []int{2, 5, 9, 10}
	lossAt := func() float64 {
		l, err := clf.Forward(hidden, targets)
		require.NoError(t, err)
		loss, err := clf.Loss(l, targets)
		require.NoError(t, err)
		return loss
	}

	logits, err := clf.Forward(hidden, targets)
	require.NoError(t, err)
	grads, err := clf.Backward(hidden, logits, targets)
	require.NoError(t, err)

	const eps = 1e-6
	numeric := func(p *float64) float64 {
		orig := *p
		*p = orig + eps
		plus := lossAt()
		*p = orig - eps
		minus := lossAt()
		*p = orig
		return (plus - minus) / (2 * eps)
	}

	for i := range clf.Selector {
		for j := range clf.Selector[i] {
			assert.InDelta(t, numeric(&clf.Selector[i][j]), grads.Selector[i][j], 1e-6, "selector[%d][%d]", i, j)
		}
	}
	for i, cl := range clf.Tail {
		require.NotNil(t, grads.Down[i])
		for p := range cl.Down {
			for j := range cl.Down[p] {
				assert.InDelta(t, numeric(&cl.Down[p][j]), grads.Down[i][p][j], 1e-6, "down[%d][%d][%d]", i, p, j)
			}
		}
	}
	for b := range hidden {
		for j := range hidden[b] {
			assert.InDelta(t, numeric(&hidden[b][j]), grads.Hidden[b][j], 1e-6, "hidden[%d][%d]", b, j)
		}
	}
}

func TestStepReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewPCG(12, 13))
	vocab := matrixVocab(randomMatrix(rng, 12, 8))
	clf, err := New(vocab, []int{4, 8, 12}, Options{ReduceFactor: 2, Seed: 2})
	require.NoError(t, err)

	hidden := randomMatrix(rng, 8, 8)
	targets := []int{4, 5, 6, 7, 8, 9, 10, 11}
	var first, last float64
	for iter := range 50 {
		l, err := clf.Forward(hidden, targets)
		require.NoError(t, err)
		loss, err := clf.Loss(l, targets)
		require.NoError(t, err)
		if iter == 0 {
			first = loss
		}
		last = loss
		g, err := clf.Backward(hidden, l, targets)
		require.NoError(t, err)
		clf.Step(g, 0.1)
	}
	assert.Less(t, last, first)
}

func TestTargetOutOfRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	vocab := matrixVocab(randomMatrix(rng, 12, 4))
	clf, err := New(vocab, []int{4, 8, 12}, Options{ReduceFactor: 1})
	require.NoError(t, err)

	hidden := randomMatrix(rng, 2, 4)
	_, err = clf.Forward(hidden, []int{0, 12})
	var rangeErr *RangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, 12, rangeErr.Label)
	assert.Equal(t, 1, rangeErr.Row)

	l, err := clf.Forward(hidden, []int{0, 1})
	require.NoError(t, err)
	_, err = clf.Loss(l, []int{0, -1})
	assert.ErrorAs(t, err, &rangeErr)
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	vocab := matrixVocab(randomMatrix(rng, 12, 4))

	tests := []struct {
		name    string
		cutoffs []int
		opts    Options
	}{
		{"empty", nil, Options{ReduceFactor: 1}},
		{"not increasing", []int{4, 4, 12}, Options{ReduceFactor: 1}},
		{"zero first", []int{0, 12}, Options{ReduceFactor: 1}},
		{"wrong last", []int{4, 8, 11}, Options{ReduceFactor: 1}},
		{"zero reduce", []int{4, 12}, Options{ReduceFactor: 0}},
		{"too narrow", []int{1, 2, 3, 4, 12}, Options{ReduceFactor: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(vocab, tt.cutoffs, tt.opts)
			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}

	ragged := matrixVocab(randomMatrix(rng, 6, 4))
	ragged[5] = []float64{1, 2}
	_, err := New(ragged, []int{2, 6}, Options{ReduceFactor: 1})
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestHiddenWidthMismatch(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	vocab := matrixVocab(randomMatrix(rng, 12, 4))
	clf, err := New(vocab, []int{4, 12}, Options{ReduceFactor: 1})
	require.NoError(t, err)

	_, err = clf.Probability([][]float64{{1, 2, 3}})
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	vocab := matrixVocab(randomMatrix(rng, 12, 8))
	clf, err := New(vocab, []int{4, 8, 12}, Options{ReduceFactor: 2, Seed: 9})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "adaptive.json")
	require.NoError(t, clf.Save(path))
	loaded, err := Load(path, vocab)
	require.NoError(t, err)

	hidden := randomMatrix(rng, 3, 8)
	want, err := clf.Probability(hidden)
	require.NoError(t, err)
	got, err := loaded.Probability(hidden)
	require.NoError(t, err)
	for b := range want {
		assert.InDeltaSlice(t, want[b], got[b], 1e-12)
	}

	_, err = Load(path, matrixVocab(randomMatrix(rng, 10, 8)))
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestUnmarshalRejectsMalformedShapes(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	vocab := matrixVocab(randomMatrix(rng, 12, 8))
	clf, err := New(vocab, []int{4, 8, 12}, Options{ReduceFactor: 2, Seed: 9})
	require.NoError(t, err)
	data, err := clf.MarshalJSON()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*state)
	}{
		{"short selector row", func(s *state) { s.Selector[0] = s.Selector[0][:3] }},
		{"short down row", func(s *state) { s.Tail[0].Down[1] = s.Tail[0].Down[1][:2] }},
		{"wide decode row", func(s *state) { s.Tail[1].Decode[0] = append(s.Tail[1].Decode[0], 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s state
			require.NoError(t, json.Unmarshal(data, &s))
			tt.mutate(&s)
			bad, err := json.Marshal(s)
			require.NoError(t, err)

			_, err = Unmarshal(bad, vocab)
			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}
