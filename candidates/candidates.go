// Package candidates builds fixed-size candidate label sets for a mention
// from a noisy prior table.
package candidates

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// Mode controls what happens when a seen mention's prior candidates do not
// include the true label.
type Mode int

const (
	// Lenient keeps the prior's candidates as they are and pads with random
	// labels. The true label is then usually absent from the set and the
	// sample cannot be classified correctly.
	Lenient Mode = iota
	// Strict always includes the true label.
	Strict
)

// ParseMode parses "lenient" or "strict".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "lenient":
		return Lenient, nil
	case "strict":
		return Strict, nil
	default:
		return Lenient, fmt.Errorf("candidates: unknown mode %q", s)
	}
}

func (m Mode) String() string {
	if m == Strict {
		return "strict"
	}
	return "lenient"
}

// Sampler draws candidate sets of exactly K distinct labels.
type Sampler struct {
	Prior     Prior
	NumLabels int
	K         int
	Mode      Mode

	rng *rand.Rand
}

// NewSampler creates a sampler seeded for reproducible draws.
func NewSampler(prior Prior, numLabels, k int, mode Mode, seed uint64) (*Sampler, error) {
	if k < 1 {
		return nil, &ConfigError{Msg: fmt.Sprintf("num candidates must be positive, got %d", k)}
	}
	if k > numLabels {
		return nil, &ConfigError{Msg: fmt.Sprintf("num candidates %d exceeds label space size %d", k, numLabels)}
	}
	return &Sampler{
		Prior:     prior,
		NumLabels: numLabels,
		K:         k,
		Mode:      mode,
		rng:       rand.New(rand.NewPCG(seed, seed+1)),
	}, nil
}

// Sample returns K distinct label ids for mention in random order. The true
// label is always included for unseen mentions, for mentions whose prior
// contains it, and in Strict mode. A Lenient sampler leaves it out when the
// prior knows the mention but not the label, unless padding draws it.
func (s *Sampler) Sample(mention string, label int) []int {
	base := s.base(mention, label)
	k := s.K
	labelAt := -1
	for i, id := range base {
		if id == label {
			labelAt = i
			break
		}
	}

	var out []int
	if len(base) < k {
		out = make([]int, len(base), k)
		copy(out, base)
		if labelAt < 0 && s.Mode == Strict {
			out = append(out, label)
		}
		out = s.pad(out, k)
	} else {
		switch {
		case labelAt >= 0:
			rest := make([]int, 0, len(base)-1)
			rest = append(rest, base[:labelAt]...)
			rest = append(rest, base[labelAt+1:]...)
			out = append(s.choose(rest, k-1), label)
		case s.Mode == Strict:
			out = append(s.choose(base, k-1), label)
		default:
			out = s.choose(base, k)
		}
	}

	s.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// base returns the prior's labels for mention in ascending order, or just the
// true label for unseen mentions.
func (s *Sampler) base(mention string, label int) []int {
	counts, ok := s.Prior[mention]
	if !ok || len(counts) == 0 {
		return []int{label}
	}
	base := make([]int, 0, len(counts))
	for id := range counts {
		base = append(base, id)
	}
	sort.Ints(base)
	return base
}

// pad appends uniformly random labels not already chosen until len(out) == k.
func (s *Sampler) pad(out []int, k int) []int {
	chosen := make(map[int]struct{}, k)
	for _, id := range out {
		chosen[id] = struct{}{}
	}
	need := k - len(out)
	free := s.NumLabels - len(chosen)

	// Rejection sampling is cheap while the free space is large. Near
	// saturation enumerate the free ids instead.
	if need*2 < free {
		for len(out) < k {
			id := s.rng.IntN(s.NumLabels)
			if _, ok := chosen[id]; ok {
				continue
			}
			chosen[id] = struct{}{}
			out = append(out, id)
		}
		return out
	}

	pool := make([]int, 0, free)
	for id := range s.NumLabels {
		if _, ok := chosen[id]; !ok {
			pool = append(pool, id)
		}
	}
	return append(out, s.choose(pool, need)...)
}

// choose returns n elements of pool sampled uniformly without replacement.
// pool is not modified.
func (s *Sampler) choose(pool []int, n int) []int {
	if n > len(pool) {
		n = len(pool)
	}
	picked := make([]int, len(pool))
	copy(picked, pool)
	for i := range n {
		j := i + s.rng.IntN(len(picked)-i)
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked[:n]
}
