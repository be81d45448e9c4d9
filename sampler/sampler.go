// Package sampler streams an epoch of mention ids as fixed-size batches over
// an externally ordered page list.
//
// The sampler looks up eligible mentions a window of pages at a time, keeps
// surplus ids in a residual set across calls and delivers every eligible
// mention exactly once unless a global limit ends the epoch early. It is not
// safe for concurrent use.
package sampler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/happyhackingspace/deepel/internal/storage"
)

// Placeholder fills batch slots in placeholder mode.
const Placeholder int64 = -1

// Source is the part of the backing store the sampler reads.
type Source interface {
	EligibleMentionIDs(ctx context.Context, pageIDs []int64, minMentions int) (map[int64][]int64, error)
	CountMentions(ctx context.Context, pageIDs []int64, minMentions int) (int, error)
}

// Config controls batching.
type Config struct {
	BatchSize   int
	MinMentions int
	// Limit caps the number of mentions delivered per epoch. Zero means no
	// limit.
	Limit int
	// WindowSize is the number of page ids per store round trip. Defaults
	// to storage.WindowSize.
	WindowSize int
	// Placeholder yields Placeholder slots sized by count queries instead of
	// real mention ids.
	Placeholder bool
	Seed        uint64
}

// Sampler is the per-epoch batch producer.
type Sampler struct {
	src   Source
	pages []int64
	cfg   Config
	rng   *rand.Rand

	cursor   int // next page to scan
	fetched  int // pages[:fetched] have eligibility loaded
	eligible map[int64][]int64
	residual *roaring64.Bitmap
	seen     int

	// placeholder mode bookkeeping
	pending int
}

// New returns a sampler positioned at the first page.
func New(src Source, pageIDs []int64, cfg Config) (*Sampler, error) {
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("sampler: batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Limit < 0 {
		return nil, fmt.Errorf("sampler: negative limit %d", cfg.Limit)
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = storage.WindowSize
	}
	return &Sampler{
		src:      src,
		pages:    pageIDs,
		cfg:      cfg,
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		eligible: make(map[int64][]int64),
		residual: roaring64.New(),
	}, nil
}

// Seen returns the number of mentions delivered so far.
func (s *Sampler) Seen() int {
	return s.seen
}

// Residual returns the number of ids carried over to the next call.
func (s *Sampler) Residual() int {
	if s.cfg.Placeholder {
		return s.pending
	}
	return int(s.residual.GetCardinality())
}

// Next returns the next batch, or io.EOF once the pages and residual are
// exhausted or the limit is reached. The last batch may be short.
func (s *Sampler) Next(ctx context.Context) ([]int64, error) {
	if s.cfg.Limit > 0 && s.seen >= s.cfg.Limit {
		return nil, io.EOF
	}
	var (
		batch []int64
		err   error
	)
	if s.cfg.Placeholder {
		batch, err = s.nextPlaceholder(ctx)
	} else {
		batch, err = s.next(ctx)
	}
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	if s.cfg.Limit > 0 {
		batch = batch[:min(len(batch), s.cfg.Limit-s.seen)]
	}
	s.seen += len(batch)
	return batch, nil
}

func (s *Sampler) next(ctx context.Context) ([]int64, error) {
	size := s.cfg.BatchSize
	if int(s.residual.GetCardinality()) > size {
		batch := s.drawResidual(size)
		s.shuffle(batch)
		return batch, nil
	}

	acc := make([]int64, 0, size)
	it := s.residual.Iterator()
	for it.HasNext() {
		acc = append(acc, int64(it.Next()))
	}
	s.residual.Clear()

	for len(acc) < size && s.cursor < len(s.pages) {
		if s.cursor >= s.fetched {
			if err := s.fetchWindow(ctx); err != nil {
				return nil, err
			}
		}
		page := s.pages[s.cursor]
		acc = append(acc, s.eligible[page]...)
		delete(s.eligible, page)
		s.cursor++
	}

	s.shuffle(acc)
	if len(acc) > size {
		for _, id := range acc[size:] {
			s.residual.Add(uint64(id))
		}
		acc = acc[:size]
	}
	return acc, nil
}

// drawResidual removes k ids chosen uniformly without replacement from the
// residual set, using Floyd's algorithm over ranks.
func (s *Sampler) drawResidual(k int) []int64 {
	n := int(s.residual.GetCardinality())
	chosen := make(map[int]struct{}, k)
	ranks := make([]int, 0, k)
	for j := n - k; j < n; j++ {
		t := s.rng.IntN(j + 1)
		if _, dup := chosen[t]; dup {
			t = j
		}
		chosen[t] = struct{}{}
		ranks = append(ranks, t)
	}
	out := make([]int64, 0, k)
	for _, r := range ranks {
		v, err := s.residual.Select(uint64(r))
		if err != nil {
			// r < cardinality by construction
			panic(err)
		}
		out = append(out, int64(v))
	}
	for _, id := range out {
		s.residual.Remove(uint64(id))
	}
	return out
}

func (s *Sampler) fetchWindow(ctx context.Context) error {
	end := min(s.fetched+s.cfg.WindowSize, len(s.pages))
	window := s.pages[s.fetched:end]
	got, err := s.src.EligibleMentionIDs(ctx, window, s.cfg.MinMentions)
	if err != nil {
		return fmt.Errorf("sampler: eligible mentions for pages [%d,%d): %w", s.fetched, end, err)
	}
	for page, ids := range got {
		s.eligible[page] = ids
	}
	slog.Debug("Fetched page window", "from", s.fetched, "to", end, "pages_with_mentions", len(got))
	s.fetched = end
	return nil
}

// nextPlaceholder advances the cursor by whole windows using count queries.
func (s *Sampler) nextPlaceholder(ctx context.Context) ([]int64, error) {
	size := s.cfg.BatchSize
	for s.pending < size && s.cursor < len(s.pages) {
		end := min(s.cursor+s.cfg.WindowSize, len(s.pages))
		n, err := s.src.CountMentions(ctx, s.pages[s.cursor:end], s.cfg.MinMentions)
		if err != nil {
			return nil, fmt.Errorf("sampler: count mentions for pages [%d,%d): %w", s.cursor, end, err)
		}
		s.pending += n
		s.cursor = end
		s.fetched = end
	}
	n := min(size, s.pending)
	s.pending -= n
	batch := make([]int64, n)
	for i := range batch {
		batch[i] = Placeholder
	}
	return batch, nil
}

func (s *Sampler) shuffle(ids []int64) {
	s.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
}
