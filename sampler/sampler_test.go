package sampler

import (
	"context"
	"errors"
	"io"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happyhackingspace/deepel/internal/storage"
)

// testStore builds 20 pages where page p carries p%5 mentions and the j-th
// mention on a page links entity j. With minMentions 5 entities 0, 1 and 2
// are eligible (16, 12 and 8 mentions) and 36 mentions are delivered.
func testStore() (*storage.Memory, []int64) {
	var pages []storage.Page
	var mentions []storage.Mention
	var order []int64
	for p := int64(1); p <= 20; p++ {
		pages = append(pages, storage.Page{ID: p})
		order = append(order, p)
		for j := range p % 5 {
			mentions = append(mentions, storage.Mention{ID: p*100 + j, PageID: p, EntityID: j})
		}
	}
	return storage.NewMemory(pages, mentions, nil), order
}

func drain(t *testing.T, s *Sampler) [][]int64 {
	t.Helper()
	var batches [][]int64
	for {
		b, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return batches
		}
		require.NoError(t, err)
		batches = append(batches, b)
	}
}

func flatten(batches [][]int64) []int64 {
	var all []int64
	for _, b := range batches {
		all = append(all, b...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return all
}

func TestEveryMentionDeliveredOnce(t *testing.T) {
	store, order := testStore()
	want, err := store.EligibleMentionIDs(context.Background(), order, 5)
	require.NoError(t, err)
	var wantIDs []int64
	for _, ids := range want {
		wantIDs = append(wantIDs, ids...)
	}
	sort.Slice(wantIDs, func(i, j int) bool { return wantIDs[i] < wantIDs[j] })
	require.Len(t, wantIDs, 36)

	for _, size := range []int{1, 3, 7, 36, 50} {
		s, err := New(store, order, Config{BatchSize: size, MinMentions: 5, Seed: uint64(size)})
		require.NoError(t, err)
		batches := drain(t, s)

		assert.Equal(t, wantIDs, flatten(batches), "batch size %d", size)
		for i, b := range batches[:len(batches)-1] {
			assert.Len(t, b, size, "batch %d of size %d", i, size)
		}
		assert.Equal(t, 0, s.Residual())
		assert.Equal(t, 36, s.Seen())
	}
}

func TestLimitTruncatesEpoch(t *testing.T) {
	store, order := testStore()
	s, err := New(store, order, Config{BatchSize: 4, MinMentions: 5, Limit: 10})
	require.NoError(t, err)
	batches := drain(t, s)

	require.Len(t, batches, 3)
	assert.Len(t, batches[2], 2)
	all := flatten(batches)
	assert.Len(t, all, 10)
	for i := 1; i < len(all); i++ {
		assert.NotEqual(t, all[i-1], all[i])
	}
}

func TestWindowedLookups(t *testing.T) {
	store, order := testStore()
	s, err := New(store, order, Config{BatchSize: 5, MinMentions: 5, WindowSize: 3})
	require.NoError(t, err)
	drain(t, s)

	assert.LessOrEqual(t, store.MaxBatch(), 3)
	assert.Equal(t, 7, store.RoundTrips())
}

func TestPlaceholderMode(t *testing.T) {
	store, order := testStore()
	s, err := New(store, order, Config{BatchSize: 8, MinMentions: 5, WindowSize: 6, Placeholder: true})
	require.NoError(t, err)
	batches := drain(t, s)

	total := 0
	for _, b := range batches {
		for _, id := range b {
			assert.Equal(t, Placeholder, id)
		}
		total += len(b)
	}
	assert.Equal(t, 36, total)
	assert.Equal(t, []int{8, 8, 8, 8, 4}, lengths(batches))
}

func TestPlaceholderModeHonoursLimit(t *testing.T) {
	store, order := testStore()
	s, err := New(store, order, Config{BatchSize: 8, MinMentions: 5, Limit: 12, Placeholder: true})
	require.NoError(t, err)
	assert.Equal(t, []int{8, 4}, lengths(drain(t, s)))
}

func lengths(batches [][]int64) []int {
	out := make([]int, len(batches))
	for i, b := range batches {
		out[i] = len(b)
	}
	return out
}

func TestSeedIsDeterministic(t *testing.T) {
	store, order := testStore()
	run := func() [][]int64 {
		s, err := New(store, order, Config{BatchSize: 3, MinMentions: 5, Seed: 11})
		require.NoError(t, err)
		return drain(t, s)
	}
	assert.Equal(t, run(), run())
}

func TestEmptyPagesEndEpoch(t *testing.T) {
	store, _ := testStore()
	s, err := New(store, []int64{5, 10, 15}, Config{BatchSize: 2, MinMentions: 5})
	require.NoError(t, err)
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

type failingSource struct{}

var errStore = errors.New("store down")

func (failingSource) EligibleMentionIDs(context.Context, []int64, int) (map[int64][]int64, error) {
	return nil, errStore
}

func (failingSource) CountMentions(context.Context, []int64, int) (int, error) {
	return 0, errStore
}

func TestStoreErrorsPropagate(t *testing.T) {
	for _, placeholder := range []bool{false, true} {
		s, err := New(failingSource{}, []int64{1}, Config{BatchSize: 2, Placeholder: placeholder})
		require.NoError(t, err)
		_, err = s.Next(context.Background())
		assert.ErrorIs(t, err, errStore)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(failingSource{}, nil, Config{BatchSize: 0})
	assert.Error(t, err)
	_, err = New(failingSource{}, nil, Config{BatchSize: 1, Limit: -1})
	assert.Error(t, err)
}
