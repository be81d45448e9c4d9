package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindows(t *testing.T) {
	tests := []struct {
		name string
		n    int
		size int
		want []int
	}{
		{"empty", 0, 3, nil},
		{"exact", 6, 3, []int{3, 3}},
		{"remainder", 7, 3, []int{3, 3, 1}},
		{"default size", 10001, 0, []int{10000, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := make([]int64, tt.n)
			var got []int
			for _, w := range Windows(ids, tt.size) {
				got = append(got, len(w))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func testCorpus() ([]Page, []Mention, map[int64]string) {
	pages := []Page{
		{ID: 1, Content: "Paris is in France."},
		{ID: 2, Content: "Java is an island."},
		{ID: 3, Content: "Nothing linked here."},
	}
	mentions := []Mention{
		{ID: 10, PageID: 1, EntityID: 100, Text: "Paris", Offset: 0},
		{ID: 11, PageID: 1, EntityID: 200, Text: "France", Offset: 12},
		{ID: 12, PageID: 2, EntityID: 300, Text: "Java", Offset: 0},
		{ID: 13, PageID: 2, EntityID: 100, Text: "Paris", Offset: 5},
	}
	names := map[int64]string{100: "Paris", 200: "France", 300: "Java (island)"}
	return pages, mentions, names
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(testCorpus())

	eligible, err := s.EligibleMentionIDs(ctx, []int64{1, 2, 3}, 2)
	require.NoError(t, err)
	assert.Equal(t, map[int64][]int64{1: {10}, 2: {13}}, eligible)

	n, err := s.CountMentions(ctx, []int64{1, 2, 3}, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	ents, err := s.EligibleEntities(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{100}, ents)

	names, err := s.EntityNames(ctx, []int64{300, 999})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{300: "Java (island)"}, names)

	contents, err := s.PageContents(ctx, []int64{2})
	require.NoError(t, err)
	assert.Equal(t, "Java is an island.", contents[2])
}

func TestMemoryStoreWindowsQueries(t *testing.T) {
	s := NewMemory(testCorpus())
	ids := make([]int64, 2*WindowSize+5)
	for i := range ids {
		ids[i] = int64(i)
	}
	_, err := s.CountMentions(context.Background(), ids, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, s.RoundTrips())
	assert.Equal(t, WindowSize, s.MaxBatch())
}

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(SQLiteOptions{DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	_, err = s.InsertPage(ctx, "Paris", "Paris is in France.", []Anchor{
		{Text: "Paris", Target: "Paris", Offset: 0},
		{Text: "France", Target: "France", Offset: 12},
	})
	require.NoError(t, err)
	_, err = s.InsertPage(ctx, "Java", "Java is an island near Paris.", []Anchor{
		{Text: "Java", Target: "Java (island)", Offset: 0},
		{Text: "Paris", Target: "Paris", Offset: 23},
	})
	require.NoError(t, err)
	_, err = s.InsertPage(ctx, "Empty", "Nothing linked here.", nil)
	require.NoError(t, err)
	require.NoError(t, s.RefreshEntityCounts(ctx))
	return s
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	pages, err := s.PageIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, pages)

	eligible, err := s.EligibleMentionIDs(ctx, pages, 2)
	require.NoError(t, err)
	require.Len(t, eligible, 2)
	assert.Len(t, eligible[1], 1)
	assert.Len(t, eligible[2], 1)

	n, err := s.CountMentions(ctx, pages, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	mentions, err := s.Mentions(ctx, []int64{2})
	require.NoError(t, err)
	require.Len(t, mentions[2], 2)
	assert.Equal(t, "Java", mentions[2][0].Text)
	assert.Equal(t, 23, mentions[2][1].Offset)
	assert.Empty(t, mentions[1])

	ents, err := s.EligibleEntities(ctx, 2)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	names, err := s.EntityNames(ctx, ents)
	require.NoError(t, err)
	assert.Equal(t, "Paris", names[ents[0]])

	contents, err := s.PageContents(ctx, []int64{3})
	require.NoError(t, err)
	assert.Equal(t, "Nothing linked here.", contents[3])
}

func TestSQLiteStoreLargeIDList(t *testing.T) {
	s := openTestSQLite(t)
	ids := make([]int64, WindowSize+10)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	n, err := s.CountMentions(context.Background(), ids, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSQLiteRateLimitHonoursContext(t *testing.T) {
	s, err := OpenSQLite(SQLiteOptions{DSN: ":memory:", QueriesPerSecond: 0.001})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	_, err = s.PageIDs(ctx) // consumes the single burst token
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.PageIDs(cancelled)
	assert.Error(t, err)
}

func TestPageOrderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "order.msgpack.zst")
	ids := []int64{5, 3, 9, 1}
	require.NoError(t, SavePageOrder(path, ids))
	got, err := LoadPageOrder(path)
	require.NoError(t, err)
	assert.Equal(t, ids, got)

	_, err = LoadPageOrder(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestSplit(t *testing.T) {
	train, valid := Split([]int64{1, 2, 3, 4, 5}, 0.8)
	assert.Equal(t, []int64{1, 2, 3, 4}, train)
	assert.Equal(t, []int64{5}, valid)

	train, valid = Split([]int64{1, 2}, 1.5)
	assert.Len(t, train, 2)
	assert.Empty(t, valid)
}

func TestEligibilityThresholdIsInclusive(t *testing.T) {
	ctx := context.Background()
	stores := map[string]Store{
		"memory": NewMemory(testCorpus()),
		"sqlite": openTestSQLite(t),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			// Paris has exactly two mentions in both corpora.
			ents, err := s.EligibleEntities(ctx, 2)
			require.NoError(t, err)
			require.Len(t, ents, 1)
			n, err := s.CountMentions(ctx, []int64{1, 2, 3}, 2)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			ents, err = s.EligibleEntities(ctx, 3)
			require.NoError(t, err)
			assert.Empty(t, ents)
			n, err = s.CountMentions(ctx, []int64{1, 2, 3}, 3)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}
