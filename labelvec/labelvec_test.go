package labelvec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	m, err := NewMemory([][]float64{{1, 2}, {3, 4}, {5, 6}})
	require.NoError(t, err)
	assert.Equal(t, 3, m.Size())
	assert.Equal(t, 2, m.Dim())

	v, err := m.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4}, v)

	_, err = m.Get(3)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewMemory([][]float64{{1, 2}, {3}})
	assert.Error(t, err)
}

func TestBadgerRoundTrip(t *testing.T) {
	vectors := [][]float64{{0.5, -1}, {2, 3.25}, {-4, 0}}
	dir := t.TempDir()

	b, err := WriteBadger(BadgerOptions{Dir: dir}, vectors)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b, err = OpenBadger(BadgerOptions{Dir: dir})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	assert.Equal(t, 3, b.Size())
	assert.Equal(t, 2, b.Dim())
	for id, want := range vectors {
		got, err := b.Get(id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err = b.Get(3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerInMemory(t *testing.T) {
	b, err := WriteBadger(BadgerOptions{InMemory: true}, [][]float64{{1}, {2}})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	v, err := b.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, v)
}

func TestOpenBadgerRequiresDir(t *testing.T) {
	_, err := OpenBadger(BadgerOptions{})
	assert.Error(t, err)
}
