package pagecache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvictsAfterLastRelease(t *testing.T) {
	var evicted []int64
	c := New[string](func(id int64) { evicted = append(evicted, id) })

	builds := 0
	build := func(id int64) func() (string, error) {
		return func() (string, error) {
			builds++
			return "page", nil
		}
	}

	// Three pages with two mentions each, dispatched page by page.
	for _, page := range []int64{1, 2, 3} {
		for range 2 {
			v, err := c.Acquire(page, 2, build(page))
			require.NoError(t, err)
			assert.Equal(t, "page", v)
		}
		assert.Equal(t, 1, c.Len())
		assert.Equal(t, 2, c.Refs(page))

		gone, err := c.Release(page)
		require.NoError(t, err)
		assert.False(t, gone)
		_, ok := c.Get(page)
		assert.True(t, ok)

		gone, err = c.Release(page)
		require.NoError(t, err)
		assert.True(t, gone)
		assert.Equal(t, 0, c.Len())
	}
	assert.Equal(t, 3, builds)
	assert.Equal(t, []int64{1, 2, 3}, evicted)
}

func TestInterleavedPages(t *testing.T) {
	c := New[int](nil)
	build := func() (int, error) { return 7, nil }

	_, err := c.Acquire(1, 1, build)
	require.NoError(t, err)
	_, err = c.Acquire(2, 2, build)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	_, err = c.Release(1)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 0, c.Refs(1))
	assert.Equal(t, 2, c.Refs(2))
}

func TestAcquireErrors(t *testing.T) {
	c := New[int](nil)
	_, err := c.Acquire(1, 0, func() (int, error) { return 0, nil })
	assert.Error(t, err)

	boom := errors.New("boom")
	_, err = c.Acquire(1, 1, func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	_, err = c.Release(42)
	assert.Error(t, err)
}
