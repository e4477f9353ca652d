package cache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_LookupStore(t *testing.T) {
	c := New[string, int64]()

	_, ok := c.Lookup("a")
	assert.False(t, ok)

	c.Store("a", 1)
	v, ok := c.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, 1, c.Len())
}

func TestMap_Resolve_CachesSuccess(t *testing.T) {
	c := New[string, int64]()
	calls := 0
	fetch := func() (int64, error) {
		calls++
		return 7, nil
	}

	v, err := c.Resolve("k", fetch)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	v, err = c.Resolve("k", fetch)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
	assert.Equal(t, 1, calls)
}

func TestMap_Resolve_DoesNotCacheErrors(t *testing.T) {
	c := New[string, int64]()
	boom := errors.New("not yet")

	_, err := c.Resolve("k", func() (int64, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)

	_, ok := c.Lookup("k")
	assert.False(t, ok)

	v, err := c.Resolve("k", func() (int64, error) { return 3, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}
