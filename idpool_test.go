package zion

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDPoolReuse(t *testing.T) {
	pool := NewIDPool(nil)

	for i := 0; i < 100; i++ {
		id := pool.Get()
		require.Equal(t, uint64(1), id)
		require.Equal(t, 1, pool.InUse())
		pool.Release(id)
		require.Equal(t, 0, pool.InUse())
	}
}

func TestIDPoolReleaseBeforeMint(t *testing.T) {
	pool := NewIDPool(nil)
	a, b, c := pool.Get(), pool.Get(), pool.Get()
	require.Equal(t, []uint64{1, 2, 3}, []uint64{a, b, c})

	pool.Release(b)
	require.Equal(t, b, pool.Get())
	require.Equal(t, uint64(4), pool.Get())
	require.Equal(t, 4, pool.InUse())
	require.Equal(t, 0, pool.Free())
}

func TestIDPoolReleaseUnknown(t *testing.T) {
	pool := NewIDPool(nil)
	id := pool.Get()

	pool.Release(42)
	pool.Release(id)
	pool.Release(id)
	require.Equal(t, 0, pool.InUse())
	require.Equal(t, 1, pool.Free())
}

func TestIDPoolGenerator(t *testing.T) {
	pool := NewIDPool(func(last uint64) uint64 { return last + 10 })
	require.Equal(t, uint64(10), pool.Get())
	require.Equal(t, uint64(20), pool.Get())
}
