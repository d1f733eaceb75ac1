package kvcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vattention/vattention/ml"
	"github.com/vattention/vattention/ml/backend/mock"
)

func newTestPool(t *testing.T, capacity uint64) (*PagePool, *mock.Device) {
	t.Helper()

	dev := mock.New(ml.DeviceParams{Capacity: capacity})
	require.NoError(t, dev.Init(4096))
	t.Cleanup(func() { dev.Close() })

	return NewPagePool(dev, 4096), dev
}

func TestPoolReserve(t *testing.T) {
	pool, _ := newTestPool(t, 1<<20)

	n, err := pool.Reserve(16 * 4096)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	require.Equal(t, 16, pool.FreeCount())
	require.Equal(t, 16, pool.Total())

	// A byte budget rounds down to whole pages.
	n, err = pool.Reserve(4096 + 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 17, pool.Total())
}

func TestPoolReservePartialFailureNotCommitted(t *testing.T) {
	// Room for 8 pages only.
	pool, dev := newTestPool(t, 8*4096)

	_, err := pool.Reserve(16 * 4096)
	require.ErrorIs(t, err, ErrOutOfMemory)

	// Nothing partial was committed, on the pool or the device.
	require.Equal(t, 0, pool.FreeCount())
	require.Equal(t, 0, pool.Total())
	require.Equal(t, uint64(8*4096), dev.Info().FreeMemory)

	n, err := pool.Reserve(8 * 4096)
	require.NoError(t, err)
	require.Equal(t, 8, n)
}

func TestPoolAcquireRelease(t *testing.T) {
	pool, _ := newTestPool(t, 1<<20)

	_, err := pool.Reserve(2 * 4096)
	require.NoError(t, err)

	a, err := pool.AcquireOne()
	require.NoError(t, err)
	b, err := pool.AcquireOne()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Equal(t, 0, pool.FreeCount())

	_, err = pool.AcquireOne()
	require.ErrorIs(t, err, ErrPoolExhausted)

	require.NoError(t, pool.Release(a))
	require.Equal(t, 1, pool.FreeCount())

	// Releasing a free page is a caller bug and must be reported.
	require.ErrorIs(t, pool.Release(a), ErrDoubleFree)
	require.Equal(t, 1, pool.FreeCount())

	// A released page may be handed right back out.
	c, err := pool.AcquireOne()
	require.NoError(t, err)
	require.Equal(t, a, c)
}
