package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vattention/vattention/kvcache"
	"github.com/vattention/vattention/ml"
	"github.com/vattention/vattention/ml/backend/mock"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()

	dev := mock.New(ml.DeviceParams{})
	t.Cleanup(func() { dev.Close() })

	cache := kvcache.NewCache(kvcache.Config{
		NumLayers:        1,
		NumKVHeads:       1,
		HeadSize:         2,
		DType:            ml.DTypeF16,
		PageSize:         4096,
		MaxBatchSize:     2,
		MaxContextLength: 4096,
		Megacache:        true,
	})

	_, err := cache.Init(dev)
	require.NoError(t, err)

	r := New(cache)
	t.Cleanup(func() { r.Close() })

	_, err = r.ReservePages(32 * 4096)
	require.NoError(t, err)

	return r
}

func TestRunnerAdmission(t *testing.T) {
	r := newTestRunner(t)

	a, err := r.Add(context.Background(), 512, 0)
	require.NoError(t, err)
	require.Equal(t, 0, a.Slot)

	b, err := r.Add(context.Background(), 512, 0)
	require.NoError(t, err)
	require.Equal(t, 1, b.Slot)

	// Both slots taken; admission blocks until one retires.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Add(ctx, 1, 0)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, r.Remove(a.ID))

	c, err := r.Add(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Equal(t, 0, c.Slot, "freed slot index is reused")
}

func TestRunnerAdvanceRetires(t *testing.T) {
	r := newTestRunner(t)

	seq, err := r.Add(context.Background(), 510, 2)
	require.NoError(t, err)

	completed, err := r.Advance()
	require.NoError(t, err)
	require.Empty(t, completed)

	seq2, ok := r.Get(seq.ID)
	require.True(t, ok)
	require.EqualValues(t, 511, seq2.Length)

	completed, err = r.Advance()
	require.NoError(t, err)
	require.Equal(t, []string{seq.ID}, completed)

	_, ok = r.Get(seq.ID)
	require.False(t, ok)

	// Everything came back to the pool.
	free, err := r.FreeBlocks()
	require.NoError(t, err)
	require.Equal(t, 32, free)
}

func TestRunnerStepTo(t *testing.T) {
	r := newTestRunner(t)

	seq, err := r.Add(context.Background(), 100, 0)
	require.NoError(t, err)

	// grow to 4 pages, then shrink back to 1 with eager reclaim
	_, err = r.StepTo(map[string]int32{seq.ID: 2048}, false)
	require.NoError(t, err)

	state, err := r.State()
	require.NoError(t, err)
	require.Equal(t, 4, state.Slots[seq.Slot].MappedPages)

	_, err = r.StepTo(map[string]int32{seq.ID: 100}, true)
	require.NoError(t, err)

	state, err = r.State()
	require.NoError(t, err)
	require.Equal(t, 1, state.Slots[seq.Slot].MappedPages)

	_, err = r.StepTo(map[string]int32{"missing": 1}, false)
	require.ErrorIs(t, err, ErrUnknownSequence)
}

func TestRunnerAdvanceGrowsBacking(t *testing.T) {
	r := newTestRunner(t)

	// 512 tokens fill a page exactly; the next token starts a new one.
	seq, err := r.Add(context.Background(), 512, 0)
	require.NoError(t, err)

	free, err := r.FreeBlocks()
	require.NoError(t, err)
	require.Equal(t, 31, free)

	_, err = r.Advance()
	require.NoError(t, err)

	free, err = r.FreeBlocks()
	require.NoError(t, err)
	require.Equal(t, 30, free)

	state, err := r.State()
	require.NoError(t, err)
	require.Equal(t, 2, state.Slots[seq.Slot].MappedPages)
}
