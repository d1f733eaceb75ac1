package kvcache

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/vattention/vattention/ml"
	"github.com/vattention/vattention/ml/backend/mock"
)

// testConfig needs 8 bytes per token per region: 512 tokens fit exactly in
// one 4 KiB page step, and with 5 layers a slot holds 10 pool pages.
var testConfig = Config{
	NumLayers:        5,
	NumKVHeads:       1,
	HeadSize:         4,
	DType:            ml.DTypeF16,
	PageSize:         4096,
	MaxBatchSize:     4,
	MaxContextLength: 2048,
}

func newTestCache(t *testing.T, config Config) (*Cache, []ml.Tensor) {
	t.Helper()

	dev := mock.New(ml.DeviceParams{})
	t.Cleanup(func() { dev.Close() })

	c := NewCache(config)
	tensors, err := c.Init(dev)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c, tensors
}

// requireConserved checks that free plus mapped pages always equals the
// reserved total.
func requireConserved(t *testing.T, c *Cache) {
	t.Helper()

	state, err := c.State()
	require.NoError(t, err)
	require.Equal(t, state.TotalPages, state.FreePages+state.MappedPages,
		"page conservation violated: %s", state)
}

func TestUninitialized(t *testing.T) {
	c := NewCache(testConfig)

	_, err := c.ReservePages(1 << 20)
	require.ErrorIs(t, err, ErrUninitialized)

	_, err = c.FreeBlocks()
	require.ErrorIs(t, err, ErrUninitialized)

	_, err = c.AllocBatchSlot(1)
	require.ErrorIs(t, err, ErrUninitialized)

	require.ErrorIs(t, c.FreeBatchSlot(0), ErrUninitialized)
	require.ErrorIs(t, c.Step(nil, false), ErrUninitialized)
	require.ErrorIs(t, c.StepAsync(nil), ErrUninitialized)

	_, err = c.State()
	require.ErrorIs(t, err, ErrUninitialized)
}

func TestInitTensors(t *testing.T) {
	_, tensors := newTestCache(t, testConfig)

	// One key and one value view per layer.
	require.Len(t, tensors, 10)
	require.Equal(t, ml.SplitKey, tensors[0].Split())
	require.Equal(t, ml.SplitValue, tensors[1].Split())
	require.Equal(t, 4, tensors[9].Layer())

	want := []int{4, 2048, 1, 4}
	if diff := cmp.Diff(want, tensors[0].Shape()); diff != "" {
		t.Errorf("unexpected tensor shape (-want +got):\n%s", diff)
	}
}

func TestInitTensorsMegacache(t *testing.T) {
	config := testConfig
	config.Megacache = true

	_, tensors := newTestCache(t, config)

	// One interleaved region per layer, K and V sharing it.
	require.Len(t, tensors, 5)
	require.Equal(t, ml.SplitKV, tensors[0].Split())

	want := []int{4, 2048, 2, 4}
	if diff := cmp.Diff(want, tensors[0].Shape()); diff != "" {
		t.Errorf("unexpected tensor shape (-want +got):\n%s", diff)
	}
}

func TestAllocFreeReclaimsFully(t *testing.T) {
	c, _ := newTestCache(t, testConfig)

	n, err := c.ReservePages(128 * 4096)
	require.NoError(t, err)
	require.Equal(t, 128, n)

	// 512 tokens at 8 bytes per token per region: one page step across
	// 10 regions.
	slot, err := c.AllocBatchSlot(512)
	require.NoError(t, err)
	require.Equal(t, 0, slot)

	free, err := c.FreeBlocks()
	require.NoError(t, err)
	require.Equal(t, 118, free)
	requireConserved(t, c)

	require.NoError(t, c.FreeBatchSlot(slot))

	free, err = c.FreeBlocks()
	require.NoError(t, err)
	require.Equal(t, 128, free)
	requireConserved(t, c)
}

func TestAllocLowestFreeIndex(t *testing.T) {
	c, _ := newTestCache(t, testConfig)

	_, err := c.ReservePages(128 * 4096)
	require.NoError(t, err)

	for want := 0; want < 4; want++ {
		slot, err := c.AllocBatchSlot(1)
		require.NoError(t, err)
		require.Equal(t, want, slot)
	}

	_, err = c.AllocBatchSlot(1)
	require.ErrorIs(t, err, ErrBatchFull)

	// Vacating the middle makes its index the next choice.
	require.NoError(t, c.FreeBatchSlot(1))
	slot, err := c.AllocBatchSlot(1)
	require.NoError(t, err)
	require.Equal(t, 1, slot)
}

func TestFreeInvalidBatchID(t *testing.T) {
	c, _ := newTestCache(t, testConfig)

	_, err := c.ReservePages(16 * 4096)
	require.NoError(t, err)

	require.ErrorIs(t, c.FreeBatchSlot(-1), ErrInvalidBatchID)
	require.ErrorIs(t, c.FreeBatchSlot(4), ErrInvalidBatchID)
	require.ErrorIs(t, c.FreeBatchSlot(2), ErrInvalidBatchID)

	slot, err := c.AllocBatchSlot(1)
	require.NoError(t, err)
	require.NoError(t, c.FreeBatchSlot(slot))
	require.ErrorIs(t, c.FreeBatchSlot(slot), ErrInvalidBatchID)
}

func TestAdmissionOutOfMemoryLeavesNoTrace(t *testing.T) {
	c, _ := newTestCache(t, testConfig)

	// Five pages cannot back even one 10-page slot.
	_, err := c.ReservePages(5 * 4096)
	require.NoError(t, err)

	_, err = c.AllocBatchSlot(512)
	require.ErrorIs(t, err, ErrOutOfMemory)

	free, err := c.FreeBlocks()
	require.NoError(t, err)
	require.Equal(t, 5, free)
	requireConserved(t, c)

	state, err := c.State()
	require.NoError(t, err)
	for _, slot := range state.Slots {
		require.False(t, slot.Occupied)
	}
}

func TestCloseIdempotent(t *testing.T) {
	c, _ := newTestCache(t, testConfig)

	_, err := c.ReservePages(32 * 4096)
	require.NoError(t, err)

	_, err = c.AllocBatchSlot(512)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.FreeBlocks()
	require.ErrorIs(t, err, ErrUninitialized)
}

func TestMappedMemoryVisibility(t *testing.T) {
	// Megacache with a single layer keeps the arithmetic simple: one
	// region, 8 bytes per token.
	config := Config{
		NumLayers:        1,
		NumKVHeads:       1,
		HeadSize:         2,
		DType:            ml.DTypeF16,
		PageSize:         4096,
		MaxBatchSize:     2,
		MaxContextLength: 1024,
		Megacache:        true,
	}

	c, tensors := newTestCache(t, config)
	require.Len(t, tensors, 1)

	_, err := c.ReservePages(8 * 4096)
	require.NoError(t, err)

	slot, err := c.AllocBatchSlot(16)
	require.NoError(t, err)

	buf, err := tensors[0].Bytes()
	require.NoError(t, err)

	// Write fp16 values through the mapped window and read them back.
	want := float16.Fromfloat32(0.5)
	base := slot * int(config.slotStride())
	for i := 0; i < 16; i++ {
		b := want.Bits()
		buf[base+2*i] = byte(b)
		buf[base+2*i+1] = byte(b >> 8)
	}

	for i := 0; i < 16; i++ {
		got := float16.Frombits(uint16(buf[base+2*i]) | uint16(buf[base+2*i+1])<<8)
		require.Equal(t, float32(0.5), got.Float32())
	}

	// Freeing the slot unmaps the window; the mock poisons it.
	require.NoError(t, c.FreeBatchSlot(slot))
	require.Equal(t, byte(0xCC), buf[base])
}
