// Package kvcache implements a page-based virtual-memory allocator for the
// KV cache of a transformer inference server. The logical cache tensors
// have a fixed shape for the process lifetime; the physical memory behind
// them grows and shrinks per batch slot as sequences are produced, by
// remapping fixed-size physical pages into stable virtual address ranges.
package kvcache

import (
	"fmt"
	"log/slog"

	"github.com/vattention/vattention/format"
	"github.com/vattention/vattention/ml"
)

// Config fixes the cache geometry at initialization.
type Config struct {
	NumLayers  int
	NumKVHeads int
	HeadSize   int
	DType      ml.DType

	// PageSize is the physical page size in bytes. It must match the
	// device allocation granularity (default 2 MiB on CUDA).
	PageSize uint64

	MaxBatchSize     int
	MaxContextLength int32

	// Megacache interleaves K and V in a single region per layer instead
	// of reserving separate key and value regions.
	Megacache bool
}

// tokenBytes is the per-token footprint within one region.
func (c Config) tokenBytes() uint64 {
	n := uint64(c.NumKVHeads) * uint64(c.HeadSize) * uint64(c.DType.Size())
	if c.Megacache {
		n *= 2
	}
	return n
}

// TokensPerPage is how many tokens one mapped page covers in each region.
func (c Config) TokensPerPage() int32 {
	return int32(c.PageSize / c.tokenBytes())
}

// regionsPerSlot is the number of regions that grow in lockstep for each
// slot: one per layer per K/V split, or one per layer when megacache.
func (c Config) regionsPerSlot() int {
	if c.Megacache {
		return c.NumLayers
	}
	return c.NumLayers * 2
}

// stepsFor is the number of page steps a sequence of the given length
// needs in each region: the smallest page multiple covering its tokens.
func (c Config) stepsFor(length int32) int {
	return int((uint64(length)*c.tokenBytes() + c.PageSize - 1) / c.PageSize)
}

// pagesFor is the total pool pages a sequence of the given length holds
// across all of its regions.
func (c Config) pagesFor(length int32) int {
	return c.stepsFor(length) * c.regionsPerSlot()
}

// slotStride is the page-aligned byte span of one slot's sub-range.
func (c Config) slotStride() uint64 {
	return uint64(c.stepsFor(c.MaxContextLength)) * c.PageSize
}

func (c Config) regionSize() uint64 {
	return uint64(c.MaxBatchSize) * c.slotStride()
}

func (c Config) validate() error {
	switch {
	case c.NumLayers <= 0, c.NumKVHeads <= 0, c.HeadSize <= 0:
		return fmt.Errorf("invalid cache geometry: layers=%d heads=%d head_size=%d",
			c.NumLayers, c.NumKVHeads, c.HeadSize)
	case c.DType.Size() == 0:
		return fmt.Errorf("unsupported dtype %s", c.DType)
	case c.PageSize == 0:
		return fmt.Errorf("page size must be positive")
	case c.MaxBatchSize <= 0:
		return fmt.Errorf("max batch size must be positive")
	case c.MaxContextLength <= 0:
		return fmt.Errorf("max context length must be positive")
	}
	return nil
}

// Cache is the allocator: the physical page pool, the virtual region
// table and the batch slot table, plus the step protocol that keeps them
// reconciled.
//
// A Cache is not safe for concurrent use. A single host control thread
// must drive it; every operation mutates the free-page accounting and slot
// state without internal locking.
type Cache struct {
	config Config

	dev    ml.Device
	stream ml.Stream

	pool    *PagePool
	regions []*region
	slots   []batchSlot
	tensors []ml.Tensor

	initialized bool
}

func NewCache(config Config) *Cache {
	return &Cache{config: config}
}

// Init reserves the virtual regions for every layer and creates the work
// stream. No physical backing is established; the returned tensors are
// views over address-reserved, unmapped memory.
func (c *Cache) Init(dev ml.Device) ([]ml.Tensor, error) {
	if c.initialized {
		return nil, fmt.Errorf("allocator already initialized")
	}

	if err := c.config.validate(); err != nil {
		return nil, err
	}

	if err := dev.Init(c.config.PageSize); err != nil {
		return nil, err
	}

	stream, err := dev.NewStream()
	if err != nil {
		return nil, err
	}

	cfg := c.config
	regions := make([]*region, 0, cfg.regionsPerSlot())
	tensors := make([]ml.Tensor, 0, cfg.regionsPerSlot())

	splits := []ml.Split{ml.SplitKey, ml.SplitValue}
	heads := cfg.NumKVHeads
	if cfg.Megacache {
		splits = []ml.Split{ml.SplitKV}
		heads = 2 * cfg.NumKVHeads
	}

	for layer := 0; layer < cfg.NumLayers; layer++ {
		for _, split := range splits {
			r, err := reserveRegion(dev, layer, split, cfg.regionSize())
			if err != nil {
				for _, prev := range regions {
					prev.free(dev)
				}
				if derr := dev.DestroyStream(stream); derr != nil {
					slog.Warn("failed to destroy stream", "error", derr)
				}
				return nil, err
			}

			regions = append(regions, r)
			tensors = append(tensors, ml.NewTensor(dev, r.addr, layer, split, cfg.DType,
				cfg.MaxBatchSize, int(cfg.MaxContextLength), heads, cfg.HeadSize))
		}
	}

	c.dev = dev
	c.stream = stream
	c.pool = NewPagePool(dev, cfg.PageSize)
	c.regions = regions
	c.tensors = tensors
	c.slots = make([]batchSlot, cfg.MaxBatchSize)
	c.initialized = true

	slog.Info("kv cache initialized",
		"layers", cfg.NumLayers,
		"kv_heads", cfg.NumKVHeads,
		"head_size", cfg.HeadSize,
		"dtype", cfg.DType.String(),
		"max_batch", cfg.MaxBatchSize,
		"max_context", cfg.MaxContextLength,
		"page_size", format.HumanBytes2(cfg.PageSize),
		"megacache", cfg.Megacache,
		"virtual", format.HumanBytes2(cfg.regionSize()*uint64(len(regions))))

	return tensors, nil
}

// Tensors returns the virtual cache views created by Init, one per layer
// per split.
func (c *Cache) Tensors() []ml.Tensor {
	return c.tensors
}

// Config returns the cache geometry.
func (c *Cache) Config() Config {
	return c.config
}

// ReservePages converts a byte budget into physical pages and adds them to
// the free pool.
func (c *Cache) ReservePages(budget uint64) (int, error) {
	if !c.initialized {
		return 0, ErrUninitialized
	}

	return c.pool.Reserve(budget)
}

// FreeBlocks reports the number of currently free pages.
func (c *Cache) FreeBlocks() (int, error) {
	if !c.initialized {
		return 0, ErrUninitialized
	}

	return c.pool.FreeCount(), nil
}

// Close unmaps every mapped page, returns all pages to the device and
// releases the virtual regions, leaving the allocator uninitialized. It
// blocks until the device confirms. Closing an uninitialized cache is a
// no-op; teardown paths may call Close more than once.
func (c *Cache) Close() error {
	if !c.initialized {
		return nil
	}

	for i := range c.slots {
		if c.slots[i].occupied {
			c.freeSlot(i)
		}
	}

	if err := c.dev.Synchronize(c.stream); err != nil {
		slog.Warn("failed to synchronize stream during close", "error", err)
	}

	c.pool.close()

	if err := c.dev.DestroyStream(c.stream); err != nil {
		slog.Warn("failed to destroy stream", "error", err)
	}

	for _, r := range c.regions {
		r.free(c.dev)
	}

	c.pool = nil
	c.regions = nil
	c.tensors = nil
	c.slots = nil
	c.initialized = false

	slog.Info("kv cache released")
	return nil
}
