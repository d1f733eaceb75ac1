package kvcache

import (
	"fmt"
	"log/slog"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/vattention/vattention/format"
	"github.com/vattention/vattention/ml"
)

// region is one reserved virtual address range: one cache layer, one K/V
// split (or the interleaved pair when megacache is set). It is the only
// place that talks to the device mapping mechanism; everything above works
// in page counts and slot indexes.
type region struct {
	layer int
	split ml.Split
	addr  ml.Addr
	size  uint64

	// pages records the bound physical page per byte offset, in
	// increasing offset order per slot.
	pages *orderedmap.OrderedMap[uint64, ml.PageHandle]
}

func reserveRegion(dev ml.Device, layer int, split ml.Split, size uint64) (*region, error) {
	addr, err := dev.ReserveAddress(size)
	if err != nil {
		return nil, fmt.Errorf("reserving %s for layer %d %s region: %w", format.HumanBytes2(size), layer, split, err)
	}

	slog.Debug("reserved virtual region", "layer", layer, "split", split.String(),
		"addr", addr.String(), "size", format.HumanBytes2(size))

	return &region{
		layer: layer,
		split: split,
		addr:  addr,
		size:  size,
		pages: orderedmap.New[uint64, ml.PageHandle](),
	}, nil
}

// slotOffset returns the byte offset of a page step within a slot's
// sub-range. Slot sub-ranges are page aligned; when the per-slot capacity
// is not a page multiple the tail of the sub-range is padding.
func (r *region) slotOffset(cfg Config, slot, step int) uint64 {
	return uint64(slot)*cfg.slotStride() + uint64(step)*cfg.PageSize
}

func (r *region) mapPage(dev ml.Device, cfg Config, slot, step int, page ml.PageHandle, stream ml.Stream) error {
	offset := r.slotOffset(cfg, slot, step)
	if err := dev.Map(r.addr, offset, cfg.PageSize, page, stream); err != nil {
		return fmt.Errorf("mapping page %d at layer %d %s offset %d: %w", page, r.layer, r.split, offset, err)
	}

	r.pages.Set(offset, page)
	return nil
}

func (r *region) unmapPage(dev ml.Device, cfg Config, slot, step int, stream ml.Stream) (ml.PageHandle, error) {
	offset := r.slotOffset(cfg, slot, step)
	page, ok := r.pages.Get(offset)
	if !ok {
		return 0, fmt.Errorf("no page mapped at layer %d %s offset %d", r.layer, r.split, offset)
	}

	if err := dev.Unmap(r.addr, offset, cfg.PageSize, stream); err != nil {
		return 0, fmt.Errorf("unmapping layer %d %s offset %d: %w", r.layer, r.split, offset, err)
	}

	r.pages.Delete(offset)
	return page, nil
}

// mappedCount reports the number of pages currently bound in this region.
func (r *region) mappedCount() int {
	return r.pages.Len()
}

func (r *region) free(dev ml.Device) {
	if err := dev.FreeAddress(r.addr, r.size); err != nil {
		slog.Warn("failed to free virtual region", "layer", r.layer, "split", r.split.String(), "error", err)
	}
}
