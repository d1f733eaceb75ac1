package kvcache

import (
	"fmt"
	"log/slog"
)

// batchSlot is one logical request position within the virtual regions.
// Its mapped pages always cover [0, length) and the mapped byte count is
// the smallest page multiple doing so (plus any lazily retained tail).
type batchSlot struct {
	occupied bool

	// length is the committed sequence length in tokens.
	length int32

	// steps is the number of page steps currently mapped in each of the
	// slot's regions.
	steps int
}

// AllocBatchSlot admits a new request: it claims the lowest free slot
// index, grows its backing to cover the prefill length and blocks until
// the mapping is confirmed. Admission is rare and correctness critical, so
// it is always synchronous.
func (c *Cache) AllocBatchSlot(prefill int32) (int, error) {
	if !c.initialized {
		return 0, ErrUninitialized
	}

	idx := -1
	for i := range c.slots {
		if !c.slots[i].occupied {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, fmt.Errorf("%w: all %d slots occupied", ErrBatchFull, len(c.slots))
	}

	c.slots[idx] = batchSlot{occupied: true}

	if err := c.reconcileSlot(SlotLength{Slot: idx, Length: prefill}, false); err != nil {
		// Admission leaves no trace behind on failure.
		c.freeSlot(idx)
		if serr := c.dev.Synchronize(c.stream); serr != nil {
			slog.Warn("failed to synchronize stream", "error", serr)
		}
		return 0, err
	}

	if err := c.dev.Synchronize(c.stream); err != nil {
		return 0, err
	}

	slog.Debug("batch slot allocated", "slot", idx, "prefill", prefill,
		"pages", c.config.pagesFor(prefill), "free", c.pool.FreeCount())

	return idx, nil
}

// FreeBatchSlot evicts a request: every mapped page is unmapped, returned
// to the pool and the slot is vacated. Blocks until the device confirms.
func (c *Cache) FreeBatchSlot(id int) error {
	if !c.initialized {
		return ErrUninitialized
	}

	if id < 0 || id >= len(c.slots) {
		return fmt.Errorf("%w: %d out of range [0, %d)", ErrInvalidBatchID, id, len(c.slots))
	}
	if !c.slots[id].occupied {
		return fmt.Errorf("%w: %d is not occupied", ErrInvalidBatchID, id)
	}

	reclaimed := c.freeSlot(id)

	if err := c.dev.Synchronize(c.stream); err != nil {
		return err
	}

	slog.Debug("batch slot freed", "slot", id, "reclaimed", reclaimed, "free", c.pool.FreeCount())
	return nil
}

// freeSlot unmaps and releases everything the slot holds and vacates it.
// It reports the number of pages reclaimed. Device work is enqueued, not
// awaited.
func (c *Cache) freeSlot(id int) int {
	slot := &c.slots[id]

	reclaimed := 0
	for step := slot.steps - 1; step >= 0; step-- {
		for _, r := range c.regions {
			page, err := r.unmapPage(c.dev, c.config, id, step, c.stream)
			if err != nil {
				slog.Warn("failed to unmap page", "slot", id, "step", step, "error", err)
				continue
			}
			if err := c.pool.Release(page); err != nil {
				slog.Warn("failed to release page", "slot", id, "page", page, "error", err)
				continue
			}
			reclaimed++
		}
	}

	*slot = batchSlot{}
	return reclaimed
}
