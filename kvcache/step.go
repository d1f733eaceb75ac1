package kvcache

import (
	"fmt"

	"github.com/vattention/vattention/logutil"
)

// SlotLength pairs an occupied batch slot with its current sequence
// length. Step calls take one entry per active slot.
type SlotLength struct {
	Slot   int
	Length int32
}

// Step reconciles physical backing with each listed slot's current length
// and blocks until every mapping operation is confirmed on the device.
//
// Growth acquires pages from the pool and maps them at increasing offsets.
// When eagerReclaim is set, slots whose length shrank release their excess
// trailing pages immediately; otherwise the excess stays mapped until the
// slot is freed or a later eager step.
//
// A slot that cannot grow fails with ErrOutOfMemory; slots reconciled
// earlier in the same call keep their progress.
func (c *Cache) Step(lengths []SlotLength, eagerReclaim bool) error {
	if !c.initialized {
		return ErrUninitialized
	}

	err := c.reconcile(lengths, eagerReclaim)

	if serr := c.dev.Synchronize(c.stream); serr != nil && err == nil {
		err = serr
	}

	return err
}

// StepAsync enqueues the same reconciliation on the cache's work stream
// and returns without waiting. Reclaim is always lazy in this mode; a
// shrink is not worth synchronizing for. Callers must order their compute
// work after this call on the same stream.
//
// Enqueue failures are reported here, synchronously.
func (c *Cache) StepAsync(lengths []SlotLength) error {
	if !c.initialized {
		return ErrUninitialized
	}

	return c.reconcile(lengths, false)
}

func (c *Cache) reconcile(lengths []SlotLength, eagerReclaim bool) error {
	for _, sl := range lengths {
		if err := c.reconcileSlot(sl, eagerReclaim); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) reconcileSlot(sl SlotLength, eagerReclaim bool) error {
	if sl.Slot < 0 || sl.Slot >= len(c.slots) {
		return fmt.Errorf("%w: %d out of range [0, %d)", ErrInvalidBatchID, sl.Slot, len(c.slots))
	}

	slot := &c.slots[sl.Slot]
	if !slot.occupied {
		return fmt.Errorf("%w: %d is not occupied", ErrInvalidBatchID, sl.Slot)
	}

	if sl.Length < 0 || sl.Length > c.config.MaxContextLength {
		return fmt.Errorf("%w: slot %d length %d, capacity %d",
			ErrBatchTooLong, sl.Slot, sl.Length, c.config.MaxContextLength)
	}

	need := c.config.stepsFor(sl.Length)

	for slot.steps < need {
		if err := c.growOne(sl.Slot, slot.steps); err != nil {
			return err
		}
		slot.steps++
	}

	if eagerReclaim {
		for slot.steps > need {
			c.shrinkOne(sl.Slot, slot.steps-1)
			slot.steps--
		}
	}

	slot.length = sl.Length

	logutil.Trace("slot reconciled", "slot", sl.Slot, "length", sl.Length,
		"steps", slot.steps, "free", c.pool.FreeCount())

	return nil
}

// growOne extends one slot by one page step: every region of the slot gets
// one fresh pool page mapped at the step's offset. If the pool runs dry
// partway through, the partial step is unwound so the slot's regions never
// disagree about coverage.
func (c *Cache) growOne(id, step int) error {
	for i, r := range c.regions {
		page, err := c.pool.AcquireOne()
		if err == nil {
			err = r.mapPage(c.dev, c.config, id, step, page, c.stream)
			if err != nil {
				if rerr := c.pool.Release(page); rerr != nil {
					err = fmt.Errorf("%w (also %v)", err, rerr)
				}
			}
		}

		if err != nil {
			c.unwindStep(id, step, i)
			return fmt.Errorf("growing slot %d: %w: %v", id, ErrOutOfMemory, err)
		}
	}

	return nil
}

// unwindStep rolls back the first mapped regions of a partially grown
// step.
func (c *Cache) unwindStep(id, step, mapped int) {
	for i := 0; i < mapped; i++ {
		page, err := c.regions[i].unmapPage(c.dev, c.config, id, step, c.stream)
		if err != nil {
			continue
		}
		c.pool.Release(page) //nolint:errcheck
	}
}

// shrinkOne drops the trailing page step of a slot, returning one page per
// region to the pool.
func (c *Cache) shrinkOne(id, step int) {
	for _, r := range c.regions {
		page, err := r.unmapPage(c.dev, c.config, id, step, c.stream)
		if err != nil {
			continue
		}
		c.pool.Release(page) //nolint:errcheck
	}
}
