package kvcache

import (
	"fmt"
	"log/slog"

	"github.com/emirpasic/gods/v2/lists/arraylist"

	"github.com/vattention/vattention/format"
	"github.com/vattention/vattention/ml"
)

// PagePool owns the reserved physical pages of one device. Pages are
// fungible: any free page may back any slot's next segment. The pool does
// not lock; the cache serializes access (see Cache).
type PagePool struct {
	dev      ml.Device
	pageSize uint64

	free  *arraylist.List[ml.PageHandle]
	inUse map[ml.PageHandle]bool
	total int
}

func NewPagePool(dev ml.Device, pageSize uint64) *PagePool {
	return &PagePool{
		dev:      dev,
		pageSize: pageSize,
		free:     arraylist.New[ml.PageHandle](),
		inUse:    make(map[ml.PageHandle]bool),
	}
}

// Reserve converts a byte budget into pages and acquires them from the
// device. A failed reservation leaves the pool exactly as it was; nothing
// partial is committed.
func (p *PagePool) Reserve(budget uint64) (int, error) {
	count := int(budget / p.pageSize)
	slog.Info("reserving physical pages", "count", count, "page_size", format.HumanBytes2(p.pageSize))

	created := make([]ml.PageHandle, 0, count)
	for len(created) < count {
		page, err := p.dev.CreatePage(p.pageSize)
		if err != nil {
			for _, h := range created {
				if rerr := p.dev.ReleasePage(h); rerr != nil {
					slog.Warn("failed to release page while unwinding reservation", "page", h, "error", rerr)
				}
			}
			return 0, fmt.Errorf("reserving page %d of %d: %w: %v", len(created)+1, count, ErrOutOfMemory, err)
		}
		created = append(created, page)
	}

	for _, h := range created {
		p.free.Add(h)
	}
	p.total += count

	return count, nil
}

// AcquireOne removes one page from the free set. Pages come back in LIFO
// order; callers must not assume any particular physical layout.
func (p *PagePool) AcquireOne() (ml.PageHandle, error) {
	if p.free.Empty() {
		return 0, ErrPoolExhausted
	}

	last := p.free.Size() - 1
	page, _ := p.free.Get(last)
	p.free.Remove(last)
	p.inUse[page] = true

	return page, nil
}

// Release returns a page to the free set. The page's former contents are
// garbage from this point on.
func (p *PagePool) Release(page ml.PageHandle) error {
	if !p.inUse[page] {
		return fmt.Errorf("%w: page %d", ErrDoubleFree, page)
	}

	delete(p.inUse, page)
	p.free.Add(page)
	return nil
}

// FreeCount reports the number of free pages. This is what the API
// exposes as free KV blocks.
func (p *PagePool) FreeCount() int {
	return p.free.Size()
}

// Total reports the number of pages reserved, free or mapped.
func (p *PagePool) Total() int {
	return p.total
}

// close releases every free page back to the device. Mapped pages must be
// unmapped and released before closing.
func (p *PagePool) close() {
	for i := 0; i < p.free.Size(); i++ {
		if page, ok := p.free.Get(i); ok {
			if err := p.dev.ReleasePage(page); err != nil {
				slog.Warn("failed to release page", "page", page, "error", err)
			}
		}
	}

	p.free.Clear()
	p.inUse = make(map[ml.PageHandle]bool)
	p.total = 0
}
