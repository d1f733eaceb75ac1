// Package mock implements the ml.Device interface on host memory. It
// mirrors the mapping discipline of a real virtual-memory backend: address
// ranges are reserved up front, physical pages are explicit handles, and
// map/unmap work is executed on ordered background streams.
package mock

import (
	"fmt"
	"sync"

	"github.com/vattention/vattention/format"
	"github.com/vattention/vattention/ml"
)

const (
	// Granularity is the minimum allocation granularity of the mock
	// device. Page sizes must be a multiple of it.
	Granularity = 4096

	defaultCapacity = format.GibiByte
)

func init() {
	ml.RegisterDevice("mock", func(params ml.DeviceParams) (ml.Device, error) {
		return New(params), nil
	})
}

type page struct {
	size   uint64
	mapped bool
}

type region struct {
	buf []byte

	// mapped tracks which offsets carry a page, keyed by byte offset.
	mapped map[uint64]ml.PageHandle
}

type stream struct {
	ops chan func()
	wg  sync.WaitGroup
}

// Device is a host-memory device. All bookkeeping happens synchronously at
// enqueue time; only the simulated device work runs on stream goroutines.
type Device struct {
	mu sync.Mutex

	id       int
	capacity uint64
	used     uint64
	pageSize uint64

	pages    map[ml.PageHandle]*page
	regions  map[ml.Addr]*region
	streams  map[ml.Stream]*stream
	nextPage ml.PageHandle
	nextAddr ml.Addr
	nextStrm ml.Stream

	closed bool
}

func New(params ml.DeviceParams) *Device {
	capacity := params.Capacity
	if capacity == 0 {
		capacity = defaultCapacity
	}

	return &Device{
		id:       params.ID,
		capacity: capacity,
		pages:    make(map[ml.PageHandle]*page),
		regions:  make(map[ml.Addr]*region),
		streams:  make(map[ml.Stream]*stream),
		nextAddr: 1 << 32,
	}
}

func (d *Device) Init(pageSize uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pageSize == 0 || pageSize%Granularity != 0 {
		return fmt.Errorf("%w: page size %d, granularity %d", ml.ErrGranularity, pageSize, Granularity)
	}

	d.pageSize = pageSize
	return nil
}

func (d *Device) Info() ml.DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	return ml.DeviceInfo{
		ID:          d.id,
		Library:     "mock",
		Name:        fmt.Sprintf("mock:%d", d.id),
		TotalMemory: d.capacity,
		FreeMemory:  d.capacity - d.used,
		Granularity: Granularity,
		DriverMajor: -1,
		DriverMinor: -1,
	}
}

func (d *Device) CreatePage(size uint64) (ml.PageHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ml.ErrBadHandle
	}

	if d.used+size > d.capacity {
		return 0, fmt.Errorf("%w: requested %s, free %s", ml.ErrDeviceMemory,
			format.HumanBytes2(size), format.HumanBytes2(d.capacity-d.used))
	}

	d.nextPage++
	d.pages[d.nextPage] = &page{size: size}
	d.used += size

	return d.nextPage, nil
}

func (d *Device) ReleasePage(h ml.PageHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pages[h]
	if !ok {
		return fmt.Errorf("%w: page %d", ml.ErrBadHandle, h)
	}
	if p.mapped {
		return fmt.Errorf("%w: page %d is still mapped", ml.ErrBadHandle, h)
	}

	delete(d.pages, h)
	d.used -= p.size
	return nil
}

func (d *Device) ReserveAddress(size uint64) (ml.Addr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ml.ErrBadHandle
	}

	// Address reservation backs nothing; the host buffer stands in for
	// the virtual range so that mapped offsets can be read back.
	addr := d.nextAddr
	d.nextAddr += ml.Addr(size + Granularity)

	d.regions[addr] = &region{
		buf:    make([]byte, size),
		mapped: make(map[uint64]ml.PageHandle),
	}

	return addr, nil
}

func (d *Device) FreeAddress(addr ml.Addr, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.regions[addr]
	if !ok {
		return fmt.Errorf("%w: region %s", ml.ErrBadHandle, addr)
	}
	if len(r.mapped) > 0 {
		return fmt.Errorf("%w: region %s has %d mapped pages", ml.ErrBadHandle, addr, len(r.mapped))
	}

	delete(d.regions, addr)
	return nil
}

func (d *Device) Map(regionAddr ml.Addr, offset, size uint64, h ml.PageHandle, s ml.Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.regions[regionAddr]
	if !ok {
		return fmt.Errorf("%w: region %s", ml.ErrBadHandle, regionAddr)
	}

	p, ok := d.pages[h]
	if !ok {
		return fmt.Errorf("%w: page %d", ml.ErrBadHandle, h)
	}

	st, ok := d.streams[s]
	if !ok {
		return fmt.Errorf("%w: stream %d", ml.ErrBadHandle, s)
	}

	if p.mapped {
		return fmt.Errorf("%w: page %d is already mapped", ml.ErrBadHandle, h)
	}
	if size != p.size {
		return fmt.Errorf("%w: page %d is %d bytes, mapping %d", ml.ErrBadHandle, h, p.size, size)
	}
	if d.pageSize == 0 || offset%d.pageSize != 0 {
		return fmt.Errorf("%w: offset %d is not page aligned", ml.ErrBadHandle, offset)
	}
	if offset+size > uint64(len(r.buf)) {
		return fmt.Errorf("%w: mapping [%d, %d) past region end %d", ml.ErrBadHandle, offset, offset+size, len(r.buf))
	}
	if _, mapped := r.mapped[offset]; mapped {
		return fmt.Errorf("%w: offset %d is already mapped", ml.ErrBadHandle, offset)
	}

	p.mapped = true
	r.mapped[offset] = h

	// A freshly mapped page carries no previous contents.
	window := r.buf[offset : offset+size]
	st.enqueue(func() {
		clear(window)
	})

	return nil
}

func (d *Device) Unmap(regionAddr ml.Addr, offset, size uint64, s ml.Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.regions[regionAddr]
	if !ok {
		return fmt.Errorf("%w: region %s", ml.ErrBadHandle, regionAddr)
	}

	st, ok := d.streams[s]
	if !ok {
		return fmt.Errorf("%w: stream %d", ml.ErrBadHandle, s)
	}

	h, mapped := r.mapped[offset]
	if !mapped {
		return fmt.Errorf("%w: offset %d is not mapped", ml.ErrBadHandle, offset)
	}

	p := d.pages[h]
	if p == nil || p.size != size {
		return fmt.Errorf("%w: unmap size %d does not match page", ml.ErrBadHandle, size)
	}

	p.mapped = false
	delete(r.mapped, offset)

	// Poison the window so use-after-unmap shows up in tests.
	window := r.buf[offset : offset+size]
	st.enqueue(func() {
		for i := range window {
			window[i] = 0xCC
		}
	})

	return nil
}

func (d *Device) NewStream() (ml.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ml.ErrBadHandle
	}

	st := &stream{ops: make(chan func(), 1024)}
	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		for op := range st.ops {
			op()
		}
	}()

	d.nextStrm++
	d.streams[d.nextStrm] = st
	return d.nextStrm, nil
}

func (d *Device) DestroyStream(s ml.Stream) error {
	d.mu.Lock()
	st, ok := d.streams[s]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: stream %d", ml.ErrBadHandle, s)
	}
	delete(d.streams, s)
	d.mu.Unlock()

	close(st.ops)
	st.wg.Wait()
	return nil
}

func (d *Device) Synchronize(s ml.Stream) error {
	d.mu.Lock()
	st, ok := d.streams[s]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: stream %d", ml.ErrBadHandle, s)
	}

	done := make(chan struct{})
	st.enqueue(func() { close(done) })
	<-done
	return nil
}

func (d *Device) Bytes(regionAddr ml.Addr) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.regions[regionAddr]
	if !ok {
		return nil, fmt.Errorf("%w: region %s", ml.ErrBadHandle, regionAddr)
	}

	return r.buf, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	streams := d.streams
	d.streams = make(map[ml.Stream]*stream)
	d.pages = make(map[ml.PageHandle]*page)
	d.regions = make(map[ml.Addr]*region)
	d.used = 0
	d.mu.Unlock()

	for _, st := range streams {
		close(st.ops)
		st.wg.Wait()
	}

	return nil
}

func (st *stream) enqueue(op func()) {
	st.ops <- op
}
