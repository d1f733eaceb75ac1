//go:build cuda

// Package cuda implements the ml.Device interface on the CUDA driver
// virtual-memory API: physical pages come from cuMemCreate, address ranges
// from cuMemAddressReserve, and bindings from cuMemMap/cuMemSetAccess.
package cuda

/*
#cgo linux LDFLAGS: -L/usr/local/cuda/lib64/stubs -lcuda
#cgo windows LDFLAGS: -lcuda

#include <cuda.h>
#include <stdlib.h>

static CUresult vattnDeviceInit(int device, CUmemAllocationProp *prop, CUmemAccessDesc *access, size_t *granularity) {
	CUresult res = cuInit(0);
	if (res != CUDA_SUCCESS) {
		return res;
	}

	prop->type = CU_MEM_ALLOCATION_TYPE_PINNED;
	prop->location.type = CU_MEM_LOCATION_TYPE_DEVICE;
	prop->location.id = device;

	access->location.type = CU_MEM_LOCATION_TYPE_DEVICE;
	access->location.id = device;
	access->flags = CU_MEM_ACCESS_FLAGS_PROT_READWRITE;

	return cuMemGetAllocationGranularity(granularity, prop, CU_MEM_ALLOC_GRANULARITY_MINIMUM);
}
*/
import "C"

import (
	"fmt"
	"sync"

	"github.com/vattention/vattention/ml"
)

func init() {
	ml.RegisterDevice("cuda", func(params ml.DeviceParams) (ml.Device, error) {
		return New(params)
	})
}

// Error wraps a CUDA driver error code.
type Error C.CUresult

func (e Error) Error() string {
	var str *C.char
	if C.cuGetErrorString(C.CUresult(e), &str) != C.CUDA_SUCCESS {
		return fmt.Sprintf("CUDA error %d", int(e))
	}
	return fmt.Sprintf("CUDA error %d: %s", int(e), C.GoString(str))
}

func check(res C.CUresult) error {
	if res != C.CUDA_SUCCESS {
		return Error(res)
	}
	return nil
}

type stream struct {
	cu  C.CUstream
	ops chan func() error
	wg  sync.WaitGroup

	mu  sync.Mutex
	err error
}

// Device drives CUDA virtual memory for one GPU.
type Device struct {
	mu sync.Mutex

	id          int
	prop        C.CUmemAllocationProp
	access      C.CUmemAccessDesc
	granularity uint64
	pageSize    uint64

	pages    map[ml.PageHandle]C.CUmemGenericAllocationHandle
	nextPage ml.PageHandle
	streams  map[ml.Stream]*stream
	nextStrm ml.Stream
}

func New(params ml.DeviceParams) (*Device, error) {
	d := &Device{
		id:      params.ID,
		pages:   make(map[ml.PageHandle]C.CUmemGenericAllocationHandle),
		streams: make(map[ml.Stream]*stream),
	}

	var granularity C.size_t
	if err := check(C.vattnDeviceInit(C.int(d.id), &d.prop, &d.access, &granularity)); err != nil {
		return nil, fmt.Errorf("initializing CUDA device %d: %w", d.id, err)
	}
	d.granularity = uint64(granularity)

	return d, nil
}

func (d *Device) Init(pageSize uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pageSize != d.granularity {
		return fmt.Errorf("%w: page size %d, granularity %d", ml.ErrGranularity, pageSize, d.granularity)
	}

	d.pageSize = pageSize
	return nil
}

func (d *Device) Info() ml.DeviceInfo {
	var free, total C.size_t
	C.cuMemGetInfo(&free, &total)

	var version C.int
	C.cuDriverGetVersion(&version)

	return ml.DeviceInfo{
		ID:          d.id,
		Library:     "cuda",
		Name:        fmt.Sprintf("cuda:%d", d.id),
		TotalMemory: uint64(total),
		FreeMemory:  uint64(free),
		Granularity: d.granularity,
		DriverMajor: int(version) / 1000,
		DriverMinor: int(version) % 1000 / 10,
	}
}

func (d *Device) CreatePage(size uint64) (ml.PageHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var page C.CUmemGenericAllocationHandle
	if err := check(C.cuMemCreate(&page, C.size_t(size), &d.prop, 0)); err != nil {
		return 0, fmt.Errorf("%w: %v", ml.ErrDeviceMemory, err)
	}

	d.nextPage++
	d.pages[d.nextPage] = page
	return d.nextPage, nil
}

func (d *Device) ReleasePage(h ml.PageHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	page, ok := d.pages[h]
	if !ok {
		return fmt.Errorf("%w: page %d", ml.ErrBadHandle, h)
	}

	delete(d.pages, h)
	return check(C.cuMemRelease(page))
}

func (d *Device) ReserveAddress(size uint64) (ml.Addr, error) {
	var ptr C.CUdeviceptr
	if err := check(C.cuMemAddressReserve(&ptr, C.size_t(size), 0, 0, 0)); err != nil {
		return 0, fmt.Errorf("%w: %v", ml.ErrDeviceMemory, err)
	}

	return ml.Addr(ptr), nil
}

func (d *Device) FreeAddress(addr ml.Addr, size uint64) error {
	return check(C.cuMemAddressFree(C.CUdeviceptr(addr), C.size_t(size)))
}

func (d *Device) Map(region ml.Addr, offset, size uint64, h ml.PageHandle, s ml.Stream) error {
	d.mu.Lock()
	page, ok := d.pages[h]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: page %d", ml.ErrBadHandle, h)
	}

	st, ok := d.streams[s]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: stream %d", ml.ErrBadHandle, s)
	}

	if offset%d.pageSize != 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: offset %d is not page aligned", ml.ErrBadHandle, offset)
	}

	access := d.access
	d.mu.Unlock()

	ptr := C.CUdeviceptr(region) + C.CUdeviceptr(offset)
	st.enqueue(func() error {
		if err := check(C.cuMemMap(ptr, C.size_t(size), 0, page, 0)); err != nil {
			return err
		}
		return check(C.cuMemSetAccess(ptr, C.size_t(size), &access, 1))
	})

	return nil
}

func (d *Device) Unmap(region ml.Addr, offset, size uint64, s ml.Stream) error {
	d.mu.Lock()
	st, ok := d.streams[s]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: stream %d", ml.ErrBadHandle, s)
	}

	ptr := C.CUdeviceptr(region) + C.CUdeviceptr(offset)
	st.enqueue(func() error {
		return check(C.cuMemUnmap(ptr, C.size_t(size)))
	})

	return nil
}

func (d *Device) NewStream() (ml.Stream, error) {
	var cu C.CUstream
	if err := check(C.cuStreamCreate(&cu, C.CU_STREAM_NON_BLOCKING)); err != nil {
		return 0, err
	}

	st := &stream{cu: cu, ops: make(chan func() error, 1024)}
	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		for op := range st.ops {
			if err := op(); err != nil {
				st.mu.Lock()
				if st.err == nil {
					st.err = err
				}
				st.mu.Unlock()
			}
		}
	}()

	d.mu.Lock()
	d.nextStrm++
	d.streams[d.nextStrm] = st
	d.mu.Unlock()

	return d.nextStrm, nil
}

func (d *Device) DestroyStream(s ml.Stream) error {
	d.mu.Lock()
	st, ok := d.streams[s]
	if ok {
		delete(d.streams, s)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: stream %d", ml.ErrBadHandle, s)
	}

	close(st.ops)
	st.wg.Wait()
	return check(C.cuStreamDestroy(st.cu))
}

func (d *Device) Synchronize(s ml.Stream) error {
	d.mu.Lock()
	st, ok := d.streams[s]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: stream %d", ml.ErrBadHandle, s)
	}

	done := make(chan struct{})
	st.enqueue(func() error {
		close(done)
		return nil
	})
	<-done

	if err := check(C.cuStreamSynchronize(st.cu)); err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	err := st.err
	st.err = nil
	return err
}

// Bytes is unsupported: device memory is not host visible.
func (d *Device) Bytes(region ml.Addr) ([]byte, error) {
	return nil, ml.ErrNoHostAccess
}

func (d *Device) Close() error {
	d.mu.Lock()
	streams := d.streams
	d.streams = make(map[ml.Stream]*stream)
	pages := d.pages
	d.pages = make(map[ml.PageHandle]C.CUmemGenericAllocationHandle)
	d.mu.Unlock()

	for _, st := range streams {
		close(st.ops)
		st.wg.Wait()
		C.cuStreamDestroy(st.cu)
	}

	for _, page := range pages {
		C.cuMemRelease(page)
	}

	return nil
}

func (st *stream) enqueue(op func() error) {
	st.ops <- op
}
