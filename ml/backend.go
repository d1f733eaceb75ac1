// backend.go - device interface and backend registration
package ml

import (
	"fmt"
)

// Device is the virtual-memory mechanism of one accelerator. It hands out
// fixed-size physical pages, reserves stable virtual address ranges with no
// physical backing, and binds pages to offsets within those ranges.
//
// Map and Unmap enqueue onto the given stream and return as soon as the
// operation is queued; argument validation errors are reported at enqueue
// time. Synchronize blocks until everything queued on the stream has
// completed on the device.
type Device interface {
	// Init validates that pageSize matches the device allocation
	// granularity and prepares the mapping machinery.
	Init(pageSize uint64) error

	Info() DeviceInfo

	CreatePage(size uint64) (PageHandle, error)
	ReleasePage(page PageHandle) error

	ReserveAddress(size uint64) (Addr, error)
	FreeAddress(addr Addr, size uint64) error

	Map(region Addr, offset, size uint64, page PageHandle, stream Stream) error
	Unmap(region Addr, offset, size uint64, stream Stream) error

	NewStream() (Stream, error)
	DestroyStream(stream Stream) error
	Synchronize(stream Stream) error

	// Bytes returns a host-visible view of a reserved region for
	// debugging and tests. Backends without host-visible memory return
	// ErrNoHostAccess.
	Bytes(region Addr) ([]byte, error)

	Close() error
}

// DeviceParams controls how a backend opens a device.
type DeviceParams struct {
	// ID is the device ordinal.
	ID int

	// Capacity overrides the device memory budget where the backend
	// supports it (the mock backend). Zero means the backend default.
	Capacity uint64
}

var devices = make(map[string]func(DeviceParams) (Device, error))

// RegisterDevice registers a device factory function.
func RegisterDevice(name string, f func(DeviceParams) (Device, error)) {
	if _, ok := devices[name]; ok {
		panic("ml: device backend already registered")
	}

	devices[name] = f
}

// NewDevice opens a device via a registered backend.
func NewDevice(name string, params DeviceParams) (Device, error) {
	if f, ok := devices[name]; ok {
		return f(params)
	}

	return nil, fmt.Errorf("unsupported device backend %q", name)
}
