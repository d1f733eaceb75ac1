package ml

import "errors"

var (
	// ErrDeviceMemory is returned by CreatePage when the device cannot
	// supply another physical page.
	ErrDeviceMemory = errors.New("device out of memory")

	// ErrNoHostAccess is returned by Bytes on backends whose memory is
	// not host visible.
	ErrNoHostAccess = errors.New("device memory is not host visible")

	// ErrBadHandle is returned for operations on unknown pages, regions
	// or streams.
	ErrBadHandle = errors.New("invalid device handle")

	// ErrGranularity is returned by Init when the requested page size
	// does not match the device allocation granularity.
	ErrGranularity = errors.New("page size does not match device granularity")
)
