package kvcache

import "errors"

var (
	// ErrOutOfMemory is returned when a physical reservation or a growth
	// step cannot obtain enough pages. The allocator state stays
	// consistent; no partial page aliasing occurs.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrPoolExhausted is returned by the page pool when the free set is
	// empty.
	ErrPoolExhausted = errors.New("physical page pool exhausted")

	// ErrBatchFull is returned when no batch slot index is free.
	ErrBatchFull = errors.New("batch is full")

	// ErrInvalidBatchID is returned for operations on an out-of-range or
	// unoccupied batch slot.
	ErrInvalidBatchID = errors.New("invalid batch slot")

	// ErrDoubleFree is returned when a page is released to the pool while
	// already free.
	ErrDoubleFree = errors.New("page already free")

	// ErrUninitialized is returned for any operation before Init or
	// after Close.
	ErrUninitialized = errors.New("uninitialized allocator")

	// ErrBatchTooLong is returned when a requested length exceeds the
	// configured context capacity.
	ErrBatchTooLong = errors.New("length exceeds context capacity")
)
