// types.go - data types and handles shared across memory backends
package ml

import (
	"fmt"
	"strings"
)

// DType represents the data type of cache elements.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeI32
)

// Size returns the element size in bytes.
func (t DType) Size() int {
	switch t {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 0
	}
}

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	case DTypeI32:
		return "I32"
	default:
		return "unknown"
	}
}

// ParseDType maps a type name such as "f16" or "bf16" to its DType.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "f32", "fp32", "float32":
		return DTypeF32, nil
	case "f16", "fp16", "float16":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	case "i32", "int32":
		return DTypeI32, nil
	default:
		return DTypeOther, fmt.Errorf("unsupported cache dtype %q", s)
	}
}

// PageHandle identifies one physical memory page owned by a device.
// Handles are opaque to everything above the backend.
type PageHandle uint64

// Addr is a device virtual address returned by ReserveAddress.
type Addr uintptr

// Stream identifies an ordered device work queue. Operations enqueued on
// the same stream execute in enqueue order; the backend provides no
// ordering across streams.
type Stream uint64

func (a Addr) String() string {
	return fmt.Sprintf("0x%x", uintptr(a))
}
