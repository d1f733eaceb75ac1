// tensor.go - virtual cache tensor handles
package ml

import "slices"

// Split identifies which half of the KV pair a cache tensor carries.
type Split int

const (
	// SplitKey and SplitValue are used when keys and values live in
	// separate regions.
	SplitKey Split = iota
	SplitValue

	// SplitKV is used for interleaved (megacache) regions carrying both.
	SplitKV
)

func (s Split) String() string {
	switch s {
	case SplitKey:
		return "key"
	case SplitValue:
		return "value"
	case SplitKV:
		return "kv"
	default:
		return "unknown"
	}
}

// Tensor is a stable view over one reserved cache region. Its shape is
// fixed for the process lifetime; how much of it is physically backed at
// any moment is the allocator's business, not the tensor's.
type Tensor struct {
	dev   Device
	addr  Addr
	layer int
	split Split
	dtype DType
	shape []int
}

// NewTensor wraps a reserved region in a tensor view. The shape is in
// elements, outermost dimension first.
func NewTensor(dev Device, addr Addr, layer int, split Split, dtype DType, shape ...int) Tensor {
	return Tensor{
		dev:   dev,
		addr:  addr,
		layer: layer,
		split: split,
		dtype: dtype,
		shape: slices.Clone(shape),
	}
}

func (t Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t Tensor) DType() DType { return t.dtype }
func (t Tensor) Layer() int   { return t.layer }
func (t Tensor) Split() Split { return t.split }

// Addr is the base device address of the region backing this view.
func (t Tensor) Addr() Addr { return t.addr }

// Bytes returns a host view of the region where the backend allows it.
// Reads of unmapped offsets are backend-defined garbage.
func (t Tensor) Bytes() ([]byte, error) {
	return t.dev.Bytes(t.addr)
}
