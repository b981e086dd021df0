package tensor

import (
	"fmt"
	"unsafe"
)

// RawTensor is the low-level tensor representation: a contiguous row-major
// byte buffer plus shape and type information.
//
// RawTensors are compared by pointer identity in gradient maps, so kernels
// always allocate their result instead of writing into an input.
type RawTensor struct {
	data  []byte
	shape Shape
	dtype DataType
}

// NewRaw creates a zero-filled RawTensor with the given concrete shape.
func NewRaw(shape Shape, dtype DataType) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}

	return &RawTensor{
		data:  make([]byte, shape.NumElements()*dtype.Size()),
		shape: shape.Clone(),
		dtype: dtype,
	}, nil
}

// MustRaw is NewRaw for shapes already known to be valid. Kernels use it.
func MustRaw(shape Shape, dtype DataType) *RawTensor {
	r, err := NewRaw(shape, dtype)
	if err != nil {
		panic(err)
	}
	return r
}

// FromFloat32 copies values into a new float32 tensor of the given shape.
func FromFloat32(values []float32, shape Shape) (*RawTensor, error) {
	r, err := NewRaw(shape, Float32)
	if err != nil {
		return nil, err
	}
	if len(values) != r.NumElements() {
		return nil, fmt.Errorf("from float32: %d values for shape %v", len(values), shape)
	}
	copy(r.AsFloat32(), values)
	return r, nil
}

// Scalar creates a rank-0 float32 tensor.
func Scalar(v float32) *RawTensor {
	r := MustRaw(Shape{}, Float32)
	r.AsFloat32()[0] = v
	return r
}

// Shape returns the tensor's shape.
func (r *RawTensor) Shape() Shape {
	return r.shape
}

// DType returns the tensor's data type.
func (r *RawTensor) DType() DataType {
	return r.dtype
}

// NumElements returns the total number of elements.
func (r *RawTensor) NumElements() int {
	return r.shape.NumElements()
}

// ByteSize returns the total memory size in bytes.
func (r *RawTensor) ByteSize() int {
	return len(r.data)
}

// Data returns the raw byte slice.
// WARNING: Direct access to underlying memory.
func (r *RawTensor) Data() []byte {
	return r.data
}

// AsFloat32 interprets the data as []float32.
// Panics if the tensor's dtype is not Float32.
func (r *RawTensor) AsFloat32() []float32 {
	if r.dtype != Float32 {
		panic(fmt.Sprintf("tensor dtype is %s, not float32", r.dtype))
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, length bounded by NumElements()
	return unsafe.Slice((*float32)(unsafe.Pointer(&r.data[0])), r.NumElements())
}

// AsUint8 interprets the data as []uint8.
// Panics if the tensor's dtype is not Uint8.
func (r *RawTensor) AsUint8() []uint8 {
	if r.dtype != Uint8 {
		panic(fmt.Sprintf("tensor dtype is %s, not uint8", r.dtype))
	}
	return r.data
}

// Item returns the single value of a one-element float32 tensor.
func (r *RawTensor) Item() float32 {
	if r.NumElements() != 1 {
		panic(fmt.Sprintf("item: tensor has %d elements", r.NumElements()))
	}
	return r.AsFloat32()[0]
}

// Clone returns a deep copy.
func (r *RawTensor) Clone() *RawTensor {
	data := make([]byte, len(r.data))
	copy(data, r.data)
	return &RawTensor{data: data, shape: r.shape.Clone(), dtype: r.dtype}
}

// View returns a tensor sharing r's buffer under a different shape with the
// same element count.
func (r *RawTensor) View(shape Shape) *RawTensor {
	if shape.NumElements() != r.NumElements() {
		panic(fmt.Sprintf("view: %v has %d elements, %v has %d", r.shape, r.NumElements(), shape, shape.NumElements()))
	}
	return &RawTensor{data: r.data, shape: shape.Clone(), dtype: r.dtype}
}

// CopyFrom overwrites r's data with src's. Shapes must hold the same number
// of elements of the same type.
func (r *RawTensor) CopyFrom(src *RawTensor) error {
	if src.dtype != r.dtype || len(src.data) != len(r.data) {
		return fmt.Errorf("copy: %s%v into %s%v", src.dtype, src.shape, r.dtype, r.shape)
	}
	copy(r.data, src.data)
	return nil
}
