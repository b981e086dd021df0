// Package tensor provides the raw tensor type, shapes and the compute backend
// contract used by the segmentation trainer.
//
// All feature maps are laid out NHWC (batch, height, width, channels) and all
// convolution kernels HWIO (height, width, in, out). The training path works in
// float32; the other data types exist so that weight files and image buffers can
// be described without conversion.
package tensor

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types for tensors.
const (
	Float32 DataType = iota
	Float64
	Int32
	Int64
	Uint8
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Uint8:
		return 1
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	default:
		return "unknown"
	}
}

// ParseDataType is the inverse of DataType.String.
func ParseDataType(s string) (DataType, bool) {
	switch s {
	case "float32":
		return Float32, true
	case "float64":
		return Float64, true
	case "int32":
		return Int32, true
	case "int64":
		return Int64, true
	case "uint8":
		return Uint8, true
	default:
		return 0, false
	}
}
