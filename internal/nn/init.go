package nn

import (
	"math"
	"math/rand"

	"github.com/born-ml/roadseg/internal/tensor"
)

// Initializer fills a freshly allocated parameter tensor.
type Initializer interface {
	// Name identifies the initializer in serialized graph definitions.
	Name() string
	// Fill writes initial values into dst.
	Fill(dst *tensor.RawTensor, rng *rand.Rand)
}

// Built-in initializers.
var (
	// Xavier (Glorot) uniform initialization for weights.
	//
	// Values are drawn from U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out))).
	// For convolution kernels [KH, KW, A, B] the fans are A*KH*KW and B*KH*KW.
	Xavier Initializer = xavierUniform{}

	// Zeros fills the tensor with zeros. This is the bias default.
	Zeros Initializer = zeros{}
)

// InitializerByName returns the built-in initializer with the given name.
func InitializerByName(name string) (Initializer, bool) {
	switch name {
	case Xavier.Name():
		return Xavier, true
	case Zeros.Name():
		return Zeros, true
	default:
		return nil, false
	}
}

type xavierUniform struct{}

func (xavierUniform) Name() string { return "glorot_uniform" }

func (xavierUniform) Fill(dst *tensor.RawTensor, rng *rand.Rand) {
	fanIn, fanOut := Fans(dst.Shape())
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	data := dst.AsFloat32()
	for i := range data {
		data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
}

type zeros struct{}

func (zeros) Name() string { return "zeros" }

func (zeros) Fill(dst *tensor.RawTensor, _ *rand.Rand) {
	clear(dst.AsFloat32())
}

// Fans computes fan-in and fan-out of a weight shape. The last two
// dimensions are the channel dimensions; leading dimensions form the
// receptive field.
func Fans(shape tensor.Shape) (fanIn, fanOut int) {
	switch len(shape) {
	case 0:
		return 1, 1
	case 1:
		return shape[0], shape[0]
	}
	receptive := 1
	for _, d := range shape[:len(shape)-2] {
		receptive *= d
	}
	return shape[len(shape)-2] * receptive, shape[len(shape)-1] * receptive
}
