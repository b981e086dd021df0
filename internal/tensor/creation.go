package tensor

import "math/rand"

// Zeros creates a float32 tensor filled with zeros.
func Zeros(shape Shape) *RawTensor {
	return MustRaw(shape, Float32)
}

// Full creates a float32 tensor filled with value.
func Full(shape Shape, value float32) *RawTensor {
	t := MustRaw(shape, Float32)
	data := t.AsFloat32()
	for i := range data {
		data[i] = value
	}
	return t
}

// RandUniform creates a float32 tensor with values drawn from U(lo, hi).
// The caller owns rng so that runs are reproducible.
func RandUniform(shape Shape, lo, hi float32, rng *rand.Rand) *RawTensor {
	t := MustRaw(shape, Float32)
	data := t.AsFloat32()
	span := float64(hi - lo)
	for i := range data {
		data[i] = lo + float32(rng.Float64()*span)
	}
	return t
}
