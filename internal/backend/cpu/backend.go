// Package cpu implements the CPU backend: NHWC kernels in pure Go with
// im2col convolutions on top of gonum's float32 BLAS.
package cpu

import (
	"fmt"

	"github.com/born-ml/roadseg/internal/parallel"
	"github.com/born-ml/roadseg/internal/tensor"
)

// CPUBackend implements tensor.Backend on the CPU.
type CPUBackend struct {
	par parallel.Config
}

var _ tensor.Backend = (*CPUBackend)(nil)

// New creates a new CPU backend using all available cores.
func New() *CPUBackend {
	return &CPUBackend{par: parallel.DefaultConfig()}
}

// NewWithConfig creates a CPU backend with explicit parallelism settings.
func NewWithConfig(cfg parallel.Config) *CPUBackend {
	return &CPUBackend{par: cfg}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Add performs element-wise addition. b must have the same shape as a or a
// shape equal to a's trailing dimensions (bias broadcast).
func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	aShape, bShape := a.Shape(), b.Shape()
	if !isSuffix(aShape, bShape) {
		panic(fmt.Sprintf("add: shape %v cannot be broadcast to %v", bShape, aShape))
	}

	result := tensor.MustRaw(aShape, tensor.Float32)
	out := result.AsFloat32()
	ad := a.AsFloat32()
	bd := b.AsFloat32()
	period := len(bd)

	cpu.elementwise(len(out), func(i int) {
		out[i] = ad[i] + bd[i%period]
	})
	return result
}

// Mul performs element-wise multiplication of equally shaped tensors.
func (cpu *CPUBackend) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	if !a.Shape().Equal(b.Shape()) {
		panic(fmt.Sprintf("mul: shape mismatch %v vs %v", a.Shape(), b.Shape()))
	}

	result := tensor.MustRaw(a.Shape(), tensor.Float32)
	out := result.AsFloat32()
	ad := a.AsFloat32()
	bd := b.AsFloat32()

	cpu.elementwise(len(out), func(i int) {
		out[i] = ad[i] * bd[i]
	})
	return result
}

// MulScalar multiplies every element by scalar.
func (cpu *CPUBackend) MulScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	result := tensor.MustRaw(x.Shape(), tensor.Float32)
	out := result.AsFloat32()
	xd := x.AsFloat32()

	cpu.elementwise(len(out), func(i int) {
		out[i] = xd[i] * scalar
	})
	return result
}

// SumToShape reduces x over its leading dimensions down to shape, which must
// be a suffix of x's shape.
func (cpu *CPUBackend) SumToShape(x *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	if !isSuffix(x.Shape(), shape) {
		panic(fmt.Sprintf("sum to shape: %v is not a suffix of %v", shape, x.Shape()))
	}

	result := tensor.MustRaw(shape, tensor.Float32)
	out := result.AsFloat32()
	xd := x.AsFloat32()
	period := len(out)

	for i, v := range xd {
		out[i%period] += v
	}
	return result
}

// Reshape returns a copy of t with a new shape holding the same elements.
func (cpu *CPUBackend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	if newShape.NumElements() != t.NumElements() {
		panic(fmt.Sprintf("reshape: cannot reshape %v (%d elements) to %v", t.Shape(), t.NumElements(), newShape))
	}
	return t.Clone().View(newShape)
}

// Mean returns the scalar mean of all elements.
func (cpu *CPUBackend) Mean(x *tensor.RawTensor) *tensor.RawTensor {
	xd := x.AsFloat32()
	var sum float64
	for _, v := range xd {
		sum += float64(v)
	}
	return tensor.Scalar(float32(sum / float64(len(xd))))
}

// elementwise runs f over [0, n) in parallel chunks.
func (cpu *CPUBackend) elementwise(n int, f func(i int)) {
	cfg := cpu.par
	cfg.MinChunkSize = max(cfg.MinChunkSize, 4096)
	parallel.For(n, cfg, f)
}

// isSuffix reports whether suffix equals the trailing dimensions of s.
func isSuffix(s, suffix tensor.Shape) bool {
	if len(suffix) > len(s) {
		return false
	}
	return s[len(s)-len(suffix):].Equal(suffix)
}
