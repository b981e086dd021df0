package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/roadseg/internal/parallel"
	"github.com/born-ml/roadseg/internal/tensor"
)

// ReLU computes max(0, x) element-wise.
func (cpu *CPUBackend) ReLU(x *tensor.RawTensor) *tensor.RawTensor {
	result := tensor.MustRaw(x.Shape(), tensor.Float32)
	out := result.AsFloat32()
	xd := x.AsFloat32()

	cpu.elementwise(len(out), func(i int) {
		if xd[i] > 0 {
			out[i] = xd[i]
		}
	})
	return result
}

// ReLUBackward passes grad through where the forward input was positive.
func (cpu *CPUBackend) ReLUBackward(input, grad *tensor.RawTensor) *tensor.RawTensor {
	if !input.Shape().Equal(grad.Shape()) {
		panic(fmt.Sprintf("relu backward: shape mismatch %v vs %v", input.Shape(), grad.Shape()))
	}

	result := tensor.MustRaw(input.Shape(), tensor.Float32)
	out := result.AsFloat32()
	xd := input.AsFloat32()
	gd := grad.AsFloat32()

	cpu.elementwise(len(out), func(i int) {
		if xd[i] > 0 {
			out[i] = gd[i]
		}
	})
	return result
}

// Softmax normalizes x along its last dimension.
//
// Uses the max-subtraction trick so large logits do not overflow:
//
//	softmax(x)_i = exp(x_i - max(x)) / sum_j exp(x_j - max(x))
func (cpu *CPUBackend) Softmax(x *tensor.RawTensor) *tensor.RawTensor {
	shape := x.Shape()
	if len(shape) == 0 {
		panic("softmax: scalar input")
	}
	classes := shape[len(shape)-1]
	rows := x.NumElements() / classes

	result := tensor.MustRaw(shape, tensor.Float32)
	out := result.AsFloat32()
	xd := x.AsFloat32()

	parallel.Range(rows, cpu.par, func(start, end int) {
		for r := start; r < end; r++ {
			softmaxRow(out[r*classes:(r+1)*classes], xd[r*classes:(r+1)*classes])
		}
	})
	return result
}

// softmaxRow writes softmax(src) into dst and returns log(sum(exp(src - max))) + max.
func softmaxRow(dst, src []float32) float64 {
	maxVal := float64(src[0])
	for _, v := range src[1:] {
		maxVal = math.Max(maxVal, float64(v))
	}

	var sum float64
	for i, v := range src {
		e := math.Exp(float64(v) - maxVal)
		dst[i] = float32(e)
		sum += e
	}
	for i := range dst {
		dst[i] = float32(float64(dst[i]) / sum)
	}
	return math.Log(sum) + maxVal
}
