package cpu

import (
	"fmt"

	"github.com/born-ml/roadseg/internal/parallel"
	"github.com/born-ml/roadseg/internal/tensor"
)

// MaxPool2D performs 2D max pooling without padding.
//
// Input shape: [N, H, W, C]
// Output shape: [N, (H-k)/s + 1, (W-k)/s + 1, C]
func (cpu *CPUBackend) MaxPool2D(input *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	n, h, w, c, hOut, wOut := poolGeometry("maxpool2d", input.Shape(), kernelSize, stride)

	output := tensor.MustRaw(tensor.Shape{n, hOut, wOut, c}, tensor.Float32)
	in := input.AsFloat32()
	out := output.AsFloat32()

	parallel.For(n*hOut*wOut, cpu.par, func(pos int) {
		b, oh, ow := pos/(hOut*wOut), (pos/wOut)%hOut, pos%wOut
		dst := out[pos*c : (pos+1)*c]
		for ch := range dst {
			dst[ch] = in[poolArgmax(in, b, oh, ow, ch, h, w, c, kernelSize, stride)]
		}
	})
	return output
}

// MaxPool2DBackward routes each output gradient to the input position that
// held the window maximum; all other positions receive zero.
//
// Example (2x2 pool, stride=2):
//
//	Input:  [[1, 2],  Output: [4]  Input Grad: [[0, 0],
//	         [3, 4]]                             [0, grad]]
func (cpu *CPUBackend) MaxPool2DBackward(input, grad *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	n, h, w, c, hOut, wOut := poolGeometry("maxpool2d backward", input.Shape(), kernelSize, stride)
	checkGradShape("maxpool2d backward", grad, tensor.Shape{n, hOut, wOut, c})

	inputGrad := tensor.MustRaw(input.Shape(), tensor.Float32)
	in := input.AsFloat32()
	gd := grad.AsFloat32()
	dIn := inputGrad.AsFloat32()

	// Windows overlap when stride < kernel, so images are the unit of work.
	parallel.For(n, cpu.par, func(b int) {
		for oh := 0; oh < hOut; oh++ {
			for ow := 0; ow < wOut; ow++ {
				pos := (b*hOut+oh)*wOut + ow
				for ch := 0; ch < c; ch++ {
					dIn[poolArgmax(in, b, oh, ow, ch, h, w, c, kernelSize, stride)] += gd[pos*c+ch]
				}
			}
		}
	})
	return inputGrad
}

// poolArgmax returns the flat index of the maximum in one pooling window.
// Ties resolve to the first position in row-major window order.
func poolArgmax(in []float32, b, oh, ow, ch, h, w, c, k, s int) int {
	best := -1
	for kh := 0; kh < k; kh++ {
		for kw := 0; kw < k; kw++ {
			idx := ((b*h+oh*s+kh)*w+ow*s+kw)*c + ch
			if best < 0 || in[idx] > in[best] {
				best = idx
			}
		}
	}
	return best
}

func poolGeometry(op string, shape tensor.Shape, kernelSize, stride int) (n, h, w, c, hOut, wOut int) {
	if len(shape) != 4 {
		panic(fmt.Sprintf("%s: input must be 4D [N,H,W,C], got %dD", op, len(shape)))
	}
	if kernelSize <= 0 || stride <= 0 {
		panic(fmt.Sprintf("%s: invalid kernel %d / stride %d", op, kernelSize, stride))
	}
	n, h, w, c = shape[0], shape[1], shape[2], shape[3]
	hOut = tensor.ConvOutputSize(h, kernelSize, stride, 0)
	wOut = tensor.ConvOutputSize(w, kernelSize, stride, 0)
	if hOut <= 0 || wOut <= 0 {
		panic(fmt.Sprintf("%s: input %dx%d smaller than kernel %d", op, h, w, kernelSize))
	}
	return n, h, w, c, hOut, wOut
}
