package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/blas"

	"github.com/born-ml/roadseg/internal/tensor"
)

// Conv2D performs 2D convolution using the im2col algorithm.
//
// Input shape: [N, H, W, C_in]
// Kernel shape: [K_h, K_w, C_in, C_out]
// Output shape: [N, H_out, W_out, C_out]
//
// Algorithm (per image):
//  1. Gather input patches into col [H_out*W_out, K_h*K_w*C_in]
//  2. View the HWIO kernel as [K_h*K_w*C_in, C_out]
//  3. col @ kernel writes the NHWC output rows directly
//
// Reference: "High Performance Convolutional Neural Networks for Document Processing"
// (Chellapilla et al., 2006).
func (cpu *CPUBackend) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g, n, cOut := convGeometry("conv2d", input.Shape(), kernel.Shape(), stride, padding)

	output := tensor.MustRaw(tensor.Shape{n, g.gridH, g.gridW, cOut}, tensor.Float32)
	in := input.AsFloat32()
	out := output.AsFloat32()
	k := matrix(g.cols(), cOut, kernel.AsFloat32())

	imgSize := g.h * g.w * g.c
	outSize := g.rows() * cOut
	col := make([]float32, g.rows()*g.cols())

	for b := 0; b < n; b++ {
		im2col(col, in[b*imgSize:(b+1)*imgSize], g, cpu.par)
		gemm(blas.NoTrans, blas.NoTrans,
			matrix(g.rows(), g.cols(), col), k,
			0, matrix(g.rows(), cOut, out[b*outSize:(b+1)*outSize]))
	}
	return output
}

// Conv2DInputBackward computes dL/d(input) for Conv2D.
//
// Per image: dcol = grad [H_out*W_out, C_out] @ kernel^T, then col2im
// scatters the patch gradients back onto the input grid.
func (cpu *CPUBackend) Conv2DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g, n, cOut := convGeometry("conv2d input backward", input.Shape(), kernel.Shape(), stride, padding)
	checkGradShape("conv2d input backward", grad, tensor.Shape{n, g.gridH, g.gridW, cOut})

	inputGrad := tensor.MustRaw(input.Shape(), tensor.Float32)
	dIn := inputGrad.AsFloat32()
	gd := grad.AsFloat32()
	k := matrix(g.cols(), cOut, kernel.AsFloat32())

	imgSize := g.h * g.w * g.c
	outSize := g.rows() * cOut
	dcol := make([]float32, g.rows()*g.cols())

	for b := 0; b < n; b++ {
		gemm(blas.NoTrans, blas.Trans,
			matrix(g.rows(), cOut, gd[b*outSize:(b+1)*outSize]), k,
			0, matrix(g.rows(), g.cols(), dcol))
		col2im(dIn[b*imgSize:(b+1)*imgSize], dcol, g)
	}
	return inputGrad
}

// Conv2DKernelBackward computes dL/d(kernel) for Conv2D.
//
// Accumulated over the batch: dK [K_h*K_w*C_in, C_out] += col^T @ grad.
func (cpu *CPUBackend) Conv2DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g, n, cOut := convGeometry("conv2d kernel backward", input.Shape(), kernel.Shape(), stride, padding)
	checkGradShape("conv2d kernel backward", grad, tensor.Shape{n, g.gridH, g.gridW, cOut})

	kernelGrad := tensor.MustRaw(kernel.Shape(), tensor.Float32)
	dk := matrix(g.cols(), cOut, kernelGrad.AsFloat32())
	in := input.AsFloat32()
	gd := grad.AsFloat32()

	imgSize := g.h * g.w * g.c
	outSize := g.rows() * cOut
	col := make([]float32, g.rows()*g.cols())

	for b := 0; b < n; b++ {
		im2col(col, in[b*imgSize:(b+1)*imgSize], g, cpu.par)
		gemm(blas.Trans, blas.NoTrans,
			matrix(g.rows(), g.cols(), col),
			matrix(g.rows(), cOut, gd[b*outSize:(b+1)*outSize]),
			1, dk)
	}
	return kernelGrad
}

// convGeometry validates Conv2D shapes and returns the per-image patch layout,
// batch size and output channels.
func convGeometry(op string, inputShape, kernelShape tensor.Shape, stride, padding int) (patchGeometry, int, int) {
	if len(inputShape) != 4 {
		panic(fmt.Sprintf("%s: input must be 4D [N,H,W,C], got %dD", op, len(inputShape)))
	}
	if len(kernelShape) != 4 {
		panic(fmt.Sprintf("%s: kernel must be 4D [K_h,K_w,C_in,C_out], got %dD", op, len(kernelShape)))
	}
	if stride <= 0 || padding < 0 {
		panic(fmt.Sprintf("%s: invalid stride %d / padding %d", op, stride, padding))
	}
	if inputShape[3] != kernelShape[2] {
		panic(fmt.Sprintf("%s: input channels %d != kernel channels %d", op, inputShape[3], kernelShape[2]))
	}

	g := patchGeometry{
		h: inputShape[1], w: inputShape[2], c: inputShape[3],
		kh: kernelShape[0], kw: kernelShape[1],
		stride: stride, pad: padding,
	}
	g.gridH = tensor.ConvOutputSize(g.h, g.kh, stride, padding)
	g.gridW = tensor.ConvOutputSize(g.w, g.kw, stride, padding)
	if g.gridH <= 0 || g.gridW <= 0 {
		panic(fmt.Sprintf("%s: invalid output dimensions: out_h=%d, out_w=%d (check stride/padding)", op, g.gridH, g.gridW))
	}
	return g, inputShape[0], kernelShape[3]
}

func checkGradShape(op string, grad *tensor.RawTensor, want tensor.Shape) {
	if !grad.Shape().Equal(want) {
		panic(fmt.Sprintf("%s: grad shape %v, want %v", op, grad.Shape(), want))
	}
}
