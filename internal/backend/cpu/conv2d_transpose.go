package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/blas"

	"github.com/born-ml/roadseg/internal/tensor"
)

// Conv2DTranspose performs a 2D transposed convolution ("deconvolution"),
// the adjoint of Conv2D with respect to its input.
//
// Input shape: [N, H, W, C_in]
// Kernel shape: [K_h, K_w, C_out, C_in]
// Output shape: [N, (H-1)*stride + K_h - 2*padding, (W-1)*stride + K_w - 2*padding, C_out]
//
// Each input pixel is projected by the kernel into a K_h x K_w x C_out patch;
// patches are summed where they overlap. Per image:
//
//	col = x [H*W, C_in] @ kernel^T -> [H*W, K_h*K_w*C_out]
//	out = col2im(col)
//
// Reference: "A guide to convolution arithmetic for deep learning"
// (Dumoulin & Visin, 2016), section 4.
func (cpu *CPUBackend) Conv2DTranspose(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g, n, cIn := transposeGeometry("conv2d transpose", input.Shape(), kernel.Shape(), stride, padding)

	output := tensor.MustRaw(tensor.Shape{n, g.h, g.w, g.c}, tensor.Float32)
	in := input.AsFloat32()
	out := output.AsFloat32()
	k := matrix(g.cols(), cIn, kernel.AsFloat32())

	inSize := g.rows() * cIn
	outSize := g.h * g.w * g.c
	col := make([]float32, g.rows()*g.cols())

	for b := 0; b < n; b++ {
		gemm(blas.NoTrans, blas.Trans,
			matrix(g.rows(), cIn, in[b*inSize:(b+1)*inSize]), k,
			0, matrix(g.rows(), g.cols(), col))
		col2im(out[b*outSize:(b+1)*outSize], col, g)
	}
	return output
}

// Conv2DTransposeInputBackward computes dL/d(input) for Conv2DTranspose,
// which is a regular convolution of the output gradient with the kernel.
func (cpu *CPUBackend) Conv2DTransposeInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g, n, cIn := transposeGeometry("conv2d transpose input backward", input.Shape(), kernel.Shape(), stride, padding)
	checkGradShape("conv2d transpose input backward", grad, tensor.Shape{n, g.h, g.w, g.c})

	inputGrad := tensor.MustRaw(input.Shape(), tensor.Float32)
	dIn := inputGrad.AsFloat32()
	gd := grad.AsFloat32()
	k := matrix(g.cols(), cIn, kernel.AsFloat32())

	inSize := g.rows() * cIn
	outSize := g.h * g.w * g.c
	col := make([]float32, g.rows()*g.cols())

	for b := 0; b < n; b++ {
		im2col(col, gd[b*outSize:(b+1)*outSize], g, cpu.par)
		gemm(blas.NoTrans, blas.NoTrans,
			matrix(g.rows(), g.cols(), col), k,
			0, matrix(g.rows(), cIn, dIn[b*inSize:(b+1)*inSize]))
	}
	return inputGrad
}

// Conv2DTransposeKernelBackward computes dL/d(kernel) for Conv2DTranspose.
//
// Accumulated over the batch: dK [K_h*K_w*C_out, C_in] += im2col(grad)^T @ x.
func (cpu *CPUBackend) Conv2DTransposeKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g, n, cIn := transposeGeometry("conv2d transpose kernel backward", input.Shape(), kernel.Shape(), stride, padding)
	checkGradShape("conv2d transpose kernel backward", grad, tensor.Shape{n, g.h, g.w, g.c})

	kernelGrad := tensor.MustRaw(kernel.Shape(), tensor.Float32)
	dk := matrix(g.cols(), cIn, kernelGrad.AsFloat32())
	in := input.AsFloat32()
	gd := grad.AsFloat32()

	inSize := g.rows() * cIn
	outSize := g.h * g.w * g.c
	col := make([]float32, g.rows()*g.cols())

	for b := 0; b < n; b++ {
		im2col(col, gd[b*outSize:(b+1)*outSize], g, cpu.par)
		gemm(blas.Trans, blas.NoTrans,
			matrix(g.rows(), g.cols(), col),
			matrix(g.rows(), cIn, in[b*inSize:(b+1)*inSize]),
			1, dk)
	}
	return kernelGrad
}

// transposeGeometry validates Conv2DTranspose shapes. The returned geometry
// describes the output image (h, w, c = C_out) with the input pixels as the
// convolution grid, so that im2col/col2im are shared with Conv2D.
func transposeGeometry(op string, inputShape, kernelShape tensor.Shape, stride, padding int) (patchGeometry, int, int) {
	if len(inputShape) != 4 {
		panic(fmt.Sprintf("%s: input must be 4D [N,H,W,C], got %dD", op, len(inputShape)))
	}
	if len(kernelShape) != 4 {
		panic(fmt.Sprintf("%s: kernel must be 4D [K_h,K_w,C_out,C_in], got %dD", op, len(kernelShape)))
	}
	if stride <= 0 || padding < 0 {
		panic(fmt.Sprintf("%s: invalid stride %d / padding %d", op, stride, padding))
	}
	if inputShape[3] != kernelShape[3] {
		panic(fmt.Sprintf("%s: input channels %d != kernel input channels %d", op, inputShape[3], kernelShape[3]))
	}

	g := patchGeometry{
		gridH: inputShape[1], gridW: inputShape[2],
		kh: kernelShape[0], kw: kernelShape[1], c: kernelShape[2],
		stride: stride, pad: padding,
	}
	g.h = tensor.ConvTransposeOutputSize(g.gridH, g.kh, stride, padding)
	g.w = tensor.ConvTransposeOutputSize(g.gridW, g.kw, stride, padding)
	if g.h <= 0 || g.w <= 0 {
		panic(fmt.Sprintf("%s: invalid output dimensions: out_h=%d, out_w=%d", op, g.h, g.w))
	}
	return g, inputShape[0], inputShape[3]
}
