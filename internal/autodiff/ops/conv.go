package ops

import "github.com/born-ml/roadseg/internal/tensor"

// Conv2DOp records a 2D convolution for autodiff.
//
// Backward (gradients):
//   - d_input:  transposed convolution of d_output with the kernel
//   - d_kernel: correlation of the input with d_output
//
// References:
//   - "A guide to convolution arithmetic for deep learning" (Dumoulin & Visin, 2016)
//   - CS231n: Convolutional Neural Networks for Visual Recognition
type Conv2DOp struct {
	input   *tensor.RawTensor
	kernel  *tensor.RawTensor
	output  *tensor.RawTensor
	stride  int
	padding int
}

// NewConv2DOp creates a new Conv2D operation.
func NewConv2DOp(input, kernel, output *tensor.RawTensor, stride, padding int) *Conv2DOp {
	return &Conv2DOp{input: input, kernel: kernel, output: output, stride: stride, padding: padding}
}

// Inputs returns [input, kernel].
func (op *Conv2DOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input, op.kernel}
}

// Output returns the convolution result.
func (op *Conv2DOp) Output() *tensor.RawTensor { return op.output }

// Backward delegates both gradients to the backend kernels.
func (op *Conv2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		backend.Conv2DInputBackward(op.input, op.kernel, outputGrad, op.stride, op.padding),
		backend.Conv2DKernelBackward(op.input, op.kernel, outputGrad, op.stride, op.padding),
	}
}

// Conv2DTransposeOp records a transposed convolution for autodiff.
//
// Backward (gradients):
//   - d_input:  convolution of d_output with the kernel
//   - d_kernel: correlation of d_output patches with the input
type Conv2DTransposeOp struct {
	input   *tensor.RawTensor
	kernel  *tensor.RawTensor
	output  *tensor.RawTensor
	stride  int
	padding int
}

// NewConv2DTransposeOp creates a new transposed convolution operation.
func NewConv2DTransposeOp(input, kernel, output *tensor.RawTensor, stride, padding int) *Conv2DTransposeOp {
	return &Conv2DTransposeOp{input: input, kernel: kernel, output: output, stride: stride, padding: padding}
}

// Inputs returns [input, kernel].
func (op *Conv2DTransposeOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input, op.kernel}
}

// Output returns the upsampled result.
func (op *Conv2DTransposeOp) Output() *tensor.RawTensor { return op.output }

// Backward delegates both gradients to the backend kernels.
func (op *Conv2DTransposeOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		backend.Conv2DTransposeInputBackward(op.input, op.kernel, outputGrad, op.stride, op.padding),
		backend.Conv2DTransposeKernelBackward(op.input, op.kernel, outputGrad, op.stride, op.padding),
	}
}

// MaxPool2DOp records max pooling for autodiff.
type MaxPool2DOp struct {
	input      *tensor.RawTensor
	output     *tensor.RawTensor
	kernelSize int
	stride     int
}

// NewMaxPool2DOp creates a new MaxPool2D operation.
func NewMaxPool2DOp(input, output *tensor.RawTensor, kernelSize, stride int) *MaxPool2DOp {
	return &MaxPool2DOp{input: input, output: output, kernelSize: kernelSize, stride: stride}
}

// Inputs returns [input].
func (op *MaxPool2DOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the pooled tensor.
func (op *MaxPool2DOp) Output() *tensor.RawTensor { return op.output }

// Backward routes the gradient to each window's maximum.
func (op *MaxPool2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.MaxPool2DBackward(op.input, outputGrad, op.kernelSize, op.stride)}
}
