package tensor

// Backend defines the kernels a compute backend must implement.
//
// Layout conventions:
//   - feature maps: [N, H, W, C]
//   - Conv2D kernels: [KH, KW, C_in, C_out]
//   - Conv2DTranspose kernels: [KH, KW, C_out, C_in]
//
// Kernels panic on shape misuse; callers that need errors validate shapes
// beforehand (the graph builder does this statically).
//
// Implementations:
//   - CPU: pure Go with BLAS-backed im2col convolution (internal/backend/cpu)
//   - Autodiff: decorator recording a gradient tape (internal/autodiff)
type Backend interface {
	// Element-wise operations. Add accepts b whose shape is a suffix of a's
	// shape (bias broadcast); Mul requires equal shapes.
	Add(a, b *RawTensor) *RawTensor
	Mul(a, b *RawTensor) *RawTensor
	MulScalar(x *RawTensor, scalar float32) *RawTensor

	// SumToShape sums x over its leading dimensions so that the result has
	// the given suffix shape. It is the adjoint of the broadcast in Add.
	SumToShape(x *RawTensor, shape Shape) *RawTensor

	// Shape operations
	Reshape(t *RawTensor, newShape Shape) *RawTensor

	// Activations
	ReLU(x *RawTensor) *RawTensor
	ReLUBackward(input, grad *RawTensor) *RawTensor
	Softmax(x *RawTensor) *RawTensor // along the last dimension

	// Convolutional operations
	Conv2D(input, kernel *RawTensor, stride, padding int) *RawTensor
	Conv2DInputBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor
	Conv2DKernelBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor

	Conv2DTranspose(input, kernel *RawTensor, stride, padding int) *RawTensor
	Conv2DTransposeInputBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor
	Conv2DTransposeKernelBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor

	MaxPool2D(input *RawTensor, kernelSize, stride int) *RawTensor
	MaxPool2DBackward(input, grad *RawTensor, kernelSize, stride int) *RawTensor

	// Loss operations. SoftmaxCrossEntropy takes [R, C] logits and one-hot
	// labels and returns the [R] per-row losses.
	SoftmaxCrossEntropy(logits, labels *RawTensor) *RawTensor
	SoftmaxCrossEntropyBackward(logits, labels, grad *RawTensor) *RawTensor

	// Reductions
	Mean(x *RawTensor) *RawTensor // scalar mean of all elements

	// Metadata
	Name() string
}

// ConvOutputSize returns the spatial output size of a convolution.
func ConvOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

// ConvTransposeOutputSize returns the spatial output size of a transposed
// convolution; it inverts ConvOutputSize when the division is exact.
func ConvTransposeOutputSize(in, kernel, stride, padding int) int {
	return (in-1)*stride + kernel - 2*padding
}
