// Package ops defines the differentiable operations recorded on a gradient tape.
//
// Each operation keeps references to its inputs and output from the forward
// pass and computes input gradients during the backward pass:
//   - AddOp: element-wise / bias addition (gradient reduced over broadcast dims)
//   - MulOp: element-wise multiplication (d(a*b)/da = b, d(a*b)/db = a)
//   - ScaleOp: multiplication by a constant
//   - ReshapeOp: shape change (gradient reshaped back)
//   - ReLUOp: rectified linear unit (gradient masked by x > 0)
//   - Conv2DOp / Conv2DTransposeOp: convolutions (delegated to backend kernels)
//   - MaxPool2DOp: max pooling (gradient routed to window maxima)
//   - SoftmaxCrossEntropyOp: fused softmax + cross-entropy per row
//   - MeanOp: scalar mean
package ops

import "github.com/born-ml/roadseg/internal/tensor"

// Operation represents a differentiable operation in the computation graph.
type Operation interface {
	// Backward computes gradients for inputs given the output gradient.
	// Returns a slice of gradients corresponding to each input tensor;
	// entries may be nil for inputs that are not differentiable.
	Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor

	// Inputs returns the input tensors for this operation.
	Inputs() []*tensor.RawTensor

	// Output returns the output tensor produced by this operation.
	Output() *tensor.RawTensor
}
