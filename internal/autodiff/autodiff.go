// Package autodiff implements automatic differentiation using the decorator pattern.
//
// AutodiffBackend wraps any Backend implementation and adds gradient
// tracking through a GradientTape.
//
// Architecture:
//   - Decorator pattern: AutodiffBackend[B] wraps any Backend implementation
//   - GradientTape: records operations during the forward pass
//   - Operation interface: each op (Add, Conv2D, MaxPool2D...) implements its backward pass
//   - Reverse-mode AD: gradients of a scalar loss w.r.t. every recorded tensor
//
// Usage:
//
//	ad := autodiff.New(cpu.New())
//	ad.Tape().StartRecording()
//	loss := ad.Mean(ad.SoftmaxCrossEntropy(logits, labels))
//	grads := ad.Tape().Backward(loss, tensor.Scalar(1), ad.Inner())
//	kernelGrad := grads[kernel]
//
// Backward kernels and Softmax are passed straight to the wrapped backend
// without recording; Softmax is used only for inference.
package autodiff

import (
	"github.com/born-ml/roadseg/internal/autodiff/ops"
	"github.com/born-ml/roadseg/internal/tensor"
)

// AutodiffBackend wraps a Backend and adds automatic differentiation.
// It implements tensor.Backend and records operations in a GradientTape.
type AutodiffBackend[B tensor.Backend] struct {
	inner B
	tape  *GradientTape
}

// New creates a new AutodiffBackend wrapping the given backend.
func New[B tensor.Backend](backend B) *AutodiffBackend[B] {
	return &AutodiffBackend[B]{
		inner: backend,
		tape:  NewGradientTape(),
	}
}

// Tape returns the gradient tape for manual control.
func (b *AutodiffBackend[B]) Tape() *GradientTape { return b.tape }

// Inner returns the wrapped backend for direct access.
func (b *AutodiffBackend[B]) Inner() B { return b.inner }

// Name returns the backend name.
func (b *AutodiffBackend[B]) Name() string {
	return "Autodiff(" + b.inner.Name() + ")"
}

// Add performs element-wise (or bias-broadcast) addition and records it.
func (b *AutodiffBackend[B]) Add(x, y *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.Add(x, y)
	b.tape.Record(ops.NewAddOp(x, y, out))
	return out
}

// Mul performs element-wise multiplication and records it.
func (b *AutodiffBackend[B]) Mul(x, y *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.Mul(x, y)
	b.tape.Record(ops.NewMulOp(x, y, out))
	return out
}

// MulScalar scales x by a constant and records it.
func (b *AutodiffBackend[B]) MulScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	out := b.inner.MulScalar(x, scalar)
	b.tape.Record(ops.NewScaleOp(x, scalar, out))
	return out
}

// SumToShape is a gradient helper and is not recorded.
func (b *AutodiffBackend[B]) SumToShape(x *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	return b.inner.SumToShape(x, shape)
}

// Reshape changes the shape and records it.
func (b *AutodiffBackend[B]) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	out := b.inner.Reshape(t, newShape)
	b.tape.Record(ops.NewReshapeOp(t, out))
	return out
}

// ReLU applies max(0, x) and records it.
func (b *AutodiffBackend[B]) ReLU(x *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.ReLU(x)
	b.tape.Record(ops.NewReLUOp(x, out))
	return out
}

// ReLUBackward passes through to the inner backend.
func (b *AutodiffBackend[B]) ReLUBackward(input, grad *tensor.RawTensor) *tensor.RawTensor {
	return b.inner.ReLUBackward(input, grad)
}

// Softmax passes through to the inner backend without recording.
func (b *AutodiffBackend[B]) Softmax(x *tensor.RawTensor) *tensor.RawTensor {
	return b.inner.Softmax(x)
}

// Conv2D performs a 2D convolution and records it.
func (b *AutodiffBackend[B]) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	out := b.inner.Conv2D(input, kernel, stride, padding)
	b.tape.Record(ops.NewConv2DOp(input, kernel, out, stride, padding))
	return out
}

// Conv2DInputBackward passes through to the inner backend.
func (b *AutodiffBackend[B]) Conv2DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	return b.inner.Conv2DInputBackward(input, kernel, grad, stride, padding)
}

// Conv2DKernelBackward passes through to the inner backend.
func (b *AutodiffBackend[B]) Conv2DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	return b.inner.Conv2DKernelBackward(input, kernel, grad, stride, padding)
}

// Conv2DTranspose performs a transposed convolution and records it.
func (b *AutodiffBackend[B]) Conv2DTranspose(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	out := b.inner.Conv2DTranspose(input, kernel, stride, padding)
	b.tape.Record(ops.NewConv2DTransposeOp(input, kernel, out, stride, padding))
	return out
}

// Conv2DTransposeInputBackward passes through to the inner backend.
func (b *AutodiffBackend[B]) Conv2DTransposeInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	return b.inner.Conv2DTransposeInputBackward(input, kernel, grad, stride, padding)
}

// Conv2DTransposeKernelBackward passes through to the inner backend.
func (b *AutodiffBackend[B]) Conv2DTransposeKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	return b.inner.Conv2DTransposeKernelBackward(input, kernel, grad, stride, padding)
}

// MaxPool2D performs max pooling and records it.
func (b *AutodiffBackend[B]) MaxPool2D(input *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	out := b.inner.MaxPool2D(input, kernelSize, stride)
	b.tape.Record(ops.NewMaxPool2DOp(input, out, kernelSize, stride))
	return out
}

// MaxPool2DBackward passes through to the inner backend.
func (b *AutodiffBackend[B]) MaxPool2DBackward(input, grad *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	return b.inner.MaxPool2DBackward(input, grad, kernelSize, stride)
}

// SoftmaxCrossEntropy computes per-row losses and records the fused op.
func (b *AutodiffBackend[B]) SoftmaxCrossEntropy(logits, labels *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.SoftmaxCrossEntropy(logits, labels)
	b.tape.Record(ops.NewSoftmaxCrossEntropyOp(logits, labels, out))
	return out
}

// SoftmaxCrossEntropyBackward passes through to the inner backend.
func (b *AutodiffBackend[B]) SoftmaxCrossEntropyBackward(logits, labels, grad *tensor.RawTensor) *tensor.RawTensor {
	return b.inner.SoftmaxCrossEntropyBackward(logits, labels, grad)
}

// Mean reduces x to a scalar and records it.
func (b *AutodiffBackend[B]) Mean(x *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.Mean(x)
	b.tape.Record(ops.NewMeanOp(x, out))
	return out
}
