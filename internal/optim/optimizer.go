// Package optim implements optimization algorithms for training neural networks.
//
// This package provides:
//   - Optimizer interface: base interface for all optimizers
//   - Adam: Adaptive Moment Estimation
//
// Example usage:
//
//	opt := optim.NewAdam(store.Trainable(), optim.AdamConfig{LR: 1e-4})
//
//	backend.Tape().StartRecording()
//	loss := forward(backend)
//	grads := backend.Tape().Backward(loss, tensor.Scalar(1), backend.Inner())
//	opt.Step(grads)
//	backend.Tape().Clear()
package optim

import (
	"github.com/born-ml/roadseg/internal/nn"
	"github.com/born-ml/roadseg/internal/tensor"
)

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// Step applies gradient updates to all parameters in place.
	//
	// grads maps a parameter's value tensor to its gradient, as returned by
	// GradientTape.Backward. Parameters without a gradient are skipped.
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)

	// GetLR returns the current learning rate.
	GetLR() float32

	// SetLR updates the learning rate used by the next Step.
	SetLR(lr float32)
}

// getGradient returns the gradient of param, or nil if the parameter was
// not part of the computation.
func getGradient(param *nn.Parameter, grads map[*tensor.RawTensor]*tensor.RawTensor) *tensor.RawTensor {
	if param == nil {
		return nil
	}
	return grads[param.Value()]
}
