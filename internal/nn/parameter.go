// Package nn holds model parameters and their initializers.
//
// This package provides:
//   - Parameter: a named, shaped float32 tensor with trainable / initialized flags
//   - ParameterStore: ordered registry of every parameter of a model
//   - Initializers: Xavier (Glorot uniform) and Zeros
//
// Parameter tensors are allocated once at creation; initialization, loading
// and optimizer updates write into the same buffer, so a *tensor.RawTensor
// obtained from Value stays valid for the lifetime of the store.
package nn

import (
	"github.com/born-ml/roadseg/internal/tensor"
)

// Parameter represents a model parameter (weight or bias).
//
// Example:
//
//	kernel, err := store.Create("fcn_out/kernel", tensor.Shape{2, 2, 2, 64}, nn.Xavier, true)
//	...
//	store.Initialize([]*nn.Parameter{kernel}, rng)
//	k := kernel.Value()
type Parameter struct {
	name        string
	value       *tensor.RawTensor
	init        Initializer
	trainable   bool
	initialized bool
}

// Name returns the parameter name (e.g. "decode_layer1_preskip0/kernel").
func (p *Parameter) Name() string { return p.name }

// Shape returns the parameter shape.
func (p *Parameter) Shape() tensor.Shape { return p.value.Shape() }

// Value returns the parameter tensor. The pointer is stable.
func (p *Parameter) Value() *tensor.RawTensor { return p.value }

// Initializer returns the initializer used by Initialize.
func (p *Parameter) Initializer() Initializer { return p.init }

// Trainable reports whether optimizers update this parameter.
func (p *Parameter) Trainable() bool { return p.trainable }

// Initialized reports whether the parameter holds a value, either from its
// initializer or from a loaded state dict.
func (p *Parameter) Initialized() bool { return p.initialized }

// Set copies values into the parameter and marks it initialized.
func (p *Parameter) Set(values *tensor.RawTensor) error {
	if err := p.value.CopyFrom(values); err != nil {
		return err
	}
	p.initialized = true
	return nil
}
