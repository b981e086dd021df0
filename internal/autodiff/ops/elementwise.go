package ops

import "github.com/born-ml/roadseg/internal/tensor"

// AddOp represents output = a + b, where b may be a trailing-dimension
// broadcast of a (bias add).
//
// Backward: grad_a = outputGrad, grad_b = outputGrad summed over the
// broadcast dimensions.
type AddOp struct {
	a, b   *tensor.RawTensor
	output *tensor.RawTensor
}

// NewAddOp creates a new AddOp.
func NewAddOp(a, b, output *tensor.RawTensor) *AddOp {
	return &AddOp{a: a, b: b, output: output}
}

// Backward computes input gradients for addition.
func (op *AddOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	gradB := outputGrad
	if !op.b.Shape().Equal(outputGrad.Shape()) {
		gradB = backend.SumToShape(outputGrad, op.b.Shape())
	}
	return []*tensor.RawTensor{outputGrad, gradB}
}

// Inputs returns [a, b].
func (op *AddOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.a, op.b} }

// Output returns a + b.
func (op *AddOp) Output() *tensor.RawTensor { return op.output }

// MulOp represents output = a * b (same shapes).
type MulOp struct {
	a, b   *tensor.RawTensor
	output *tensor.RawTensor
}

// NewMulOp creates a new MulOp.
func NewMulOp(a, b, output *tensor.RawTensor) *MulOp {
	return &MulOp{a: a, b: b, output: output}
}

// Backward: grad_a = outputGrad * b, grad_b = outputGrad * a.
func (op *MulOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		backend.Mul(outputGrad, op.b),
		backend.Mul(outputGrad, op.a),
	}
}

// Inputs returns [a, b].
func (op *MulOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.a, op.b} }

// Output returns a * b.
func (op *MulOp) Output() *tensor.RawTensor { return op.output }

// ScaleOp represents output = x * scalar for a constant scalar.
type ScaleOp struct {
	x      *tensor.RawTensor
	scalar float32
	output *tensor.RawTensor
}

// NewScaleOp creates a new ScaleOp.
func NewScaleOp(x *tensor.RawTensor, scalar float32, output *tensor.RawTensor) *ScaleOp {
	return &ScaleOp{x: x, scalar: scalar, output: output}
}

// Backward: grad_x = outputGrad * scalar.
func (op *ScaleOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.MulScalar(outputGrad, op.scalar)}
}

// Inputs returns [x].
func (op *ScaleOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.x} }

// Output returns x * scalar.
func (op *ScaleOp) Output() *tensor.RawTensor { return op.output }

// ReLUOp represents output = max(0, x).
type ReLUOp struct {
	x      *tensor.RawTensor
	output *tensor.RawTensor
}

// NewReLUOp creates a new ReLUOp.
func NewReLUOp(x, output *tensor.RawTensor) *ReLUOp {
	return &ReLUOp{x: x, output: output}
}

// Backward: grad_x = outputGrad where x > 0, else 0.
func (op *ReLUOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.ReLUBackward(op.x, outputGrad)}
}

// Inputs returns [x].
func (op *ReLUOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.x} }

// Output returns ReLU(x).
func (op *ReLUOp) Output() *tensor.RawTensor { return op.output }

// ReshapeOp represents a shape change.
type ReshapeOp struct {
	x      *tensor.RawTensor
	output *tensor.RawTensor
}

// NewReshapeOp creates a new ReshapeOp.
func NewReshapeOp(x, output *tensor.RawTensor) *ReshapeOp {
	return &ReshapeOp{x: x, output: output}
}

// Backward reshapes the gradient back to the input shape.
func (op *ReshapeOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Reshape(outputGrad, op.x.Shape())}
}

// Inputs returns [x].
func (op *ReshapeOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.x} }

// Output returns the reshaped tensor.
func (op *ReshapeOp) Output() *tensor.RawTensor { return op.output }
