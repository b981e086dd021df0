package ops

import "github.com/born-ml/roadseg/internal/tensor"

// SoftmaxCrossEntropyOp records the fused softmax + cross-entropy over rows.
//
// Forward: loss_r = -sum_c y_rc * log(softmax(x_r)_c)
// Backward: d_logits = g_r * (softmax(x_r) - y_r) for one-hot rows.
// Labels are treated as constants; no gradient flows to them.
type SoftmaxCrossEntropyOp struct {
	logits *tensor.RawTensor
	labels *tensor.RawTensor
	output *tensor.RawTensor
}

// NewSoftmaxCrossEntropyOp creates a new SoftmaxCrossEntropyOp.
func NewSoftmaxCrossEntropyOp(logits, labels, output *tensor.RawTensor) *SoftmaxCrossEntropyOp {
	return &SoftmaxCrossEntropyOp{logits: logits, labels: labels, output: output}
}

// Inputs returns [logits, labels].
func (op *SoftmaxCrossEntropyOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.logits, op.labels}
}

// Output returns the per-row losses.
func (op *SoftmaxCrossEntropyOp) Output() *tensor.RawTensor { return op.output }

// Backward computes the logits gradient.
func (op *SoftmaxCrossEntropyOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		backend.SoftmaxCrossEntropyBackward(op.logits, op.labels, outputGrad),
		nil,
	}
}

// MeanOp records output = mean(x).
type MeanOp struct {
	x      *tensor.RawTensor
	output *tensor.RawTensor
}

// NewMeanOp creates a new MeanOp.
func NewMeanOp(x, output *tensor.RawTensor) *MeanOp {
	return &MeanOp{x: x, output: output}
}

// Inputs returns [x].
func (op *MeanOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.x} }

// Output returns the scalar mean.
func (op *MeanOp) Output() *tensor.RawTensor { return op.output }

// Backward spreads the scalar gradient evenly: d_x = g / numel(x).
func (op *MeanOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	n := op.x.NumElements()
	return []*tensor.RawTensor{tensor.Full(op.x.Shape(), outputGrad.Item()/float32(n))}
}
