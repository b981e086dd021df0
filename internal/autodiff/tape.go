package autodiff

import (
	"github.com/born-ml/roadseg/internal/autodiff/ops"
	"github.com/born-ml/roadseg/internal/tensor"
)

// GradientTape records operations during the forward pass and computes
// gradients during the backward pass using reverse-mode automatic differentiation.
//
// Usage:
//
//	tape := NewGradientTape()
//	tape.StartRecording()
//	// ... perform operations ...
//	gradients := tape.Backward(loss, tensor.Scalar(1), backend)
type GradientTape struct {
	operations []ops.Operation // execution order
	recording  bool
}

// NewGradientTape creates a new gradient tape.
func NewGradientTape() *GradientTape {
	return &GradientTape{operations: make([]ops.Operation, 0, 64)}
}

// StartRecording enables operation recording.
func (t *GradientTape) StartRecording() { t.recording = true }

// StopRecording disables operation recording.
func (t *GradientTape) StopRecording() { t.recording = false }

// IsRecording returns true if the tape is currently recording operations.
func (t *GradientTape) IsRecording() bool { return t.recording }

// Record adds an operation to the tape if the tape is recording.
func (t *GradientTape) Record(op ops.Operation) {
	if t.recording {
		t.operations = append(t.operations, op)
	}
}

// Clear drops all recorded operations. Recording state is preserved.
func (t *GradientTape) Clear() {
	clear(t.operations)
	t.operations = t.operations[:0]
}

// NumOps returns the number of recorded operations.
func (t *GradientTape) NumOps() int { return len(t.operations) }

// Backward computes gradients of output with respect to every tensor that
// contributed to it, by walking the tape in reverse.
//
// Algorithm:
//  1. Seed output with outputGrad (a scalar 1 for a scalar loss)
//  2. Walk operations in reverse order, skipping those no gradient reaches
//  3. Accumulate gradients when the same tensor feeds several operations
//
// Operations recorded after output was produced receive no gradient and
// are skipped. Returns a map from tensor to its accumulated gradient.
func (t *GradientTape) Backward(output, outputGrad *tensor.RawTensor, backend tensor.Backend) map[*tensor.RawTensor]*tensor.RawTensor {
	grads := make(map[*tensor.RawTensor]*tensor.RawTensor)
	if len(t.operations) == 0 {
		return grads
	}

	// Gradient kernels must not land on the tape.
	wasRecording := t.recording
	t.recording = false
	defer func() { t.recording = wasRecording }()

	grads[output] = outputGrad
	for i := len(t.operations) - 1; i >= 0; i-- {
		op := t.operations[i]
		g, ok := grads[op.Output()]
		if !ok {
			continue
		}
		accumulate(grads, op.Inputs(), op.Backward(g, backend), backend)
	}
	return grads
}

func accumulate(grads map[*tensor.RawTensor]*tensor.RawTensor, inputs, inputGrads []*tensor.RawTensor, backend tensor.Backend) {
	for j, input := range inputs {
		if j >= len(inputGrads) || inputGrads[j] == nil {
			continue
		}
		if existing, ok := grads[input]; ok {
			grads[input] = backend.Add(existing, inputGrads[j])
		} else {
			grads[input] = inputGrads[j]
		}
	}
}
