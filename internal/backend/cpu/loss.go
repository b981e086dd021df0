package cpu

import (
	"fmt"

	"github.com/born-ml/roadseg/internal/parallel"
	"github.com/born-ml/roadseg/internal/tensor"
)

// SoftmaxCrossEntropy computes per-row cross-entropy between softmax(logits)
// and a label distribution.
//
// Input shapes: logits [R, C], labels [R, C] (one-hot or soft labels).
// Output shape: [R].
//
//	loss_r = sum_c y_rc * (logsumexp(x_r) - x_rc)
//
// The log-sum-exp form is used instead of log(softmax) to stay finite for
// confident predictions.
func (cpu *CPUBackend) SoftmaxCrossEntropy(logits, labels *tensor.RawTensor) *tensor.RawTensor {
	rows, classes := checkLossShapes("softmax cross entropy", logits, labels)

	result := tensor.MustRaw(tensor.Shape{rows}, tensor.Float32)
	out := result.AsFloat32()
	xd := logits.AsFloat32()
	yd := labels.AsFloat32()

	parallel.Range(rows, cpu.par, func(start, end int) {
		probs := make([]float32, classes)
		for r := start; r < end; r++ {
			x := xd[r*classes : (r+1)*classes]
			y := yd[r*classes : (r+1)*classes]
			lse := softmaxRow(probs, x)
			var loss float64
			for c := range x {
				loss += float64(y[c]) * (lse - float64(x[c]))
			}
			out[r] = float32(loss)
		}
	})
	return result
}

// SoftmaxCrossEntropyBackward computes d(loss)/d(logits) given the gradient of
// the per-row losses.
//
//	dL/dx_rc = g_r * (p_rc * sum_c' y_rc' - y_rc)
func (cpu *CPUBackend) SoftmaxCrossEntropyBackward(logits, labels, grad *tensor.RawTensor) *tensor.RawTensor {
	rows, classes := checkLossShapes("softmax cross entropy backward", logits, labels)
	if grad.NumElements() != rows {
		panic(fmt.Sprintf("softmax cross entropy backward: grad has %d elements, want %d", grad.NumElements(), rows))
	}

	result := tensor.MustRaw(logits.Shape(), tensor.Float32)
	out := result.AsFloat32()
	xd := logits.AsFloat32()
	yd := labels.AsFloat32()
	gd := grad.AsFloat32()

	parallel.Range(rows, cpu.par, func(start, end int) {
		for r := start; r < end; r++ {
			p := out[r*classes : (r+1)*classes]
			y := yd[r*classes : (r+1)*classes]
			softmaxRow(p, xd[r*classes:(r+1)*classes])
			var ySum float32
			for _, v := range y {
				ySum += v
			}
			for c := range p {
				p[c] = gd[r] * (p[c]*ySum - y[c])
			}
		}
	})
	return result
}

func checkLossShapes(op string, logits, labels *tensor.RawTensor) (rows, classes int) {
	ls := logits.Shape()
	if len(ls) != 2 {
		panic(fmt.Sprintf("%s: logits must be 2D [R,C], got %v", op, ls))
	}
	if !ls.Equal(labels.Shape()) {
		panic(fmt.Sprintf("%s: logits %v and labels %v differ", op, ls, labels.Shape()))
	}
	return ls[0], ls[1]
}
