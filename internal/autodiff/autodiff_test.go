package autodiff

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/roadseg/internal/backend/cpu"
	"github.com/born-ml/roadseg/internal/tensor"
)

var _ tensor.Backend = (*AutodiffBackend[*cpu.CPUBackend])(nil)

func TestAutodiffBackend_Name(t *testing.T) {
	backend := New(cpu.New())
	assert.Equal(t, "Autodiff(CPU)", backend.Name())
}

func TestTape_RecordsOnlyWhileRecording(t *testing.T) {
	backend := New(cpu.New())
	x := tensor.Full(tensor.Shape{2}, 1)

	backend.ReLU(x)
	assert.Equal(t, 0, backend.Tape().NumOps())

	backend.Tape().StartRecording()
	backend.ReLU(x)
	backend.MulScalar(x, 2)
	assert.Equal(t, 2, backend.Tape().NumOps())

	backend.Tape().Clear()
	assert.Equal(t, 0, backend.Tape().NumOps())
	assert.True(t, backend.Tape().IsRecording(), "Clear keeps recording state")

	backend.Tape().StopRecording()
	backend.ReLU(x)
	assert.Equal(t, 0, backend.Tape().NumOps())
}

func TestBackward_AccumulatesSharedInputs(t *testing.T) {
	backend := New(cpu.New())
	x, err := tensor.FromFloat32([]float32{1, -2, 3}, tensor.Shape{3})
	require.NoError(t, err)

	backend.Tape().StartRecording()
	sq := backend.Mul(x, x)
	y := backend.Add(sq, x)
	loss := backend.Mean(y)

	grads := backend.Tape().Backward(loss, tensor.Scalar(1), backend.Inner())

	// d/dx mean(x^2 + x) = (2x + 1) / 3
	require.Contains(t, grads, x)
	got := grads[x].AsFloat32()
	assert.InDeltaSlice(t, []float32{1, -1, 7.0 / 3}, got, 1e-6)
	assert.Equal(t, 3, backend.Tape().NumOps(), "backward must not record")
}

func TestBackward_SkipsOpsAfterOutput(t *testing.T) {
	backend := New(cpu.New())
	x := tensor.Full(tensor.Shape{2}, 2)

	backend.Tape().StartRecording()
	loss := backend.Mean(x)
	backend.MulScalar(x, 10) // unrelated op recorded later

	grads := backend.Tape().Backward(loss, tensor.Scalar(1), backend.Inner())

	assert.Equal(t, []float32{0.5, 0.5}, grads[x].AsFloat32())
}

// segmentationLoss mirrors the decoder head: conv, bias, flatten, CE, mean.
func segmentationLoss(b tensor.Backend, input, kernel, bias, labels *tensor.RawTensor) *tensor.RawTensor {
	conv := b.Conv2D(input, kernel, 1, 1)
	logits := b.Add(conv, bias)
	flat := b.Reshape(logits, tensor.Shape{logits.NumElements() / 2, 2})
	return b.Mean(b.SoftmaxCrossEntropy(flat, labels))
}

func TestBackward_ConvHeadMatchesFiniteDifference(t *testing.T) {
	inner := cpu.New()
	backend := New(inner)
	rng := rand.New(rand.NewSource(11))

	input := tensor.RandUniform(tensor.Shape{1, 3, 3, 2}, -1, 1, rng)
	kernel := tensor.RandUniform(tensor.Shape{3, 3, 2, 2}, -0.5, 0.5, rng)
	bias := tensor.RandUniform(tensor.Shape{2}, -0.1, 0.1, rng)
	labelData := make([]float32, 9*2)
	for i := range 9 {
		labelData[i*2+i%2] = 1
	}
	labels, err := tensor.FromFloat32(labelData, tensor.Shape{9, 2})
	require.NoError(t, err)

	backend.Tape().StartRecording()
	loss := segmentationLoss(backend, input, kernel, bias, labels)
	grads := backend.Tape().Backward(loss, tensor.Scalar(1), inner)

	const eps = 1e-2
	for _, param := range []*tensor.RawTensor{kernel, bias} {
		require.Contains(t, grads, param)
		analytic := grads[param].AsFloat32()
		values := param.AsFloat32()
		for i := range values {
			orig := values[i]
			values[i] = orig + eps
			plus := segmentationLoss(inner, input, kernel, bias, labels).Item()
			values[i] = orig - eps
			minus := segmentationLoss(inner, input, kernel, bias, labels).Item()
			values[i] = orig
			assert.InDelta(t, (plus-minus)/(2*eps), analytic[i], 2e-3, "element %d", i)
		}
	}
}

func TestBackward_TransposeAndPoolGradientsHaveInputShapes(t *testing.T) {
	inner := cpu.New()
	backend := New(inner)
	rng := rand.New(rand.NewSource(5))

	input := tensor.RandUniform(tensor.Shape{2, 4, 4, 3}, -1, 1, rng)
	kernel := tensor.RandUniform(tensor.Shape{2, 2, 5, 3}, -1, 1, rng)

	backend.Tape().StartRecording()
	pooled := backend.MaxPool2D(backend.ReLU(input), 2, 2)
	up := backend.Conv2DTranspose(pooled, kernel, 2, 0)
	require.Equal(t, tensor.Shape{2, 4, 4, 5}, up.Shape())
	loss := backend.Mean(up)

	grads := backend.Tape().Backward(loss, tensor.Scalar(1), inner)

	assert.Equal(t, input.Shape(), grads[input].Shape())
	assert.Equal(t, kernel.Shape(), grads[kernel].Shape())
}
