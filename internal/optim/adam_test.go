package optim_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/roadseg/internal/autodiff"
	"github.com/born-ml/roadseg/internal/backend/cpu"
	"github.com/born-ml/roadseg/internal/nn"
	"github.com/born-ml/roadseg/internal/optim"
	"github.com/born-ml/roadseg/internal/tensor"
)

func scalarParam(t *testing.T, value float32) (*nn.ParameterStore, *nn.Parameter) {
	t.Helper()
	store := nn.NewParameterStore()
	p, err := store.Create("x", tensor.Shape{1}, nn.Zeros, true)
	require.NoError(t, err)
	require.NoError(t, p.Set(tensor.Full(tensor.Shape{1}, value)))
	return store, p
}

func TestAdam_FirstStepMovesByLR(t *testing.T) {
	_, p := scalarParam(t, 2.0)
	opt := optim.NewAdam([]*nn.Parameter{p}, optim.AdamConfig{LR: 0.1})

	opt.Step(map[*tensor.RawTensor]*tensor.RawTensor{p.Value(): tensor.Full(tensor.Shape{1}, 3)})

	// With bias correction the first step is lr * sign(grad).
	assert.InDelta(t, 1.9, p.Value().Item(), 1e-5)
	assert.Equal(t, 1, opt.GetTimestep())
}

func TestAdam_Defaults(t *testing.T) {
	opt := optim.NewAdam(nil, optim.AdamConfig{})

	cfg := opt.Config()
	assert.InDelta(t, 0.001, cfg.LR, 1e-9)
	assert.Equal(t, float32(0.9), cfg.Betas[0])
	assert.Equal(t, float32(0.999), cfg.Betas[1])
	assert.InDelta(t, 1e-8, cfg.Eps, 1e-12)

	opt.SetLR(1e-4)
	assert.InDelta(t, 1e-4, opt.GetLR(), 1e-9)
}

func TestAdam_SkipsParametersWithoutGradient(t *testing.T) {
	_, p := scalarParam(t, 2.0)
	opt := optim.NewAdam([]*nn.Parameter{p}, optim.AdamConfig{})

	opt.Step(map[*tensor.RawTensor]*tensor.RawTensor{})

	assert.Equal(t, float32(2.0), p.Value().Item())
	assert.Empty(t, opt.StateDict())
}

func TestAdam_MinimizesQuadraticThroughTape(t *testing.T) {
	backend := autodiff.New(cpu.New())
	store := nn.NewParameterStore()
	w, err := store.Create("w", tensor.Shape{4}, nn.Xavier, true)
	require.NoError(t, err)
	store.Initialize(store.Params(), rand.New(rand.NewSource(1)))

	target, err := tensor.FromFloat32([]float32{1, -1, 0.5, 2}, tensor.Shape{4})
	require.NoError(t, err)
	negTarget := backend.Inner().MulScalar(target, -1)

	opt := optim.NewAdam(store.Trainable(), optim.AdamConfig{LR: 0.05})
	var first, last float32
	for step := range 300 {
		backend.Tape().StartRecording()
		diff := backend.Add(w.Value(), negTarget)
		loss := backend.Mean(backend.Mul(diff, diff))
		grads := backend.Tape().Backward(loss, tensor.Scalar(1), backend.Inner())
		opt.Step(grads)
		backend.Tape().Clear()
		if step == 0 {
			first = loss.Item()
		}
		last = loss.Item()
	}

	assert.Less(t, last, first/50)
	assert.InDeltaSlice(t, target.AsFloat32(), w.Value().AsFloat32(), 0.1)
}

func TestAdam_StateDictRoundTrip(t *testing.T) {
	_, p := scalarParam(t, 1.0)
	opt := optim.NewAdam([]*nn.Parameter{p}, optim.AdamConfig{})
	opt.Step(map[*tensor.RawTensor]*tensor.RawTensor{p.Value(): tensor.Full(tensor.Shape{1}, 0.5)})

	state := opt.StateDict()
	require.Contains(t, state, "x.m")
	require.Contains(t, state, "x.v")

	restored := optim.NewAdam([]*nn.Parameter{p}, optim.AdamConfig{})
	require.NoError(t, restored.LoadStateDict(state, opt.GetTimestep()))
	assert.Equal(t, 1, restored.GetTimestep())
	assert.Equal(t, state["x.m"].AsFloat32(), restored.StateDict()["x.m"].AsFloat32())

	delete(state, "x.v")
	assert.Error(t, restored.LoadStateDict(state, 1))
}
