package fcn

import (
	"context"
	"errors"
	"iter"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/born-ml/roadseg/internal/graph"
	"github.com/born-ml/roadseg/internal/kitti"
	"github.com/born-ml/roadseg/internal/nn"
	"github.com/born-ml/roadseg/internal/serialization"
	"github.com/born-ml/roadseg/internal/tensor"
)

func writeBundle(t *testing.T, opts BundleOptions) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "vgg")
	require.NoError(t, WriteVGGBundle(dir, opts))
	return dir
}

func TestWriteVGGBundle_MatchesDownloadLayout(t *testing.T) {
	dir := writeBundle(t, BundleOptions{Seed: 1, WidthDivisor: 64, ImageShape: [2]int{32, 32}})
	for _, f := range kitti.VGGFiles {
		assert.FileExists(t, filepath.Join(dir, f))
	}

	// A bundle already in place is not downloaded again.
	require.NoError(t, kitti.MaybeDownloadPretrainedVGG(context.Background(), filepath.Dir(dir), "", zap.NewNop().Sugar()))
}

func TestLoadVGG_DecoderMatchesInputResolution(t *testing.T) {
	dir := writeBundle(t, BundleOptions{Seed: 1, WidthDivisor: 64})

	store := nn.NewParameterStore()
	err := graph.Scope(store, func(g *graph.Graph, sess *graph.Session) error {
		vgg, err := LoadVGG(sess, dir, WithImageShape(160, 576))
		require.NoError(t, err)

		assert.Equal(t, tensor.Shape{tensor.Dynamic, 160, 576, 3}, vgg.ImageInput.Shape())
		assert.Equal(t, tensor.Shape{}, vgg.KeepProb.Shape())
		assert.Equal(t, tensor.Shape{tensor.Dynamic, 20, 72, 4}, vgg.Layer3.Shape())
		assert.Equal(t, tensor.Shape{tensor.Dynamic, 10, 36, 8}, vgg.Layer4.Shape())
		assert.Equal(t, tensor.Shape{tensor.Dynamic, 5, 18, 64}, vgg.Layer7.Shape())
		assert.Len(t, vgg.Loaded, store.Len(), "every backbone variable is loaded")

		out, err := Layers(g, vgg.Layer3, vgg.Layer4, vgg.Layer7, 2)
		require.NoError(t, err)
		assert.Equal(t, "fcn_out", out.Name())
		assert.Equal(t, tensor.Shape{tensor.Dynamic, 160, 576, 2}, out.Shape())

		fresh := store.Complement(vgg.Loaded)
		assert.Len(t, fresh, 14, "7 decoder layers with kernel and bias")
		sess.Initialize(fresh)
		assert.Empty(t, store.Uninitialized())

		res, err := sess.Run([]*graph.Node{out}, graph.Feeds{
			vgg.ImageInput: tensor.Zeros(tensor.Shape{1, 160, 576, 3}),
			vgg.KeepProb:   tensor.Scalar(1),
		})
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape{1, 160, 576, 2}, res[0].Shape())
		return nil
	}, graph.WithSeed(1))
	require.NoError(t, err)
}

func TestLoadVGG_LoadsBundleValues(t *testing.T) {
	dir := writeBundle(t, BundleOptions{Seed: 3, WidthDivisor: 64, ImageShape: [2]int{32, 32}})
	st, err := os.ReadFile(filepath.Join(dir, GraphFile))
	require.NoError(t, err)
	require.NotEmpty(t, st)

	store := nn.NewParameterStore()
	sess := graph.NewSession(graph.New(store), graph.WithSeed(2))
	defer sess.Close()
	vgg, err := LoadVGG(sess, dir)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{tensor.Dynamic, 32, 32, 3}, vgg.ImageInput.Shape())

	k, ok := store.Get("conv1_1/kernel")
	require.True(t, ok)
	assert.True(t, k.Initialized())
	assert.NotEqual(t, make([]float32, k.Value().NumElements()), k.Value().AsFloat32())

	second := nn.NewParameterStore()
	sess2 := graph.NewSession(graph.New(second), graph.WithSeed(9))
	defer sess2.Close()
	_, err = LoadVGG(sess2, dir)
	require.NoError(t, err)
	k2, _ := second.Get("conv1_1/kernel")
	assert.Equal(t, k.Value().AsFloat32(), k2.Value().AsFloat32(), "values come from the bundle, not the session rng")
}

func TestLoadVGG_Errors(t *testing.T) {
	newSession := func() *graph.Session {
		return graph.NewSession(graph.New(nn.NewParameterStore()), graph.WithSeed(1))
	}

	t.Run("missing directory", func(t *testing.T) {
		_, err := LoadVGG(newSession(), filepath.Join(t.TempDir(), "nope"))
		require.ErrorIs(t, err, ErrInvalidBundle)
	})

	t.Run("wrong tag", func(t *testing.T) {
		dir := writeBundle(t, BundleOptions{WidthDivisor: 64})
		g := graph.New(nn.NewParameterStore())
		_, err := g.Placeholder(ImageInputName, tensor.Shape{1, 8, 8, 3})
		require.NoError(t, err)
		require.NoError(t, graph.WriteGraphDef(filepath.Join(dir, GraphFile), g, "serve"))
		_, err = LoadVGG(newSession(), dir)
		require.ErrorIs(t, err, ErrInvalidBundle)
		assert.Contains(t, err.Error(), "vgg16")
	})

	t.Run("missing names", func(t *testing.T) {
		dir := writeBundle(t, BundleOptions{WidthDivisor: 64})
		g := graph.New(nn.NewParameterStore())
		_, err := g.Placeholder(ImageInputName, tensor.Shape{1, 8, 8, 3})
		require.NoError(t, err)
		require.NoError(t, graph.WriteGraphDef(filepath.Join(dir, GraphFile), g, BundleTag))
		_, err = LoadVGG(newSession(), dir)
		require.ErrorIs(t, err, ErrInvalidBundle)
		require.ErrorIs(t, err, graph.ErrNotFound)
	})

	t.Run("missing variable", func(t *testing.T) {
		dir := writeBundle(t, BundleOptions{WidthDivisor: 64})
		path := filepath.Join(dir, VariablesDir, VariablesFile)
		require.NoError(t, serialization.WriteSafeTensors(path, map[string]*tensor.RawTensor{
			"conv1_1/kernel": tensor.Zeros(tensor.Shape{3, 3, 3, 1}),
		}, nil))
		_, err := LoadVGG(newSession(), dir)
		require.ErrorIs(t, err, ErrInvalidBundle)
		assert.Contains(t, err.Error(), "missing")
	})

	t.Run("variable shape", func(t *testing.T) {
		dir := writeBundle(t, BundleOptions{WidthDivisor: 32})
		other := writeBundle(t, BundleOptions{WidthDivisor: 64})
		data, err := os.ReadFile(filepath.Join(other, GraphFile))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, GraphFile), data, 0o600))
		_, err = LoadVGG(newSession(), dir)
		require.ErrorIs(t, err, ErrInvalidBundle)
		require.ErrorIs(t, err, nn.ErrParameterShape)
	})

	t.Run("pinned shape conflicts", func(t *testing.T) {
		dir := writeBundle(t, BundleOptions{WidthDivisor: 64, ImageShape: [2]int{32, 32}})
		_, err := LoadVGG(newSession(), dir, WithImageShape(64, 64))
		require.ErrorIs(t, err, ErrInvalidBundle)
		require.ErrorIs(t, err, graph.ErrShapeMismatch)
	})
}

func decoderInputs(t *testing.T, g *graph.Graph, h7, w7 int) (l3, l4, l7 *graph.Node) {
	t.Helper()
	var err error
	l3, err = g.Placeholder(Layer3Name, tensor.Shape{tensor.Dynamic, 20, 72, 6})
	require.NoError(t, err)
	l4, err = g.Placeholder(Layer4Name, tensor.Shape{tensor.Dynamic, 10, 36, 5})
	require.NoError(t, err)
	l7, err = g.Placeholder(Layer7Name, tensor.Shape{tensor.Dynamic, h7, w7, 7})
	require.NoError(t, err)
	return l3, l4, l7
}

func TestLayers_Structure(t *testing.T) {
	store := nn.NewParameterStore()
	g := graph.New(store)
	l3, l4, l7 := decoderInputs(t, g, 5, 18)

	out, err := Layers(g, l3, l4, l7, 3, WithWidths([4]int{8, 6, 4, 2}))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{tensor.Dynamic, 160, 576, 3}, out.Shape())

	want := map[string]tensor.Shape{
		"decode_layer1_preskip0/kernel": {2, 2, 8, 7},
		"decode_layer1_preskip1/kernel": {1, 1, 5, 8},
		"decode_layer2_preskip0/kernel": {2, 2, 6, 8},
		"decode_layer2_preskip1/kernel": {1, 1, 6, 6},
		"decode_layer3_out/kernel":      {2, 2, 4, 6},
		"decode_layer4_out/kernel":      {2, 2, 2, 4},
		"fcn_out/kernel":                {2, 2, 3, 2},
		"fcn_out/bias":                  {3},
	}
	for name, shape := range want {
		p, ok := store.Get(name)
		require.True(t, ok, name)
		assert.Equal(t, shape, p.Shape(), name)
		assert.True(t, p.Trainable(), name)
	}
	k, _ := store.Get("fcn_out/kernel")
	assert.Equal(t, nn.Xavier, k.Initializer())

	for _, name := range []string{"decode_layer1_out", "decode_layer2_out"} {
		n, err := g.Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, graph.OpAdd, n.Op())
	}
}

func TestLayers_ShapeErrorsAtBuildTime(t *testing.T) {
	t.Run("spatial", func(t *testing.T) {
		g := graph.New(nn.NewParameterStore())
		l3, l4, l7 := decoderInputs(t, g, 6, 18)
		_, err := Layers(g, l3, l4, l7, 2, WithWidths([4]int{8, 6, 4, 2}))
		require.ErrorIs(t, err, graph.ErrShapeMismatch)
		var se *graph.ShapeError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, "decode_layer1_out", se.Node)
	})

	t.Run("classes", func(t *testing.T) {
		g := graph.New(nn.NewParameterStore())
		l3, l4, l7 := decoderInputs(t, g, 5, 18)
		_, err := Layers(g, l3, l4, l7, 0)
		require.ErrorIs(t, err, graph.ErrInvalidGraph)
	})
}

func TestOptimize_ScalarLossAndUpdate(t *testing.T) {
	store := nn.NewParameterStore()
	err := graph.Scope(store, func(g *graph.Graph, sess *graph.Session) error {
		x, err := g.Placeholder("features", tensor.Shape{tensor.Dynamic, 160, 576, 2})
		require.NoError(t, err)
		last, err := g.Conv2DLayer("head", x, 2, 1, 1, 0)
		require.NoError(t, err)
		label, err := g.Placeholder("correct_label", tensor.Shape{tensor.Dynamic, 160, 576, 2})
		require.NoError(t, err)
		lr, err := g.Placeholder("learning_rate", tensor.Shape{})
		require.NoError(t, err)

		logits, trainOp, loss, err := Optimize(g, last, label, lr, 2)
		require.NoError(t, err)
		assert.Equal(t, LogitsName, logits.Name())
		assert.Equal(t, tensor.Shape{tensor.Dynamic, 2}, logits.Shape())
		assert.Equal(t, tensor.Shape{}, loss.Shape())
		assert.Equal(t, graph.OpApplyAdam, trainOp.Op())

		sess.Initialize(store.Params())
		rng := rand.New(rand.NewSource(1))
		labels := tensor.Zeros(tensor.Shape{4, 160, 576, 2})
		lab := labels.AsFloat32()
		for p := range 4 * 160 * 576 {
			lab[p*2+rng.Intn(2)] = 1
		}
		out, err := sess.Run([]*graph.Node{trainOp, loss}, graph.Feeds{
			x:     tensor.RandUniform(tensor.Shape{4, 160, 576, 2}, -1, 1, rng),
			label: labels,
			lr:    tensor.Scalar(1e-4),
		})
		require.NoError(t, err)
		assert.Nil(t, out[0])
		require.Equal(t, tensor.Shape{}, out[1].Shape())
		l := float64(out[1].Item())
		assert.False(t, math.IsNaN(l) || math.IsInf(l, 0))
		assert.GreaterOrEqual(t, l, 0.0)

		opt, ok := sess.Optimizer(trainOp)
		require.True(t, ok)
		assert.Equal(t, 1, opt.GetTimestep())
		assert.InDelta(t, 1e-4, opt.GetLR(), 1e-10)
		return nil
	}, graph.WithSeed(4))
	require.NoError(t, err)
}

func TestOptimize_LabelShapeMismatch(t *testing.T) {
	g := graph.New(nn.NewParameterStore())
	x, err := g.Placeholder("features", tensor.Shape{tensor.Dynamic, 8, 8, 2})
	require.NoError(t, err)
	last, err := g.Conv2DLayer("head", x, 2, 1, 1, 0)
	require.NoError(t, err)
	lr, err := g.Placeholder("learning_rate", tensor.Shape{})
	require.NoError(t, err)

	for name, shape := range map[string]tensor.Shape{
		"classes": {tensor.Dynamic, 8, 8, 3},
		"spatial": {tensor.Dynamic, 4, 16, 2},
	} {
		t.Run(name, func(t *testing.T) {
			label, err := g.Placeholder("label_"+name, shape)
			require.NoError(t, err)
			_, _, _, err = Optimize(g, last, label, lr, 2)
			require.ErrorIs(t, err, graph.ErrShapeMismatch)
		})
	}
}

// countingRunner records every Run and returns the next scripted loss.
type countingRunner struct {
	calls  int
	feeds  []graph.Feeds
	losses []float32
}

func (r *countingRunner) Run(fetches []*graph.Node, feeds graph.Feeds) ([]*tensor.RawTensor, error) {
	l := r.losses[r.calls%len(r.losses)]
	r.calls++
	r.feeds = append(r.feeds, feeds)
	return []*tensor.RawTensor{nil, tensor.Scalar(l)}, nil
}

type scalarLog struct {
	steps  []int64
	values []float64
}

func (s *scalarLog) WriteScalar(tag string, step int64, value float64) error {
	s.steps = append(s.steps, step)
	s.values = append(s.values, value)
	return nil
}

// scriptedBatches yields one batch per size.
func scriptedBatches(calls *[]int, sizes ...int) kitti.BatchFunc {
	return func(batchSize int) iter.Seq2[kitti.Batch, error] {
		*calls = append(*calls, batchSize)
		return func(yield func(kitti.Batch, error) bool) {
			for _, n := range sizes {
				b := kitti.Batch{
					Images: tensor.Zeros(tensor.Shape{n, 2, 2, 3}),
					Labels: tensor.Zeros(tensor.Shape{n, 2, 2, 2}),
					Size:   n,
				}
				if !yield(b, nil) {
					return
				}
			}
		}
	}
}

type trainNodes struct {
	train, loss, image, label, keep, lr *graph.Node
}

func placeholderNodes(t *testing.T) trainNodes {
	t.Helper()
	g := graph.New(nn.NewParameterStore())
	mk := func(name string, shape tensor.Shape) *graph.Node {
		n, err := g.Placeholder(name, shape)
		require.NoError(t, err)
		return n
	}
	return trainNodes{
		train: mk("train_op", tensor.Shape{}),
		loss:  mk("loss", tensor.Shape{}),
		image: mk("image_input", tensor.Shape{tensor.Dynamic, 2, 2, 3}),
		label: mk("correct_label", tensor.Shape{tensor.Dynamic, 2, 2, 2}),
		keep:  mk("keep_prob", tensor.Shape{}),
		lr:    mk("learning_rate", tensor.Shape{}),
	}
}

func TestTrainNN_UpdatesAndEpochLines(t *testing.T) {
	n := placeholderNodes(t)
	runner := &countingRunner{losses: []float32{1, 2, 3}}
	core, logs := observer.New(zapcore.InfoLevel)
	scalars := &scalarLog{}
	var batchCalls []int

	losses, err := TrainNN(context.Background(), runner, 2, 2, scriptedBatches(&batchCalls, 2, 2, 1),
		n.train, n.loss, n.image, n.label, n.keep, n.lr,
		WithLogger(zap.New(core).Sugar()), WithEvents(scalars))
	require.NoError(t, err)

	assert.Equal(t, 6, runner.calls)
	assert.Equal(t, []int{2, 2}, batchCalls)
	require.Len(t, losses, 2)
	assert.InDelta(t, 1.8, losses[0], 1e-9, "(2*1 + 2*2 + 1*3) / 5")
	assert.InDelta(t, 1.8, losses[1], 1e-9)

	lines := logs.FilterMessageSnippet("Loss at epoch").All()
	require.Len(t, lines, 2)
	assert.Equal(t, "Loss at epoch 0: 1.8", lines[0].Message)
	assert.Equal(t, "Loss at epoch 1: 1.8", lines[1].Message)
	assert.Equal(t, 2, logs.Len(), "exactly one line per epoch")

	for _, f := range runner.feeds {
		assert.InDelta(t, TrainKeepProb, f[n.keep].Item(), 1e-9)
		assert.Equal(t, float32(TrainLearningRate), f[n.lr].Item())
		assert.Contains(t, f, n.image)
		assert.Contains(t, f, n.label)
	}
	assert.Equal(t, []int64{0, 1}, scalars.steps)
}

func TestTrainNN_Errors(t *testing.T) {
	n := placeholderNodes(t)
	var calls []int

	t.Run("diverged", func(t *testing.T) {
		runner := &countingRunner{losses: []float32{float32(math.NaN())}}
		_, err := TrainNN(context.Background(), runner, 1, 2, scriptedBatches(&calls, 2),
			n.train, n.loss, n.image, n.label, n.keep, n.lr)
		require.ErrorIs(t, err, ErrDiverged)
	})

	t.Run("batch error", func(t *testing.T) {
		boom := errors.New("decode failed")
		failing := func(int) iter.Seq2[kitti.Batch, error] {
			return func(yield func(kitti.Batch, error) bool) { yield(kitti.Batch{}, boom) }
		}
		runner := &countingRunner{losses: []float32{1}}
		_, err := TrainNN(context.Background(), runner, 3, 2, failing,
			n.train, n.loss, n.image, n.label, n.keep, n.lr)
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "epoch 0")
		assert.Zero(t, runner.calls)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		runner := &countingRunner{losses: []float32{1}}
		_, err := TrainNN(ctx, runner, 1, 2, scriptedBatches(&calls, 2),
			n.train, n.loss, n.image, n.label, n.keep, n.lr)
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, runner.calls)
	})

	t.Run("empty epoch", func(t *testing.T) {
		runner := &countingRunner{losses: []float32{1}}
		_, err := TrainNN(context.Background(), runner, 1, 2, scriptedBatches(&calls),
			n.train, n.loss, n.image, n.label, n.keep, n.lr)
		require.ErrorIs(t, err, kitti.ErrDatasetMissing)
	})
}

// syntheticBatches yields deterministic random images whose road label is
// the sign of the red channel.
func syntheticBatches(seed int64, count, h, w int) kitti.BatchFunc {
	return func(batchSize int) iter.Seq2[kitti.Batch, error] {
		rng := rand.New(rand.NewSource(seed))
		return func(yield func(kitti.Batch, error) bool) {
			for range count {
				images := tensor.RandUniform(tensor.Shape{batchSize, h, w, 3}, 0, 1, rng)
				labels := tensor.Zeros(tensor.Shape{batchSize, h, w, 2})
				img, lab := images.AsFloat32(), labels.AsFloat32()
				for p := range batchSize * h * w {
					if img[p*3] > 0.5 {
						lab[p*2+1] = 1
					} else {
						lab[p*2] = 1
					}
				}
				if !yield(kitti.Batch{Images: images, Labels: labels, Size: batchSize}, nil) {
					return
				}
			}
		}
	}
}

func TestTrainNN_SameSeedSameLosses(t *testing.T) {
	dir := writeBundle(t, BundleOptions{Seed: 5, WidthDivisor: 64, ImageShape: [2]int{32, 32}})

	train := func() []float64 {
		store := nn.NewParameterStore()
		var losses []float64
		require.NoError(t, graph.Scope(store, func(g *graph.Graph, sess *graph.Session) error {
			vgg, err := LoadVGG(sess, dir)
			if err != nil {
				return err
			}
			out, err := Layers(g, vgg.Layer3, vgg.Layer4, vgg.Layer7, 2, WithWidths([4]int{4, 4, 4, 4}))
			if err != nil {
				return err
			}
			label, err := g.Placeholder("correct_label", tensor.Shape{tensor.Dynamic, 32, 32, 2})
			if err != nil {
				return err
			}
			lr, err := g.Placeholder("learning_rate", tensor.Shape{})
			if err != nil {
				return err
			}
			_, trainOp, loss, err := Optimize(g, out, label, lr, 2)
			if err != nil {
				return err
			}
			sess.Initialize(store.Complement(vgg.Loaded))
			losses, err = TrainNN(context.Background(), sess, 2, 2, syntheticBatches(8, 2, 32, 32),
				trainOp, loss, vgg.ImageInput, label, vgg.KeepProb, lr)
			return err
		}, graph.WithSeed(11)))
		return losses
	}

	a, b := train(), train()
	require.Len(t, a, 2)
	assert.Equal(t, a, b)
	for _, l := range a {
		assert.False(t, math.IsNaN(l) || math.IsInf(l, 0))
		assert.Positive(t, l)
	}
}

func TestTrainNN_ConvexToyLossNonIncreasing(t *testing.T) {
	store := nn.NewParameterStore()
	require.NoError(t, graph.Scope(store, func(g *graph.Graph, sess *graph.Session) error {
		x, err := g.Placeholder("image_input", tensor.Shape{tensor.Dynamic, 4, 4, 2})
		require.NoError(t, err)
		keep, err := g.Placeholder("keep_prob", tensor.Shape{})
		require.NoError(t, err)
		head, err := g.Conv2DLayer("head", x, 2, 1, 1, 0)
		require.NoError(t, err)
		label, err := g.Placeholder("correct_label", tensor.Shape{tensor.Dynamic, 4, 4, 2})
		require.NoError(t, err)
		lr, err := g.Placeholder("learning_rate", tensor.Shape{})
		require.NoError(t, err)
		_, trainOp, loss, err := Optimize(g, head, label, lr, 2)
		require.NoError(t, err)
		sess.Initialize(store.Params())

		// logistic regression on separable pixels: road iff channel 0 > 0
		rng := rand.New(rand.NewSource(2))
		images := tensor.RandUniform(tensor.Shape{4, 4, 4, 2}, -1, 1, rng)
		labels := tensor.Zeros(tensor.Shape{4, 4, 4, 2})
		img, lab := images.AsFloat32(), labels.AsFloat32()
		for p := range 4 * 4 * 4 {
			if img[p*2] > 0 {
				lab[p*2+1] = 1
			} else {
				lab[p*2] = 1
			}
		}
		fixed := func(int) iter.Seq2[kitti.Batch, error] {
			return func(yield func(kitti.Batch, error) bool) {
				yield(kitti.Batch{Images: images, Labels: labels, Size: 4}, nil)
			}
		}

		losses, err := TrainNN(context.Background(), sess, 6, 4, fixed,
			trainOp, loss, x, label, keep, lr, WithHyperparameters(1, 0.01))
		require.NoError(t, err)
		require.Len(t, losses, 6)
		for i := 1; i < len(losses); i++ {
			assert.LessOrEqual(t, losses[i], losses[i-1], "epoch %d", i)
		}
		return nil
	}, graph.WithSeed(3)))
}
