package graph

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/roadseg/internal/nn"
	"github.com/born-ml/roadseg/internal/optim"
	"github.com/born-ml/roadseg/internal/tensor"
)

// toyNet is a two-layer segmentation head over 4x4 RGB inputs.
type toyNet struct {
	image, label, keep, lr *Node
	logits, loss, train    *Node
}

func buildToyNet(t *testing.T, g *Graph) toyNet {
	t.Helper()
	var n toyNet
	var err error
	n.image, err = g.Placeholder("image_input", tensor.Shape{tensor.Dynamic, 4, 4, 3})
	require.NoError(t, err)
	n.label, err = g.Placeholder("correct_label", tensor.Shape{tensor.Dynamic, 4, 4, 2})
	require.NoError(t, err)
	n.keep, err = g.Placeholder("keep_prob", tensor.Shape{})
	require.NoError(t, err)
	n.lr, err = g.Placeholder("learning_rate", tensor.Shape{})
	require.NoError(t, err)

	h, err := g.Conv2DLayer("conv1", n.image, 4, 3, 1, 1)
	require.NoError(t, err)
	h, err = g.ReLU("conv1/relu", h)
	require.NoError(t, err)
	h, err = g.Dropout("conv1/dropout", h, n.keep)
	require.NoError(t, err)
	out, err := g.Conv2DLayer("head", h, 2, 1, 1, 0)
	require.NoError(t, err)

	n.logits, err = g.Reshape("logits", out, tensor.Shape{-1, 2})
	require.NoError(t, err)
	labels, err := g.Reshape("labels", n.label, tensor.Shape{-1, 2})
	require.NoError(t, err)
	ce, err := g.SoftmaxCrossEntropy("xent", n.logits, labels)
	require.NoError(t, err)
	n.loss, err = g.Mean("loss", ce)
	require.NoError(t, err)
	n.train, err = g.Minimize("train", n.loss, n.lr, optim.AdamConfig{})
	require.NoError(t, err)
	return n
}

// toyBatch labels a pixel as class 1 when its red channel is positive.
func toyBatch(rng *rand.Rand, size int) (*tensor.RawTensor, *tensor.RawTensor) {
	images := tensor.RandUniform(tensor.Shape{size, 4, 4, 3}, -1, 1, rng)
	labels := tensor.Zeros(tensor.Shape{size, 4, 4, 2})
	img, lab := images.AsFloat32(), labels.AsFloat32()
	for p := range size * 16 {
		if img[p*3] > 0 {
			lab[p*2+1] = 1
		} else {
			lab[p*2] = 1
		}
	}
	return images, labels
}

func TestSession_TrainingReducesLoss(t *testing.T) {
	store := nn.NewParameterStore()
	err := Scope(store, func(g *Graph, sess *Session) error {
		net := buildToyNet(t, g)
		sess.Initialize(store.Params())

		rng := rand.New(rand.NewSource(2))
		images, labels := toyBatch(rng, 8)
		feeds := Feeds{
			net.image: images,
			net.label: labels,
			net.keep:  tensor.Scalar(1),
			net.lr:    tensor.Scalar(0.05),
		}

		first, err := sess.Run([]*Node{net.loss}, feeds)
		require.NoError(t, err)
		for range 60 {
			out, err := sess.Run([]*Node{net.train, net.loss}, feeds)
			require.NoError(t, err)
			assert.Nil(t, out[0], "train op yields no value")
		}
		last, err := sess.Run([]*Node{net.loss}, feeds)
		require.NoError(t, err)

		assert.Less(t, last[0].Item(), first[0].Item()*0.5)
		opt, ok := sess.Optimizer(net.train)
		require.True(t, ok)
		assert.Equal(t, 60, opt.GetTimestep())
		assert.InDelta(t, 0.05, opt.GetLR(), 1e-9)
		return nil
	}, WithSeed(1))
	require.NoError(t, err)
}

func TestSession_RunErrors(t *testing.T) {
	store := nn.NewParameterStore()
	g := New(store)
	net := buildToyNet(t, g)
	sess := NewSession(g, WithSeed(3))
	images, labels := toyBatch(rand.New(rand.NewSource(4)), 2)

	t.Run("uninitialized", func(t *testing.T) {
		_, err := sess.Run([]*Node{net.logits}, Feeds{net.image: images, net.keep: tensor.Scalar(1)})
		require.ErrorIs(t, err, ErrUninitialized)
	})

	sess.Initialize(store.Params())

	t.Run("not fed", func(t *testing.T) {
		_, err := sess.Run([]*Node{net.logits}, Feeds{net.image: images})
		require.ErrorIs(t, err, ErrNotFed)
	})
	t.Run("feed shape", func(t *testing.T) {
		wrong := tensor.Zeros(tensor.Shape{2, 5, 4, 3})
		_, err := sess.Run([]*Node{net.logits}, Feeds{net.image: wrong, net.keep: tensor.Scalar(1)})
		require.ErrorIs(t, err, ErrShapeMismatch)
	})
	t.Run("feed non placeholder", func(t *testing.T) {
		_, err := sess.Run([]*Node{net.logits}, Feeds{net.logits: tensor.Zeros(tensor.Shape{32, 2})})
		require.ErrorIs(t, err, ErrInvalidGraph)
	})
	t.Run("bad keep prob", func(t *testing.T) {
		_, err := sess.Run([]*Node{net.logits}, Feeds{net.image: images, net.keep: tensor.Scalar(0)})
		require.ErrorIs(t, err, ErrInvalidGraph)
	})
	t.Run("only needed placeholders are required", func(t *testing.T) {
		out, err := sess.Run([]*Node{net.logits}, Feeds{net.image: images, net.keep: tensor.Scalar(1)})
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape{32, 2}, out[0].Shape())
	})
	t.Run("fetched variables are copies", func(t *testing.T) {
		k, err := g.Lookup("conv1/kernel")
		require.NoError(t, err)
		out, err := sess.Run([]*Node{k}, nil)
		require.NoError(t, err)
		out[0].AsFloat32()[0] = 1000
		assert.NotEqual(t, float32(1000), k.Param().Value().AsFloat32()[0])
	})

	require.NoError(t, sess.Close())
	_, err := sess.Run([]*Node{net.loss}, Feeds{net.image: images, net.label: labels})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, sess.Close(), ErrClosed)
}

func TestSession_Dropout(t *testing.T) {
	g := New(nn.NewParameterStore())
	x, err := g.Placeholder("x", tensor.Shape{1000})
	require.NoError(t, err)
	keep, err := g.Placeholder("keep", tensor.Shape{})
	require.NoError(t, err)
	d, err := g.Dropout("drop", x, keep)
	require.NoError(t, err)
	sess := NewSession(g, WithSeed(9))
	ones := tensor.Full(tensor.Shape{1000}, 1)

	out, err := sess.Run([]*Node{d}, Feeds{x: ones, keep: tensor.Scalar(1)})
	require.NoError(t, err)
	assert.Equal(t, ones.AsFloat32(), out[0].AsFloat32())

	out, err = sess.Run([]*Node{d}, Feeds{x: ones, keep: tensor.Scalar(0.5)})
	require.NoError(t, err)
	kept := 0
	for _, v := range out[0].AsFloat32() {
		if v != 0 {
			assert.Equal(t, float32(2), v)
			kept++
		}
	}
	assert.InDelta(t, 500, kept, 80)
}

func TestSession_SameSeedSameLosses(t *testing.T) {
	run := func() []float32 {
		store := nn.NewParameterStore()
		var losses []float32
		require.NoError(t, Scope(store, func(g *Graph, sess *Session) error {
			net := buildToyNet(t, g)
			sess.Initialize(store.Params())
			images, labels := toyBatch(rand.New(rand.NewSource(5)), 4)
			for range 3 {
				out, err := sess.Run([]*Node{net.train, net.loss}, Feeds{
					net.image: images, net.label: labels,
					net.keep: tensor.Scalar(0.5), net.lr: tensor.Scalar(1e-2),
				})
				if err != nil {
					return err
				}
				losses = append(losses, out[1].Item())
			}
			return nil
		}, WithSeed(42)))
		return losses
	}

	assert.Equal(t, run(), run())
}
