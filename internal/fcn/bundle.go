package fcn

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/born-ml/roadseg/internal/graph"
	"github.com/born-ml/roadseg/internal/nn"
	"github.com/born-ml/roadseg/internal/serialization"
	"github.com/born-ml/roadseg/internal/tensor"
)

// BundleOptions configures WriteVGGBundle.
type BundleOptions struct {
	// Seed for the Glorot initialization. Zero is a valid seed.
	Seed int64
	// WidthDivisor divides every channel count (minimum 1 channel). Values
	// above 1 produce small bundles for smoke tests.
	WidthDivisor int
	// ImageShape fixes the input height and width. Zero keeps them dynamic.
	ImageShape [2]int
}

// vgg16Blocks lists the convolutions per block and their width.
var vgg16Blocks = []struct{ convs, width int }{
	{2, 64}, {2, 128}, {3, 256}, {3, 512}, {3, 512},
}

const vgg16FCWidth = 4096

// BuildVGG16 adds the VGG16 backbone, in fully convolutional form, to g.
// fc6 is a 7x7 convolution and fc7 a 1x1 convolution, each followed by
// dropout controlled by the keep_prob placeholder.
func BuildVGG16(g *graph.Graph, opts BundleOptions) error {
	div := max(opts.WidthDivisor, 1)
	width := func(w int) int { return max(w/div, 1) }
	dim := func(v int) int {
		if v <= 0 {
			return tensor.Dynamic
		}
		return v
	}

	x, err := g.Placeholder(ImageInputName, tensor.Shape{tensor.Dynamic, dim(opts.ImageShape[0]), dim(opts.ImageShape[1]), 3})
	if err != nil {
		return err
	}
	keep, err := g.Placeholder(KeepProbName, tensor.Shape{})
	if err != nil {
		return err
	}

	h := x
	for b, block := range vgg16Blocks {
		for i := range block.convs {
			name := fmt.Sprintf("conv%d_%d", b+1, i+1)
			if h, err = g.Conv2DLayer(name, h, width(block.width), 3, 1, 1); err != nil {
				return err
			}
			if h, err = g.ReLU(name+"/Relu", h); err != nil {
				return err
			}
		}
		pool := fmt.Sprintf("pool%d", b+1)
		switch b + 1 {
		case 3:
			pool = Layer3Name
		case 4:
			pool = Layer4Name
		}
		if h, err = g.MaxPool(pool, h, 2, 2); err != nil {
			return err
		}
	}

	fc := width(vgg16FCWidth)
	if h, err = g.Conv2DLayer("fc6", h, fc, 7, 1, 3); err != nil {
		return err
	}
	if h, err = g.ReLU("fc6/Relu", h); err != nil {
		return err
	}
	if h, err = g.Dropout("dropout", h, keep); err != nil {
		return err
	}
	if h, err = g.Conv2DLayer("fc7", h, fc, 1, 1, 0); err != nil {
		return err
	}
	if h, err = g.ReLU("fc7/Relu", h); err != nil {
		return err
	}
	_, err = g.Dropout(Layer7Name, h, keep)
	return err
}

// WriteVGGBundle writes a Glorot-initialized VGG16 bundle to dir:
// the graph definition as saved_model.pb and the weights as
// variables/variables.safetensors.
func WriteVGGBundle(dir string, opts BundleOptions) error {
	store := nn.NewParameterStore()
	g := graph.New(store)
	if err := BuildVGG16(g, opts); err != nil {
		return fmt.Errorf("build vgg16: %w", err)
	}
	store.Initialize(store.Params(), rand.New(rand.NewSource(opts.Seed))) //nolint:gosec // weight init

	if err := os.MkdirAll(filepath.Join(dir, VariablesDir), 0o755); err != nil { //nolint:gosec // bundle directory
		return fmt.Errorf("create bundle dir: %w", err)
	}
	if err := graph.WriteGraphDef(filepath.Join(dir, GraphFile), g, BundleTag); err != nil {
		return fmt.Errorf("write graph: %w", err)
	}
	meta := map[string]string{
		"tag":           BundleTag,
		"width_divisor": fmt.Sprint(max(opts.WidthDivisor, 1)),
	}
	if err := serialization.WriteSafeTensors(filepath.Join(dir, VariablesDir, VariablesFile), store.StateDict(), meta); err != nil {
		return fmt.Errorf("write variables: %w", err)
	}
	return nil
}
