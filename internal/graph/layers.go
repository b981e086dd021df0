package graph

import (
	"fmt"

	"github.com/born-ml/roadseg/internal/nn"
	"github.com/born-ml/roadseg/internal/tensor"
)

// LayerOption configures Conv2DLayer and Conv2DTransposeLayer.
type LayerOption func(*layerConfig)

type layerConfig struct {
	kernelInit nn.Initializer
	trainable  bool
}

// WithKernelInitializer overrides the Glorot-uniform kernel initializer.
func WithKernelInitializer(init nn.Initializer) LayerOption {
	return func(c *layerConfig) { c.kernelInit = init }
}

// Frozen marks the layer's variables as not trainable.
func Frozen() LayerOption {
	return func(c *layerConfig) { c.trainable = false }
}

func newLayerConfig(opts []LayerOption) layerConfig {
	cfg := layerConfig{kernelInit: nn.Xavier, trainable: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func staticChannels(name string, x *Node) (int, error) {
	if len(x.shape) != 4 {
		return 0, shapeErr(name, "layer", "input must be NHWC", nil, x.shape)
	}
	c := x.shape[3]
	if c == tensor.Dynamic {
		return 0, shapeErr(name, "layer", "input channels must be known", nil, x.shape)
	}
	return c, nil
}

// Conv2DLayer adds a convolution with variables "<name>/kernel"
// [k, k, C_in, filters] and "<name>/bias" [filters]. The returned node is
// the biased output, named name.
func (g *Graph) Conv2DLayer(name string, x *Node, filters, kernelSize, stride, padding int, opts ...LayerOption) (*Node, error) {
	cfg := newLayerConfig(opts)
	if err := g.owns(x); err != nil {
		return nil, err
	}
	cin, err := staticChannels(name, x)
	if err != nil {
		return nil, err
	}
	kernelShape := tensor.Shape{kernelSize, kernelSize, cin, filters}
	if _, err := conv2DShape(name, x.shape, kernelShape, stride, padding); err != nil {
		return nil, err
	}
	kernel, bias, err := g.layerVariables(name, kernelShape, filters, cfg)
	if err != nil {
		return nil, err
	}
	conv, err := g.Conv2D(name+"/Conv2D", x, kernel, stride, padding)
	if err != nil {
		return nil, err
	}
	return g.BiasAdd(name, conv, bias)
}

// Conv2DTransposeLayer adds a transposed convolution with variables
// "<name>/kernel" [k, k, filters, C_in] and "<name>/bias" [filters].
func (g *Graph) Conv2DTransposeLayer(name string, x *Node, filters, kernelSize, stride, padding int, opts ...LayerOption) (*Node, error) {
	cfg := newLayerConfig(opts)
	if err := g.owns(x); err != nil {
		return nil, err
	}
	cin, err := staticChannels(name, x)
	if err != nil {
		return nil, err
	}
	kernelShape := tensor.Shape{kernelSize, kernelSize, filters, cin}
	if _, err := conv2DTransposeShape(name, x.shape, kernelShape, stride, padding); err != nil {
		return nil, err
	}
	kernel, bias, err := g.layerVariables(name, kernelShape, filters, cfg)
	if err != nil {
		return nil, err
	}
	conv, err := g.Conv2DTranspose(name+"/conv2d_transpose", x, kernel, stride, padding)
	if err != nil {
		return nil, err
	}
	return g.BiasAdd(name, conv, bias)
}

func (g *Graph) layerVariables(name string, kernelShape tensor.Shape, filters int, cfg layerConfig) (*Node, *Node, error) {
	if filters <= 0 {
		return nil, nil, fmt.Errorf("%w: layer %q: filters must be positive, got %d", ErrInvalidGraph, name, filters)
	}
	if kernelShape.NumElements() <= 0 {
		return nil, nil, fmt.Errorf("%w: layer %q: invalid kernel shape %v", ErrInvalidGraph, name, kernelShape)
	}
	for _, n := range []string{name, name + "/kernel", name + "/bias"} {
		if _, taken := g.byName[n]; taken {
			return nil, nil, fmt.Errorf("%w: layer name %q already used", ErrInvalidGraph, n)
		}
	}
	kernel, err := g.Variable(name+"/kernel", kernelShape, cfg.kernelInit, cfg.trainable)
	if err != nil {
		return nil, nil, err
	}
	bias, err := g.Variable(name+"/bias", tensor.Shape{filters}, nn.Zeros, cfg.trainable)
	if err != nil {
		return nil, nil, err
	}
	return kernel, bias, nil
}
