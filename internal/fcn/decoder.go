package fcn

import (
	"fmt"

	"github.com/born-ml/roadseg/internal/graph"
)

// DefaultDecoderWidths are the channel counts of the four upsampling stages
// before the class projection.
var DefaultDecoderWidths = [4]int{512, 256, 128, 64}

// DecoderOption configures Layers.
type DecoderOption func(*decoderConfig)

type decoderConfig struct {
	widths [4]int
}

// WithWidths overrides DefaultDecoderWidths. The first two widths must match
// the channels layer4 and layer3 are projected to for the skip additions.
func WithWidths(widths [4]int) DecoderOption {
	return func(c *decoderConfig) { c.widths = widths }
}

// Layers adds the FCN-8 decoder on top of the backbone feature maps and
// returns its output, named fcn_out, with numClasses channels at the input
// resolution.
//
// Each stage is a 2x2 stride 2 transposed convolution. The first two
// stages add a 1x1 projection of layer4 and layer3 respectively. Shape
// errors are reported here, while the graph is built.
func Layers(g *graph.Graph, layer3, layer4, layer7 *graph.Node, numClasses int, opts ...DecoderOption) (*graph.Node, error) {
	cfg := decoderConfig{widths: DefaultDecoderWidths}
	for _, opt := range opts {
		opt(&cfg)
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("%w: num_classes must be positive, got %d", graph.ErrInvalidGraph, numClasses)
	}
	w := cfg.widths

	skip := func(stage int, below, tap *graph.Node, width int) (*graph.Node, error) {
		prefix := fmt.Sprintf("decode_layer%d", stage)
		up, err := g.Conv2DTransposeLayer(prefix+"_preskip0", below, width, 2, 2, 0)
		if err != nil {
			return nil, err
		}
		proj, err := g.Conv2DLayer(prefix+"_preskip1", tap, width, 1, 1, 0)
		if err != nil {
			return nil, err
		}
		return g.Add(prefix+"_out", up, proj)
	}

	d1, err := skip(1, layer7, layer4, w[0])
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	d2, err := skip(2, d1, layer3, w[1])
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	d3, err := g.Conv2DTransposeLayer("decode_layer3_out", d2, w[2], 2, 2, 0)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	d4, err := g.Conv2DTransposeLayer("decode_layer4_out", d3, w[3], 2, 2, 0)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	out, err := g.Conv2DTransposeLayer("fcn_out", d4, numClasses, 2, 2, 0)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	return out, nil
}
