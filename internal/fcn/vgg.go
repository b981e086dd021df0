package fcn

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/born-ml/roadseg/internal/graph"
	"github.com/born-ml/roadseg/internal/loader"
	"github.com/born-ml/roadseg/internal/nn"
	"github.com/born-ml/roadseg/internal/tensor"
)

// VGG holds the handles of an imported backbone.
type VGG struct {
	ImageInput *graph.Node
	KeepProb   *graph.Node
	Layer3     *graph.Node
	Layer4     *graph.Node
	Layer7     *graph.Node

	// Loaded lists the parameters whose values came from the bundle.
	Loaded []*nn.Parameter
}

// LoadOption configures LoadVGG.
type LoadOption func(*loadConfig)

type loadConfig struct {
	imageShape tensor.Shape
}

// WithImageShape pins the height and width of image_input so that the
// backbone and decoder shapes are fully known when the graph is built.
func WithImageShape(height, width int) LoadOption {
	return func(c *loadConfig) {
		c.imageShape = tensor.Shape{tensor.Dynamic, height, width, tensor.Dynamic}
	}
}

// LoadVGG imports the backbone bundle at vggPath into the session's graph,
// loads its weights into the session's parameter store and returns the
// input, keep probability and the three feature maps the decoder taps.
func LoadVGG(sess *graph.Session, vggPath string, opts ...LoadOption) (*VGG, error) {
	var cfg loadConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	data, err := os.ReadFile(filepath.Join(vggPath, GraphFile)) //nolint:gosec // bundle path
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}
	def, err := graph.UnmarshalGraphDef(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}
	if !def.HasTag(BundleTag) {
		return nil, fmt.Errorf("%w: graph is not tagged %q (tags %v)", ErrInvalidBundle, BundleTag, def.Tags)
	}
	if cfg.imageShape != nil {
		if err := def.PinPlaceholder(ImageInputName, cfg.imageShape); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
		}
	}

	g := sess.Graph()
	if err := graph.Import(g, def); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}

	loaded, err := loadVariables(g, def, filepath.Join(vggPath, VariablesDir, VariablesFile))
	if err != nil {
		return nil, err
	}

	vgg := &VGG{Loaded: loaded}
	for _, h := range []struct {
		dst  **graph.Node
		name string
	}{
		{&vgg.ImageInput, ImageInputName},
		{&vgg.KeepProb, KeepProbName},
		{&vgg.Layer3, Layer3Name},
		{&vgg.Layer4, Layer4Name},
		{&vgg.Layer7, Layer7Name},
	} {
		n, err := g.Lookup(h.name + ":0")
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
		}
		*h.dst = n
	}
	return vgg, nil
}

// loadVariables reads the weights of every variable declared by def.
func loadVariables(g *graph.Graph, def *graph.GraphDef, path string) ([]*nn.Parameter, error) {
	st, err := loader.OpenSafeTensors(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}
	defer st.Close()

	state := make(map[string]*tensor.RawTensor)
	for _, nd := range def.Nodes {
		if nd.Op != graph.OpVariable {
			continue
		}
		if _, ok := st.TensorInfo(nd.Name); !ok {
			return nil, fmt.Errorf("%w: variable %q missing from %s", ErrInvalidBundle, nd.Name, path)
		}
		t, err := st.LoadTensor(nd.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
		}
		state[nd.Name] = t
	}
	loaded, err := g.Store().Load(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}
	return loaded, nil
}
