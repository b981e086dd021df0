// Package graph provides an explicit dataflow graph and a session that runs it.
//
// A Graph is a list of typed Nodes built through checked builder methods:
// every builder validates static shapes and returns a *ShapeError (wrapping
// ErrShapeMismatch) when its inputs cannot fit together, so wiring mistakes
// surface while the graph is being built rather than while it runs.
//
// Variables are backed by parameters of an nn.ParameterStore supplied to
// New. A Session evaluates fetched nodes against feeds, records a gradient
// tape when a train op (Minimize) is fetched, and applies Adam updates to
// the trainable variables.
//
// Usage:
//
//	store := nn.NewParameterStore()
//	err := graph.Scope(store, func(g *graph.Graph, sess *graph.Session) error {
//	    x, _ := g.Placeholder("x", tensor.Shape{tensor.Dynamic, 4})
//	    ...
//	    out, err := sess.Run([]*graph.Node{loss, train}, graph.Feeds{x: batch})
//	    ...
//	})
package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/roadseg/internal/nn"
	"github.com/born-ml/roadseg/internal/optim"
	"github.com/born-ml/roadseg/internal/tensor"
)

// Graph holds nodes in creation order, which is also a topological order.
type Graph struct {
	store  *nn.ParameterStore
	nodes  []*Node
	byName map[string]*Node
}

// New creates an empty graph whose variables live in store.
func New(store *nn.ParameterStore) *Graph {
	return &Graph{store: store, byName: make(map[string]*Node)}
}

// Store returns the parameter store backing the graph's variables.
func (g *Graph) Store() *nn.ParameterStore { return g.store }

// Nodes returns all nodes in creation order.
func (g *Graph) Nodes() []*Node { return append([]*Node(nil), g.nodes...) }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Variables returns the Variable nodes in creation order.
func (g *Graph) Variables() []*Node {
	var vars []*Node
	for _, n := range g.nodes {
		if n.op == OpVariable {
			vars = append(vars, n)
		}
	}
	return vars
}

// Lookup returns the node with the given name. A trailing output index
// (":0") is accepted.
func (g *Graph) Lookup(name string) (*Node, error) {
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		if idx, err := strconv.Atoi(name[i+1:]); err == nil {
			if idx != 0 {
				return nil, fmt.Errorf("%w: %q (nodes have a single output)", ErrNotFound, name)
			}
			name = name[:i]
		}
	}
	n, ok := g.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return n, nil
}

// uniqueName returns base, or base_1, base_2... if base is taken.
func (g *Graph) uniqueName(base string) string {
	if _, taken := g.byName[base]; !taken {
		return base
	}
	for i := 1; ; i++ {
		candidate := base + "_" + strconv.Itoa(i)
		if _, taken := g.byName[candidate]; !taken {
			return candidate
		}
	}
}

func (g *Graph) add(name, op string, inputs []*Node, shape tensor.Shape, attrs map[string]AttrValue) *Node {
	if name == "" {
		name = op
	}
	n := &Node{
		id:     len(g.nodes),
		name:   g.uniqueName(name),
		op:     op,
		inputs: inputs,
		shape:  shape,
		attrs:  attrs,
	}
	g.nodes = append(g.nodes, n)
	g.byName[n.name] = n
	return n
}

func (g *Graph) owns(nodes ...*Node) error {
	for _, n := range nodes {
		if n == nil {
			return fmt.Errorf("%w: nil input node", ErrInvalidGraph)
		}
		if n.id >= len(g.nodes) || g.nodes[n.id] != n {
			return fmt.Errorf("%w: node %q belongs to another graph", ErrInvalidGraph, n.name)
		}
		if n.op == OpApplyAdam {
			return fmt.Errorf("%w: train op %q has no output", ErrInvalidGraph, n.name)
		}
	}
	return nil
}

// Placeholder declares an input fed at run time. Dimensions may be
// tensor.Dynamic.
func (g *Graph) Placeholder(name string, shape tensor.Shape) (*Node, error) {
	if err := shape.ValidateStatic(); err != nil {
		return nil, fmt.Errorf("placeholder %q: %w", name, err)
	}
	return g.add(name, OpPlaceholder, nil, shape.Clone(), map[string]AttrValue{attrShape: shapeAttr(shape)}), nil
}

// Variable declares a node backed by a new store parameter of the same name.
func (g *Graph) Variable(name string, shape tensor.Shape, init nn.Initializer, trainable bool) (*Node, error) {
	if _, taken := g.byName[name]; taken {
		return nil, fmt.Errorf("%w: variable name %q already used", ErrInvalidGraph, name)
	}
	p, err := g.store.Create(name, shape, init, trainable)
	if err != nil {
		return nil, err
	}
	var tr int64
	if trainable {
		tr = 1
	}
	n := g.add(name, OpVariable, nil, shape.Clone(), map[string]AttrValue{
		attrInit:      {S: p.Initializer().Name()},
		attrTrainable: {I: tr},
	})
	n.param = p
	return n, nil
}

// convSpatial computes one output spatial dim, keeping Dynamic.
func convSpatial(in int, out func(int) int) int {
	if in == tensor.Dynamic {
		return tensor.Dynamic
	}
	return out(in)
}

// windowFits reports whether a k-wide window fits a padded dimension.
func windowFits(in, k, padding int) bool {
	return in == tensor.Dynamic || in+2*padding >= k
}

func checkRank(name, op, what string, s tensor.Shape, rank int) error {
	if len(s) != rank {
		return shapeErr(name, op, fmt.Sprintf("%s must have rank %d", what, rank), nil, s)
	}
	return nil
}

func checkDim(name, op, what string, want, got int) error {
	if want != tensor.Dynamic && got != tensor.Dynamic && want != got {
		return shapeErr(name, op, fmt.Sprintf("%s: %d != %d", what, got, want), nil, nil)
	}
	return nil
}

// Conv2D convolves NHWC input with an HWIO kernel.
func (g *Graph) Conv2D(name string, input, kernel *Node, stride, padding int) (*Node, error) {
	if err := g.owns(input, kernel); err != nil {
		return nil, err
	}
	out, err := conv2DShape(name, input.shape, kernel.shape, stride, padding)
	if err != nil {
		return nil, err
	}
	return g.add(name, OpConv2D, []*Node{input, kernel}, out, map[string]AttrValue{
		attrStride:  {I: int64(stride)},
		attrPadding: {I: int64(padding)},
	}), nil
}

func conv2DShape(name string, in, k tensor.Shape, stride, padding int) (tensor.Shape, error) {
	if stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("%w: conv %q: stride %d, padding %d", ErrInvalidGraph, name, stride, padding)
	}
	if err := checkRank(name, OpConv2D, "input", in, 4); err != nil {
		return nil, err
	}
	if err := checkRank(name, OpConv2D, "kernel", k, 4); err != nil {
		return nil, err
	}
	if err := checkDim(name, OpConv2D, "input channels vs kernel", k[2], in[3]); err != nil {
		return nil, err
	}
	if !windowFits(in[1], k[0], padding) || !windowFits(in[2], k[1], padding) {
		return nil, shapeErr(name, OpConv2D, "kernel larger than padded input", nil, in)
	}
	return tensor.Shape{
		in[0],
		convSpatial(in[1], func(h int) int { return tensor.ConvOutputSize(h, k[0], stride, padding) }),
		convSpatial(in[2], func(w int) int { return tensor.ConvOutputSize(w, k[1], stride, padding) }),
		k[3],
	}, nil
}

// Conv2DTranspose upsamples NHWC input with a [KH, KW, C_out, C_in] kernel.
func (g *Graph) Conv2DTranspose(name string, input, kernel *Node, stride, padding int) (*Node, error) {
	if err := g.owns(input, kernel); err != nil {
		return nil, err
	}
	out, err := conv2DTransposeShape(name, input.shape, kernel.shape, stride, padding)
	if err != nil {
		return nil, err
	}
	return g.add(name, OpConv2DTranspose, []*Node{input, kernel}, out, map[string]AttrValue{
		attrStride:  {I: int64(stride)},
		attrPadding: {I: int64(padding)},
	}), nil
}

func conv2DTransposeShape(name string, in, k tensor.Shape, stride, padding int) (tensor.Shape, error) {
	if stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("%w: conv transpose %q: stride %d, padding %d", ErrInvalidGraph, name, stride, padding)
	}
	if err := checkRank(name, OpConv2DTranspose, "input", in, 4); err != nil {
		return nil, err
	}
	if err := checkRank(name, OpConv2DTranspose, "kernel", k, 4); err != nil {
		return nil, err
	}
	if err := checkDim(name, OpConv2DTranspose, "input channels vs kernel", k[3], in[3]); err != nil {
		return nil, err
	}
	out := tensor.Shape{
		in[0],
		convSpatial(in[1], func(h int) int { return tensor.ConvTransposeOutputSize(h, k[0], stride, padding) }),
		convSpatial(in[2], func(w int) int { return tensor.ConvTransposeOutputSize(w, k[1], stride, padding) }),
		k[2],
	}
	if (out[1] != tensor.Dynamic && out[1] <= 0) || (out[2] != tensor.Dynamic && out[2] <= 0) {
		return nil, shapeErr(name, OpConv2DTranspose, "padding larger than output", nil, in)
	}
	return out, nil
}

// BiasAdd adds a rank-1 bias along the last dimension of x.
func (g *Graph) BiasAdd(name string, x, bias *Node) (*Node, error) {
	if err := g.owns(x, bias); err != nil {
		return nil, err
	}
	if err := checkRank(name, OpBiasAdd, "bias", bias.shape, 1); err != nil {
		return nil, err
	}
	if len(x.shape) == 0 {
		return nil, shapeErr(name, OpBiasAdd, "input must have rank >= 1", nil, x.shape)
	}
	if err := checkDim(name, OpBiasAdd, "bias length vs channels", x.shape[len(x.shape)-1], bias.shape[0]); err != nil {
		return nil, err
	}
	return g.add(name, OpBiasAdd, []*Node{x, bias}, x.shape.Clone(), nil), nil
}

// Add adds two tensors of the same shape (skip connections).
func (g *Graph) Add(name string, a, b *Node) (*Node, error) {
	if err := g.owns(a, b); err != nil {
		return nil, err
	}
	if !a.shape.Compatible(b.shape) {
		return nil, shapeErr(name, OpAdd, fmt.Sprintf("operands %q and %q differ", a.name, b.name), a.shape, b.shape)
	}
	return g.add(name, OpAdd, []*Node{a, b}, a.shape.Merge(b.shape), nil), nil
}

// ReLU applies max(0, x).
func (g *Graph) ReLU(name string, x *Node) (*Node, error) {
	if err := g.owns(x); err != nil {
		return nil, err
	}
	return g.add(name, OpReLU, []*Node{x}, x.shape.Clone(), nil), nil
}

// MaxPool applies non-overlapping or strided max pooling to NHWC input.
func (g *Graph) MaxPool(name string, x *Node, kernelSize, stride int) (*Node, error) {
	if err := g.owns(x); err != nil {
		return nil, err
	}
	if kernelSize <= 0 || stride <= 0 {
		return nil, fmt.Errorf("%w: max pool %q: ksize %d, stride %d", ErrInvalidGraph, name, kernelSize, stride)
	}
	in := x.shape
	if err := checkRank(name, OpMaxPool, "input", in, 4); err != nil {
		return nil, err
	}
	pool := func(v int) int { return tensor.ConvOutputSize(v, kernelSize, stride, 0) }
	out := tensor.Shape{in[0], convSpatial(in[1], pool), convSpatial(in[2], pool), in[3]}
	if !windowFits(in[1], kernelSize, 0) || !windowFits(in[2], kernelSize, 0) {
		return nil, shapeErr(name, OpMaxPool, "window larger than input", nil, in)
	}
	return g.add(name, OpMaxPool, []*Node{x}, out, map[string]AttrValue{
		attrKSize:  {I: int64(kernelSize)},
		attrStride: {I: int64(stride)},
	}), nil
}

// Dropout zeroes elements of x with probability 1-keep and scales the
// rest by 1/keep. keepProb must be a scalar node; a value of 1 disables
// dropout.
func (g *Graph) Dropout(name string, x, keepProb *Node) (*Node, error) {
	if err := g.owns(x, keepProb); err != nil {
		return nil, err
	}
	if len(keepProb.shape) != 0 {
		return nil, shapeErr(name, OpDropout, "keep probability must be a scalar", tensor.Shape{}, keepProb.shape)
	}
	return g.add(name, OpDropout, []*Node{x, keepProb}, x.shape.Clone(), nil), nil
}

// Reshape changes the shape of x. target may contain one -1 entry.
func (g *Graph) Reshape(name string, x *Node, target tensor.Shape) (*Node, error) {
	if err := g.owns(x); err != nil {
		return nil, err
	}
	if err := target.ValidateStatic(); err != nil {
		return nil, shapeErr(name, OpReshape, err.Error(), nil, target)
	}
	out, err := staticReshape(x.shape, target)
	if err != nil {
		return nil, shapeErr(name, OpReshape, err.Error(), target, x.shape)
	}
	return g.add(name, OpReshape, []*Node{x}, out, map[string]AttrValue{attrShape: shapeAttr(target)}), nil
}

// staticReshape resolves target against a possibly dynamic source shape.
func staticReshape(src, target tensor.Shape) (tensor.Shape, error) {
	if src.IsConcrete() {
		return tensor.ResolveReshape(src, target)
	}
	dynamic := 0
	known := 1
	for _, d := range target {
		if d == tensor.Dynamic {
			dynamic++
			continue
		}
		known *= d
	}
	if dynamic != 1 {
		return nil, fmt.Errorf("reshape of %v needs exactly one -1 in %v", src, target)
	}
	if known <= 0 {
		return nil, fmt.Errorf("cannot reshape %v to %v", src, target)
	}
	// Some batch size always fits a dynamic source; the element count is
	// checked again when the node runs.
	return target.Clone(), nil
}

// Softmax normalizes along the last dimension.
func (g *Graph) Softmax(name string, x *Node) (*Node, error) {
	if err := g.owns(x); err != nil {
		return nil, err
	}
	return g.add(name, OpSoftmax, []*Node{x}, x.shape.Clone(), nil), nil
}

// SoftmaxCrossEntropy computes per-row losses of [R, C] logits against
// one-hot labels of the same shape. The result has shape [R].
func (g *Graph) SoftmaxCrossEntropy(name string, logits, labels *Node) (*Node, error) {
	if err := g.owns(logits, labels); err != nil {
		return nil, err
	}
	if err := checkRank(name, OpSoftmaxCrossEntropy, "logits", logits.shape, 2); err != nil {
		return nil, err
	}
	if !logits.shape.Compatible(labels.shape) {
		return nil, shapeErr(name, OpSoftmaxCrossEntropy, "labels must match logits", logits.shape, labels.shape)
	}
	rows := logits.shape.Merge(labels.shape)[0]
	return g.add(name, OpSoftmaxCrossEntropy, []*Node{logits, labels}, tensor.Shape{rows}, nil), nil
}

// Mean reduces x to a scalar.
func (g *Graph) Mean(name string, x *Node) (*Node, error) {
	if err := g.owns(x); err != nil {
		return nil, err
	}
	return g.add(name, OpMean, []*Node{x}, tensor.Shape{}, nil), nil
}

// Minimize creates a train op applying Adam to every trainable variable
// of the graph that exists when Minimize is called. learningRate must be a
// scalar node read on every run. Fetching the train op yields nil.
func (g *Graph) Minimize(name string, loss, learningRate *Node, cfg optim.AdamConfig) (*Node, error) {
	var vars []*Node
	for _, v := range g.Variables() {
		if v.param.Trainable() {
			vars = append(vars, v)
		}
	}
	return g.applyAdam(name, loss, learningRate, vars, cfg)
}

// applyAdam adds the train op over an explicit variable list.
func (g *Graph) applyAdam(name string, loss, learningRate *Node, vars []*Node, cfg optim.AdamConfig) (*Node, error) {
	if err := g.owns(loss, learningRate); err != nil {
		return nil, err
	}
	if len(loss.shape) != 0 {
		return nil, shapeErr(name, OpApplyAdam, "loss must be a scalar", tensor.Shape{}, loss.shape)
	}
	if len(learningRate.shape) != 0 {
		return nil, shapeErr(name, OpApplyAdam, "learning rate must be a scalar", tensor.Shape{}, learningRate.shape)
	}
	if len(vars) == 0 {
		return nil, fmt.Errorf("%w: minimize %q: no trainable variables", ErrInvalidGraph, name)
	}
	for _, v := range vars {
		if v.op != OpVariable || !v.param.Trainable() {
			return nil, fmt.Errorf("%w: minimize %q: %q is not a trainable variable", ErrInvalidGraph, name, v.name)
		}
	}
	inputs := append([]*Node{loss, learningRate}, vars...)
	full := optim.NewAdam(nil, cfg).Config()
	return g.add(name, OpApplyAdam, inputs, nil, map[string]AttrValue{
		attrBeta1:   {F: full.Betas[0]},
		attrBeta2:   {F: full.Betas[1]},
		attrEpsilon: {F: full.Eps},
	}), nil
}
