package graph

import (
	"fmt"
	"math/rand"
	"slices"
	"time"

	"go.uber.org/multierr"

	"github.com/born-ml/roadseg/internal/autodiff"
	"github.com/born-ml/roadseg/internal/backend/cpu"
	"github.com/born-ml/roadseg/internal/nn"
	"github.com/born-ml/roadseg/internal/optim"
	"github.com/born-ml/roadseg/internal/parallel"
	"github.com/born-ml/roadseg/internal/tensor"
)

// Feeds maps placeholders to the tensors fed for one run.
type Feeds map[*Node]*tensor.RawTensor

// Session evaluates nodes of one graph. It is not safe for concurrent use.
type Session struct {
	g          *Graph
	backend    *autodiff.AutodiffBackend[*cpu.CPUBackend]
	rng        *rand.Rand
	optimizers map[*Node]*optim.Adam
	closed     bool
}

type sessionConfig struct {
	seed     int64
	parallel parallel.Config
}

// SessionOption configures a Session.
type SessionOption func(*sessionConfig)

// WithSeed seeds the session rng used by dropout and variable
// initialization. Zero selects a time-based seed.
func WithSeed(seed int64) SessionOption {
	return func(c *sessionConfig) { c.seed = seed }
}

// WithParallelism sets the CPU kernel parallelism.
func WithParallelism(cfg parallel.Config) SessionOption {
	return func(c *sessionConfig) { c.parallel = cfg }
}

// NewSession creates a session running g on the CPU backend.
func NewSession(g *Graph, opts ...SessionOption) *Session {
	cfg := sessionConfig{parallel: parallel.DefaultConfig()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.seed == 0 {
		cfg.seed = time.Now().UnixNano()
	}
	return &Session{
		g:          g,
		backend:    autodiff.New(cpu.NewWithConfig(cfg.parallel)),
		rng:        rand.New(rand.NewSource(cfg.seed)), //nolint:gosec // not security-critical
		optimizers: make(map[*Node]*optim.Adam),
	}
}

// Scope creates a graph and a session over store, runs fn, and closes the
// session on every path.
func Scope(store *nn.ParameterStore, fn func(g *Graph, sess *Session) error, opts ...SessionOption) (err error) {
	g := New(store)
	sess := NewSession(g, opts...)
	defer func() {
		err = multierr.Append(err, sess.Close())
	}()
	return fn(g, sess)
}

// Graph returns the session's graph.
func (s *Session) Graph() *Graph { return s.g }

// Store returns the parameter store of the session's graph.
func (s *Session) Store() *nn.ParameterStore { return s.g.store }

// Initialize runs the initializers of params with the session rng.
func (s *Session) Initialize(params []*nn.Parameter) {
	s.g.store.Initialize(params, s.rng)
}

// Optimizer returns the Adam state behind a train op, once it has run.
func (s *Session) Optimizer(trainOp *Node) (*optim.Adam, bool) {
	opt, ok := s.optimizers[trainOp]
	return opt, ok
}

// Close releases the session. Further runs fail with ErrClosed.
func (s *Session) Close() error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.backend.Tape().StopRecording()
	s.backend.Tape().Clear()
	clear(s.optimizers)
	return nil
}

// Run evaluates fetches given feeds and returns one tensor per fetch, in
// order. Fetching a train op applies one optimizer step and yields nil in
// its slot. Fetched variables are returned as copies.
//
// Only the ancestors of fetches are evaluated. Every placeholder among
// them must be fed with a tensor compatible with its static shape.
func (s *Session) Run(fetches []*Node, feeds Feeds) (out []*tensor.RawTensor, err error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.checkFeeds(feeds); err != nil {
		return nil, err
	}
	order, train, err := s.plan(fetches)
	if err != nil {
		return nil, err
	}

	tape := s.backend.Tape()
	if train != nil {
		tape.StartRecording()
	}
	var current *Node
	defer func() {
		tape.StopRecording()
		tape.Clear()
		if r := recover(); r != nil {
			name := "<none>"
			if current != nil {
				name = current.name
			}
			out, err = nil, fmt.Errorf("%w: node %q: %v", ErrRuntime, name, r)
		}
	}()

	values := make(map[*Node]*tensor.RawTensor, len(order))
	for _, n := range order {
		current = n
		v, err := s.eval(n, values, feeds)
		if err != nil {
			return nil, err
		}
		values[n] = v
	}

	out = make([]*tensor.RawTensor, len(fetches))
	for i, f := range fetches {
		v := values[f]
		if f.op == OpVariable {
			v = v.Clone()
		}
		out[i] = v
	}
	return out, nil
}

func (s *Session) checkFeeds(feeds Feeds) error {
	for n, t := range feeds {
		if err := s.g.owns(n); err != nil {
			return err
		}
		if n.op != OpPlaceholder {
			return fmt.Errorf("%w: feed target %q is a %s, not a placeholder", ErrInvalidGraph, n.name, n.op)
		}
		if t == nil || t.DType() != tensor.Float32 {
			return fmt.Errorf("%w: feed for %q must be a float32 tensor", ErrInvalidGraph, n.name)
		}
		if !n.shape.Compatible(t.Shape()) {
			return shapeErr(n.name, OpPlaceholder, "fed tensor does not match placeholder", n.shape, t.Shape())
		}
	}
	return nil
}

// plan returns the ancestors of fetches in topological order and the
// single train op among them, if any.
func (s *Session) plan(fetches []*Node) ([]*Node, *Node, error) {
	seen := make(map[*Node]bool)
	var visit func(n *Node)
	visit = func(n *Node) {
		if seen[n] {
			return
		}
		seen[n] = true
		for _, in := range n.inputs {
			visit(in)
		}
	}
	var train *Node
	for _, f := range fetches {
		if f == nil || f.id >= len(s.g.nodes) || s.g.nodes[f.id] != f {
			return nil, nil, fmt.Errorf("%w: fetch is not a node of this graph", ErrInvalidGraph)
		}
		if f.op == OpApplyAdam {
			if train != nil && train != f {
				return nil, nil, fmt.Errorf("%w: at most one train op per run", ErrInvalidGraph)
			}
			train = f
		}
		visit(f)
	}
	order := make([]*Node, 0, len(seen))
	for n := range seen {
		order = append(order, n)
	}
	slices.SortFunc(order, func(a, b *Node) int { return a.id - b.id })
	return order, train, nil
}

func (s *Session) eval(n *Node, values map[*Node]*tensor.RawTensor, feeds Feeds) (*tensor.RawTensor, error) {
	b := s.backend
	in := func(i int) *tensor.RawTensor { return values[n.inputs[i]] }

	switch n.op {
	case OpPlaceholder:
		t, ok := feeds[n]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotFed, n.name)
		}
		return t, nil
	case OpVariable:
		if !n.param.Initialized() {
			return nil, fmt.Errorf("%w: %q", ErrUninitialized, n.name)
		}
		return n.param.Value(), nil
	case OpConv2D:
		return b.Conv2D(in(0), in(1), n.attrInt(attrStride), n.attrInt(attrPadding)), nil
	case OpConv2DTranspose:
		return b.Conv2DTranspose(in(0), in(1), n.attrInt(attrStride), n.attrInt(attrPadding)), nil
	case OpBiasAdd:
		return b.Add(in(0), in(1)), nil
	case OpAdd:
		if !in(0).Shape().Equal(in(1).Shape()) {
			return nil, shapeErr(n.name, n.op, "operands differ at run time", in(0).Shape(), in(1).Shape())
		}
		return b.Add(in(0), in(1)), nil
	case OpReLU:
		return b.ReLU(in(0)), nil
	case OpMaxPool:
		return b.MaxPool2D(in(0), n.attrInt(attrKSize), n.attrInt(attrStride)), nil
	case OpDropout:
		return s.dropout(n, in(0), in(1).Item())
	case OpReshape:
		target, err := tensor.ResolveReshape(in(0).Shape(), n.attrShape(attrShape))
		if err != nil {
			return nil, shapeErr(n.name, n.op, err.Error(), n.attrShape(attrShape), in(0).Shape())
		}
		return b.Reshape(in(0), target), nil
	case OpSoftmax:
		return b.Softmax(in(0)), nil
	case OpSoftmaxCrossEntropy:
		if !in(0).Shape().Equal(in(1).Shape()) {
			return nil, shapeErr(n.name, n.op, "labels differ from logits at run time", in(0).Shape(), in(1).Shape())
		}
		return b.SoftmaxCrossEntropy(in(0), in(1)), nil
	case OpMean:
		return b.Mean(in(0)), nil
	case OpApplyAdam:
		s.applyAdam(n, in(0), in(1).Item())
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrInvalidGraph, n.op)
	}
}

func (s *Session) dropout(n *Node, x *tensor.RawTensor, keep float32) (*tensor.RawTensor, error) {
	if keep <= 0 || keep > 1 {
		return nil, fmt.Errorf("%w: node %q: keep probability %v outside (0, 1]", ErrInvalidGraph, n.name, keep)
	}
	if keep == 1 {
		return x, nil
	}
	mask := tensor.Zeros(x.Shape())
	scale := 1 / keep
	m := mask.AsFloat32()
	for i := range m {
		if s.rng.Float32() < keep {
			m[i] = scale
		}
	}
	return s.backend.Mul(x, mask), nil
}

func (s *Session) applyAdam(n *Node, loss *tensor.RawTensor, lr float32) {
	opt, ok := s.optimizers[n]
	if !ok {
		params := make([]*nn.Parameter, 0, len(n.inputs)-2)
		for _, v := range n.inputs[2:] {
			params = append(params, v.param)
		}
		opt = optim.NewAdam(params, optim.AdamConfig{
			LR:    lr,
			Betas: [2]float32{n.attrFloat(attrBeta1), n.attrFloat(attrBeta2)},
			Eps:   n.attrFloat(attrEpsilon),
		})
		s.optimizers[n] = opt
	}
	grads := s.backend.Tape().Backward(loss, tensor.Scalar(1), s.backend.Inner())
	opt.SetLR(lr)
	opt.Step(grads)
}
