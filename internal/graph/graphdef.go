package graph

import (
	"errors"
	"fmt"
	"math"
	"os"
	"slices"

	gonumgraph "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/roadseg/internal/nn"
	"github.com/born-ml/roadseg/internal/optim"
	"github.com/born-ml/roadseg/internal/tensor"
)

// Producer is written into every serialized graph definition.
const Producer = "roadseg"

// Field numbers of the serialized messages.
//
//	GraphDef { 1: repeated NodeDef node; 2: string producer; 3: repeated string tags }
//	NodeDef  { 1: name; 2: op; 3: repeated input; 4: packed sint64 shape; 5: repeated AttrDef attr; 6: int32 dtype }
//	AttrDef  { 1: key; 2: sint64 i; 3: float f; 4: packed sint64 ints; 5: string s }
const (
	fieldGraphNode     protowire.Number = 1
	fieldGraphProducer protowire.Number = 2
	fieldGraphTags     protowire.Number = 3

	fieldNodeName  protowire.Number = 1
	fieldNodeOp    protowire.Number = 2
	fieldNodeInput protowire.Number = 3
	fieldNodeShape protowire.Number = 4
	fieldNodeAttr  protowire.Number = 5
	fieldNodeDType protowire.Number = 6

	fieldAttrKey  protowire.Number = 1
	fieldAttrI    protowire.Number = 2
	fieldAttrF    protowire.Number = 3
	fieldAttrInts protowire.Number = 4
	fieldAttrS    protowire.Number = 5
)

// MarshalGraphDef serializes g with the given tags.
func MarshalGraphDef(g *Graph, tags ...string) []byte {
	var b []byte
	for _, n := range g.nodes {
		b = protowire.AppendTag(b, fieldGraphNode, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalNode(n))
	}
	b = protowire.AppendTag(b, fieldGraphProducer, protowire.BytesType)
	b = protowire.AppendString(b, Producer)
	for _, tag := range tags {
		b = protowire.AppendTag(b, fieldGraphTags, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

// WriteGraphDef writes the serialized graph to path.
func WriteGraphDef(path string, g *Graph, tags ...string) error {
	if err := os.WriteFile(path, MarshalGraphDef(g, tags...), 0o644); err != nil { //nolint:gosec // model artifacts are world-readable
		return fmt.Errorf("write graph definition: %w", err)
	}
	return nil
}

func marshalNode(n *Node) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldNodeName, protowire.BytesType)
	b = protowire.AppendString(b, n.name)
	b = protowire.AppendTag(b, fieldNodeOp, protowire.BytesType)
	b = protowire.AppendString(b, n.op)
	for _, in := range n.inputs {
		b = protowire.AppendTag(b, fieldNodeInput, protowire.BytesType)
		b = protowire.AppendString(b, in.name)
	}
	if len(n.shape) > 0 {
		b = appendPacked(b, fieldNodeShape, shapeAttr(n.shape).Ints)
	}
	keys := make([]string, 0, len(n.attrs))
	for k := range n.attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		b = protowire.AppendTag(b, fieldNodeAttr, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalAttr(k, n.attrs[k]))
	}
	b = protowire.AppendTag(b, fieldNodeDType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(tensor.Float32))
	return b
}

func marshalAttr(key string, v AttrValue) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldAttrKey, protowire.BytesType)
	b = protowire.AppendString(b, key)
	if v.I != 0 {
		b = protowire.AppendTag(b, fieldAttrI, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v.I))
	}
	if v.F != 0 {
		b = protowire.AppendTag(b, fieldAttrF, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(v.F))
	}
	if len(v.Ints) > 0 {
		b = appendPacked(b, fieldAttrInts, v.Ints)
	}
	if v.S != "" {
		b = protowire.AppendTag(b, fieldAttrS, protowire.BytesType)
		b = protowire.AppendString(b, v.S)
	}
	return b
}

func appendPacked(b []byte, num protowire.Number, vals []int64) []byte {
	var packed []byte
	for _, v := range vals {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// GraphDef is a decoded graph definition.
type GraphDef struct {
	Nodes    []NodeDef
	Producer string
	Tags     []string
}

// NodeDef is one decoded node.
type NodeDef struct {
	Name   string
	Op     string
	Inputs []string
	Shape  tensor.Shape
	Attrs  map[string]AttrValue
	DType  tensor.DataType
}

// HasTag reports whether the definition carries tag.
func (d *GraphDef) HasTag(tag string) bool { return slices.Contains(d.Tags, tag) }

// PinPlaceholder narrows the declared shape of placeholder name before
// import, typically to fix spatial dims left dynamic in a saved graph.
// shape must be compatible with the declared one.
func (d *GraphDef) PinPlaceholder(name string, shape tensor.Shape) error {
	for i := range d.Nodes {
		nd := &d.Nodes[i]
		if nd.Name != name {
			continue
		}
		if nd.Op != OpPlaceholder {
			return fmt.Errorf("%w: %q is a %s, not a placeholder", ErrInvalidGraph, name, nd.Op)
		}
		declared := nd.Attrs[attrShape].Ints
		current := make(tensor.Shape, len(declared))
		for j, v := range declared {
			current[j] = int(v)
		}
		if !current.Compatible(shape) {
			return shapeErr(name, OpPlaceholder, "pinned shape differs from declared", current, shape)
		}
		pinned := current.Merge(shape)
		nd.Shape = pinned
		nd.Attrs[attrShape] = shapeAttr(pinned)
		return nil
	}
	return fmt.Errorf("%w: placeholder %q", ErrNotFound, name)
}

func wireErr(what string, n int) error {
	return fmt.Errorf("%w: %s: %w", ErrInvalidGraph, what, protowire.ParseError(n))
}

// UnmarshalGraphDef decodes a serialized graph definition.
func UnmarshalGraphDef(b []byte) (*GraphDef, error) {
	def := &GraphDef{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, wireErr("graph tag", n)
		}
		b = b[n:]
		switch {
		case num == fieldGraphNode && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, wireErr("node", n)
			}
			node, err := unmarshalNode(raw)
			if err != nil {
				return nil, err
			}
			def.Nodes = append(def.Nodes, node)
			b = b[n:]
		case num == fieldGraphProducer && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, wireErr("producer", n)
			}
			def.Producer = s
			b = b[n:]
		case num == fieldGraphTags && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, wireErr("tag", n)
			}
			def.Tags = append(def.Tags, s)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, wireErr("unknown field", n)
			}
			b = b[n:]
		}
	}
	return def, nil
}

func unmarshalNode(b []byte) (NodeDef, error) {
	node := NodeDef{Attrs: make(map[string]AttrValue)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return node, wireErr("node tag", n)
		}
		b = b[n:]
		switch {
		case typ == protowire.BytesType && (num == fieldNodeName || num == fieldNodeOp || num == fieldNodeInput):
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return node, wireErr("node string", n)
			}
			switch num {
			case fieldNodeName:
				node.Name = s
			case fieldNodeOp:
				node.Op = s
			default:
				node.Inputs = append(node.Inputs, s)
			}
			b = b[n:]
		case num == fieldNodeShape && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return node, wireErr("node shape", n)
			}
			ints, err := unpackSint(raw)
			if err != nil {
				return node, err
			}
			node.Shape = make(tensor.Shape, len(ints))
			for i, v := range ints {
				node.Shape[i] = int(v)
			}
			b = b[n:]
		case num == fieldNodeAttr && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return node, wireErr("attr", n)
			}
			key, v, err := unmarshalAttr(raw)
			if err != nil {
				return node, err
			}
			node.Attrs[key] = v
			b = b[n:]
		case num == fieldNodeDType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return node, wireErr("dtype", n)
			}
			node.DType = tensor.DataType(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return node, wireErr("unknown node field", n)
			}
			b = b[n:]
		}
	}
	if node.Name == "" || node.Op == "" {
		return node, fmt.Errorf("%w: node without name or op", ErrInvalidGraph)
	}
	return node, nil
}

func unmarshalAttr(b []byte) (string, AttrValue, error) {
	var key string
	var v AttrValue
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", v, wireErr("attr tag", n)
		}
		b = b[n:]
		switch {
		case num == fieldAttrKey && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", v, wireErr("attr key", n)
			}
			key = s
			b = b[n:]
		case num == fieldAttrI && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", v, wireErr("attr i", n)
			}
			v.I = protowire.DecodeZigZag(x)
			b = b[n:]
		case num == fieldAttrF && typ == protowire.Fixed32Type:
			x, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return "", v, wireErr("attr f", n)
			}
			v.F = math.Float32frombits(x)
			b = b[n:]
		case num == fieldAttrInts && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", v, wireErr("attr ints", n)
			}
			ints, err := unpackSint(raw)
			if err != nil {
				return "", v, err
			}
			v.Ints = ints
			b = b[n:]
		case num == fieldAttrS && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", v, wireErr("attr s", n)
			}
			v.S = s
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", v, wireErr("unknown attr field", n)
			}
			b = b[n:]
		}
	}
	return key, v, nil
}

func unpackSint(b []byte) ([]int64, error) {
	var out []int64
	for len(b) > 0 {
		x, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, wireErr("packed sint64", n)
		}
		out = append(out, protowire.DecodeZigZag(x))
		b = b[n:]
	}
	return out, nil
}

// defNode adapts a NodeDef index to gonum's graph.Node.
type defNode int64

func (n defNode) ID() int64 { return int64(n) }

// importOrder sorts definitions so every node follows its inputs, keeping
// file order among independent nodes.
func importOrder(def *GraphDef) ([]int, error) {
	index := make(map[string]int, len(def.Nodes))
	dg := simple.NewDirectedGraph()
	for i, n := range def.Nodes {
		if _, dup := index[n.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate node %q", ErrInvalidGraph, n.Name)
		}
		index[n.Name] = i
		dg.AddNode(defNode(i))
	}
	for i, n := range def.Nodes {
		for _, in := range n.Inputs {
			j, ok := index[in]
			if !ok {
				return nil, fmt.Errorf("%w: node %q reads unknown input %q", ErrInvalidGraph, n.Name, in)
			}
			if j == i {
				return nil, fmt.Errorf("%w: node %q reads itself", ErrInvalidGraph, n.Name)
			}
			dg.SetEdge(dg.NewEdge(defNode(j), defNode(i)))
		}
	}
	sorted, err := topo.SortStabilized(dg, func(nodes []gonumgraph.Node) {
		slices.SortFunc(nodes, func(a, b gonumgraph.Node) int { return int(a.ID() - b.ID()) })
	})
	if err != nil {
		var cyc topo.Unorderable
		if errors.As(err, &cyc) {
			return nil, fmt.Errorf("%w: graph has a cycle", ErrInvalidGraph)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidGraph, err)
	}
	order := make([]int, len(sorted))
	for i, n := range sorted {
		order[i] = int(n.ID())
	}
	return order, nil
}

// ImportGraphDef decodes data and adds its nodes to g under their original
// names, creating store parameters for its variables. Every node is rebuilt
// through the checked builders. It returns the decoded definition.
func ImportGraphDef(g *Graph, data []byte) (*GraphDef, error) {
	def, err := UnmarshalGraphDef(data)
	if err != nil {
		return nil, err
	}
	if err := Import(g, def); err != nil {
		return nil, err
	}
	return def, nil
}

// Import adds the nodes of an already decoded definition to g.
func Import(g *Graph, def *GraphDef) error {
	order, err := importOrder(def)
	if err != nil {
		return err
	}
	created := make(map[string]*Node, len(def.Nodes))
	for _, i := range order {
		nd := def.Nodes[i]
		if _, taken := g.byName[nd.Name]; taken {
			return fmt.Errorf("%w: node %q already exists", ErrInvalidGraph, nd.Name)
		}
		inputs := make([]*Node, len(nd.Inputs))
		for j, name := range nd.Inputs {
			inputs[j] = created[name]
		}
		n, err := importNode(g, nd, inputs)
		if err != nil {
			return fmt.Errorf("import %q: %w", nd.Name, err)
		}
		created[nd.Name] = n
	}
	return nil
}

func importNode(g *Graph, nd NodeDef, in []*Node) (*Node, error) {
	arity := map[string]int{
		OpPlaceholder: 0, OpVariable: 0,
		OpConv2D: 2, OpConv2DTranspose: 2, OpBiasAdd: 2, OpAdd: 2, OpDropout: 2, OpSoftmaxCrossEntropy: 2,
		OpReLU: 1, OpMaxPool: 1, OpReshape: 1, OpSoftmax: 1, OpMean: 1,
	}
	if want, ok := arity[nd.Op]; ok && len(in) != want {
		return nil, fmt.Errorf("%w: %s takes %d inputs, got %d", ErrInvalidGraph, nd.Op, want, len(in))
	}
	attr := func(key string) AttrValue { return nd.Attrs[key] }
	ints := func(key string) tensor.Shape {
		s := make(tensor.Shape, len(attr(key).Ints))
		for i, v := range attr(key).Ints {
			s[i] = int(v)
		}
		return s
	}

	switch nd.Op {
	case OpPlaceholder:
		return g.Placeholder(nd.Name, ints(attrShape))
	case OpVariable:
		init, ok := nn.InitializerByName(attr(attrInit).S)
		if !ok {
			return nil, fmt.Errorf("%w: unknown initializer %q", ErrInvalidGraph, attr(attrInit).S)
		}
		return g.Variable(nd.Name, nd.Shape, init, attr(attrTrainable).I != 0)
	case OpConv2D:
		return g.Conv2D(nd.Name, in[0], in[1], int(attr(attrStride).I), int(attr(attrPadding).I))
	case OpConv2DTranspose:
		return g.Conv2DTranspose(nd.Name, in[0], in[1], int(attr(attrStride).I), int(attr(attrPadding).I))
	case OpBiasAdd:
		return g.BiasAdd(nd.Name, in[0], in[1])
	case OpAdd:
		return g.Add(nd.Name, in[0], in[1])
	case OpReLU:
		return g.ReLU(nd.Name, in[0])
	case OpMaxPool:
		return g.MaxPool(nd.Name, in[0], int(attr(attrKSize).I), int(attr(attrStride).I))
	case OpDropout:
		return g.Dropout(nd.Name, in[0], in[1])
	case OpReshape:
		return g.Reshape(nd.Name, in[0], ints(attrShape))
	case OpSoftmax:
		return g.Softmax(nd.Name, in[0])
	case OpSoftmaxCrossEntropy:
		return g.SoftmaxCrossEntropy(nd.Name, in[0], in[1])
	case OpMean:
		return g.Mean(nd.Name, in[0])
	case OpApplyAdam:
		if len(in) < 3 {
			return nil, fmt.Errorf("%w: %s needs loss, learning rate and variables", ErrInvalidGraph, nd.Op)
		}
		return g.applyAdam(nd.Name, in[0], in[1], in[2:], optim.AdamConfig{
			Betas: [2]float32{attr(attrBeta1).F, attr(attrBeta2).F},
			Eps:   attr(attrEpsilon).F,
		})
	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrInvalidGraph, nd.Op)
	}
}
