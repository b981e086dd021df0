package graph

import (
	"github.com/born-ml/roadseg/internal/nn"
	"github.com/born-ml/roadseg/internal/tensor"
)

// Op types.
const (
	OpPlaceholder         = "Placeholder"
	OpVariable            = "Variable"
	OpConv2D              = "Conv2D"
	OpConv2DTranspose     = "Conv2DTranspose"
	OpBiasAdd             = "BiasAdd"
	OpAdd                 = "Add"
	OpReLU                = "Relu"
	OpMaxPool             = "MaxPool"
	OpDropout             = "Dropout"
	OpReshape             = "Reshape"
	OpSoftmax             = "Softmax"
	OpSoftmaxCrossEntropy = "SoftmaxCrossEntropy"
	OpMean                = "Mean"
	OpApplyAdam           = "ApplyAdam"
)

// Attribute keys.
const (
	attrStride    = "stride"
	attrPadding   = "padding"
	attrKSize     = "ksize"
	attrShape     = "shape"
	attrInit      = "init"
	attrTrainable = "trainable"
	attrBeta1     = "beta1"
	attrBeta2     = "beta2"
	attrEpsilon   = "epsilon"
)

// AttrValue is a node attribute. Exactly one field is meaningful per key.
type AttrValue struct {
	I    int64
	F    float32
	Ints []int64
	S    string
}

// Node is one operation in a Graph. Nodes are immutable after creation.
type Node struct {
	id     int
	name   string
	op     string
	inputs []*Node
	shape  tensor.Shape
	attrs  map[string]AttrValue
	param  *nn.Parameter
}

// ID returns the creation index; inputs always have smaller IDs.
func (n *Node) ID() int { return n.id }

// Name returns the unique node name.
func (n *Node) Name() string { return n.name }

// Op returns the op type.
func (n *Node) Op() string { return n.op }

// Inputs returns the input nodes.
func (n *Node) Inputs() []*Node { return append([]*Node(nil), n.inputs...) }

// Shape returns the static output shape. Unknown dimensions are
// tensor.Dynamic; train ops have a nil shape.
func (n *Node) Shape() tensor.Shape { return n.shape.Clone() }

// Param returns the backing parameter of a Variable node, or nil.
func (n *Node) Param() *nn.Parameter { return n.param }

func (n *Node) attrInt(key string) int { return int(n.attrs[key].I) }

func (n *Node) attrFloat(key string) float32 { return n.attrs[key].F }

func (n *Node) attrShape(key string) tensor.Shape {
	ints := n.attrs[key].Ints
	s := make(tensor.Shape, len(ints))
	for i, v := range ints {
		s[i] = int(v)
	}
	return s
}

func shapeAttr(s tensor.Shape) AttrValue {
	ints := make([]int64, len(s))
	for i, v := range s {
		ints[i] = int64(v)
	}
	return AttrValue{Ints: ints}
}
