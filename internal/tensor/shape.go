package tensor

import (
	"fmt"
	"strconv"
	"strings"
)

// Dynamic marks a dimension whose size is only known when the graph runs
// (typically the batch dimension).
const Dynamic = -1

// Shape represents the dimensions of a tensor.
type Shape []int

// NumElements returns the total number of elements in the tensor.
// Shapes with dynamic dimensions report -1.
func (s Shape) NumElements() int {
	n := 1
	for _, dim := range s {
		if dim == Dynamic {
			return Dynamic
		}
		n *= dim
	}
	return n
}

// Validate checks that the shape is concrete (all dimensions > 0).
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// ValidateStatic checks that every dimension is positive or Dynamic.
func (s Shape) ValidateStatic() error {
	for i, dim := range s {
		if dim <= 0 && dim != Dynamic {
			return fmt.Errorf("invalid dimension at index %d: %d (must be > 0 or -1)", i, dim)
		}
	}
	return nil
}

// IsConcrete reports whether no dimension is Dynamic.
func (s Shape) IsConcrete() bool {
	for _, dim := range s {
		if dim == Dynamic {
			return false
		}
	}
	return true
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Compatible reports whether two shapes can describe the same tensor:
// same rank, and equal dimensions wherever both are known.
func (s Shape) Compatible(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != Dynamic && other[i] != Dynamic && s[i] != other[i] {
			return false
		}
	}
	return true
}

// Merge combines two compatible shapes, keeping known dimensions.
func (s Shape) Merge(other Shape) Shape {
	out := s.Clone()
	for i := range out {
		if out[i] == Dynamic {
			out[i] = other[i]
		}
	}
	return out
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// ComputeStrides calculates row-major strides for the shape.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}

	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// String renders the shape as "(1, 160, 576, 3)" with "?" for dynamic dims.
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, dim := range s {
		if dim == Dynamic {
			parts[i] = "?"
			continue
		}
		parts[i] = strconv.Itoa(dim)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// ResolveReshape fills a single -1 entry of target so that it holds the same
// number of elements as s. Both shapes must be concrete except for that entry.
func ResolveReshape(s, target Shape) (Shape, error) {
	total := s.NumElements()
	if total < 0 {
		return nil, fmt.Errorf("reshape: source shape %v is not concrete", s)
	}
	out := target.Clone()
	inferred := -1
	known := 1
	for i, dim := range out {
		switch {
		case dim == Dynamic:
			if inferred >= 0 {
				return nil, fmt.Errorf("reshape: more than one -1 in %v", target)
			}
			inferred = i
		case dim <= 0:
			return nil, fmt.Errorf("reshape: invalid dimension %d in %v", dim, target)
		default:
			known *= dim
		}
	}
	if inferred >= 0 {
		if known == 0 || total%known != 0 {
			return nil, fmt.Errorf("reshape: cannot infer -1 for %v from %d elements", target, total)
		}
		out[inferred] = total / known
	}
	if out.NumElements() != total {
		return nil, fmt.Errorf("reshape: %v has %d elements, %v has %d", s, total, out, out.NumElements())
	}
	return out, nil
}
