package graph

import (
	"errors"
	"fmt"

	"github.com/born-ml/roadseg/internal/tensor"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a node name is absent from the graph.
	ErrNotFound = errors.New("graph: node not found")
	// ErrShapeMismatch is wrapped by every ShapeError.
	ErrShapeMismatch = errors.New("graph: shape mismatch")
	// ErrNotFed is returned when a placeholder needed by a run has no feed.
	ErrNotFed = errors.New("graph: placeholder not fed")
	// ErrUninitialized is returned when a run reads a variable that was
	// neither initialized nor loaded.
	ErrUninitialized = errors.New("graph: variable not initialized")
	// ErrInvalidGraph is returned for malformed graph definitions and
	// illegal node wiring.
	ErrInvalidGraph = errors.New("graph: invalid graph")
	// ErrClosed is returned by a closed session.
	ErrClosed = errors.New("graph: session closed")
	// ErrRuntime wraps kernel failures recovered during a run.
	ErrRuntime = errors.New("graph: runtime failure")
)

// ShapeError describes an incompatible shape detected while building or
// running a graph.
type ShapeError struct {
	Node   string       // node being built
	Op     string       // op type
	Detail string       // what was checked
	Want   tensor.Shape // expected (may be nil)
	Got    tensor.Shape // actual (may be nil)
}

// Error implements error.
func (e *ShapeError) Error() string {
	msg := fmt.Sprintf("%s: node %q (%s): %s", ErrShapeMismatch, e.Node, e.Op, e.Detail)
	if e.Want != nil || e.Got != nil {
		msg += fmt.Sprintf(": want %v, got %v", e.Want, e.Got)
	}
	return msg
}

// Unwrap lets errors.Is match ErrShapeMismatch.
func (e *ShapeError) Unwrap() error { return ErrShapeMismatch }

func shapeErr(name, op, detail string, want, got tensor.Shape) error {
	return &ShapeError{Node: name, Op: op, Detail: detail, Want: want, Got: got}
}
