package nn

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/samber/lo"

	"github.com/born-ml/roadseg/internal/tensor"
)

// Store errors.
var (
	ErrDuplicateParameter = errors.New("nn: duplicate parameter")
	ErrUnknownParameter   = errors.New("nn: unknown parameter")
	ErrParameterShape     = errors.New("nn: parameter shape mismatch")
)

// ParameterStore owns every parameter of a model, in creation order.
//
// There is no process-wide store: graphs, sessions and optimizers receive
// the store they operate on explicitly.
type ParameterStore struct {
	params []*Parameter
	byName map[string]*Parameter
}

// NewParameterStore creates an empty store.
func NewParameterStore() *ParameterStore {
	return &ParameterStore{byName: make(map[string]*Parameter)}
}

// Create allocates a zero-valued, uninitialized parameter.
func (s *ParameterStore) Create(name string, shape tensor.Shape, init Initializer, trainable bool) (*Parameter, error) {
	if _, exists := s.byName[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateParameter, name)
	}
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("parameter %q: %w", name, err)
	}
	if init == nil {
		init = Zeros
	}
	p := &Parameter{
		name:      name,
		value:     tensor.Zeros(shape),
		init:      init,
		trainable: trainable,
	}
	s.params = append(s.params, p)
	s.byName[name] = p
	return p, nil
}

// Get returns the parameter with the given name.
func (s *ParameterStore) Get(name string) (*Parameter, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// Len returns the number of parameters.
func (s *ParameterStore) Len() int { return len(s.params) }

// Params returns all parameters in creation order.
func (s *ParameterStore) Params() []*Parameter {
	return append([]*Parameter(nil), s.params...)
}

// Trainable returns the trainable parameters in creation order.
func (s *ParameterStore) Trainable() []*Parameter {
	return lo.Filter(s.params, func(p *Parameter, _ int) bool { return p.trainable })
}

// Uninitialized returns the parameters that hold no value yet.
func (s *ParameterStore) Uninitialized() []*Parameter {
	return lo.Filter(s.params, func(p *Parameter, _ int) bool { return !p.initialized })
}

// Complement returns every parameter of the store not in loaded, in
// creation order.
func (s *ParameterStore) Complement(loaded []*Parameter) []*Parameter {
	skip := lo.SliceToMap(loaded, func(p *Parameter) (*Parameter, struct{}) { return p, struct{}{} })
	return lo.Reject(s.params, func(p *Parameter, _ int) bool {
		_, ok := skip[p]
		return ok
	})
}

// Initialize runs the initializer of each given parameter and marks it
// initialized. Parameters are filled in the order given, so a seeded rng
// gives reproducible values.
func (s *ParameterStore) Initialize(params []*Parameter, rng *rand.Rand) {
	for _, p := range params {
		p.init.Fill(p.value, rng)
		p.initialized = true
	}
}

// NumElements returns the total element count of the given parameters.
func NumElements(params []*Parameter) int {
	return lo.SumBy(params, func(p *Parameter) int { return p.value.NumElements() })
}

// StateDict returns name -> tensor for every initialized parameter.
// Tensors are shared, not copied.
func (s *ParameterStore) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor, len(s.params))
	for _, p := range s.params {
		if p.initialized {
			state[p.name] = p.value
		}
	}
	return state
}

// Load copies every tensor of state into the parameter of the same name
// and returns the loaded parameters in creation order. Unknown names and
// shape mismatches are errors; nothing is modified in that case.
func (s *ParameterStore) Load(state map[string]*tensor.RawTensor) ([]*Parameter, error) {
	for name, t := range state {
		p, ok := s.byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
		}
		if !p.Shape().Equal(t.Shape()) || t.DType() != tensor.Float32 {
			return nil, fmt.Errorf("%w: %q: store %v, state %v %s",
				ErrParameterShape, name, p.Shape(), t.Shape(), t.DType())
		}
	}

	loaded := lo.Filter(s.params, func(p *Parameter, _ int) bool {
		_, ok := state[p.name]
		return ok
	})
	for _, p := range loaded {
		if err := p.Set(state[p.name]); err != nil {
			return nil, fmt.Errorf("load %q: %w", p.name, err)
		}
	}
	return loaded, nil
}
