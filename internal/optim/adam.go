package optim

import (
	"fmt"
	"math"

	"github.com/born-ml/roadseg/internal/nn"
	"github.com/born-ml/roadseg/internal/tensor"
)

// Adam implements the Adam (Adaptive Moment Estimation) optimizer.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1-beta1) * gradient       // First moment
//	v_t = beta2 * v_{t-1} + (1-beta2) * gradient²      // Second moment
//	m_hat = m_t / (1 - beta1^t)                        // Bias correction
//	v_hat = v_t / (1 - beta2^t)                        // Bias correction
//	param = param - lr * m_hat / (sqrt(v_hat) + eps)   // Parameter update
//
// Reference: "Adam: A Method for Stochastic Optimization" (Kingma & Ba, 2014)
type Adam struct {
	params []*nn.Parameter
	lr     float32
	beta1  float32
	beta2  float32
	eps    float32
	t      int // timestep for bias correction
	m      map[*nn.Parameter]*tensor.RawTensor
	v      map[*nn.Parameter]*tensor.RawTensor
}

var _ Optimizer = (*Adam)(nil)

// AdamConfig holds configuration for Adam optimizer.
type AdamConfig struct {
	LR    float32    // Learning rate (default: 0.001)
	Betas [2]float32 // Coefficients for computing running averages (default: [0.9, 0.999])
	Eps   float32    // Term for numerical stability (default: 1e-8)
}

// withDefaults fills zero fields with the Kingma & Ba defaults.
func (c AdamConfig) withDefaults() AdamConfig {
	if c.LR == 0 {
		c.LR = 0.001
	}
	if c.Betas[0] == 0 {
		c.Betas[0] = 0.9
	}
	if c.Betas[1] == 0 {
		c.Betas[1] = 0.999
	}
	if c.Eps == 0 {
		c.Eps = 1e-8
	}
	return c
}

// NewAdam creates a new Adam optimizer over params.
func NewAdam(params []*nn.Parameter, config AdamConfig) *Adam {
	config = config.withDefaults()
	return &Adam{
		params: params,
		lr:     config.LR,
		beta1:  config.Betas[0],
		beta2:  config.Betas[1],
		eps:    config.Eps,
		m:      make(map[*nn.Parameter]*tensor.RawTensor),
		v:      make(map[*nn.Parameter]*tensor.RawTensor),
	}
}

// Step performs a single optimization step.
func (a *Adam) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	a.t++

	biasCorrection1 := float32(1.0 - math.Pow(float64(a.beta1), float64(a.t)))
	biasCorrection2 := float32(1.0 - math.Pow(float64(a.beta2), float64(a.t)))

	for _, param := range a.params {
		grad := getGradient(param, grads)
		if grad == nil {
			continue
		}
		m, ok := a.m[param]
		if !ok {
			m = tensor.Zeros(param.Shape())
			a.m[param] = m
		}
		v, ok := a.v[param]
		if !ok {
			v = tensor.Zeros(param.Shape())
			a.v[param] = v
		}
		a.update(param.Value().AsFloat32(), grad.AsFloat32(), m.AsFloat32(), v.AsFloat32(),
			biasCorrection1, biasCorrection2)
	}
}

func (a *Adam) update(paramData, gradData, mData, vData []float32, bc1, bc2 float32) {
	for i := range paramData {
		g := gradData[i]
		mData[i] = a.beta1*mData[i] + (1.0-a.beta1)*g
		vData[i] = a.beta2*vData[i] + (1.0-a.beta2)*g*g
		mHat := mData[i] / bc1
		vHat := vData[i] / bc2
		paramData[i] -= a.lr * mHat / (float32(math.Sqrt(float64(vHat))) + a.eps)
	}
}

// GetLR returns the current learning rate.
func (a *Adam) GetLR() float32 { return a.lr }

// SetLR updates the learning rate.
func (a *Adam) SetLR(lr float32) { a.lr = lr }

// GetTimestep returns the number of steps taken.
func (a *Adam) GetTimestep() int { return a.t }

// Config returns the effective configuration.
func (a *Adam) Config() AdamConfig {
	return AdamConfig{LR: a.lr, Betas: [2]float32{a.beta1, a.beta2}, Eps: a.eps}
}

// StateDict returns the moment buffers keyed "<param>.m" / "<param>.v".
// Parameters that never received a gradient have no entries.
func (a *Adam) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor, 2*len(a.m))
	for _, p := range a.params {
		if m, ok := a.m[p]; ok {
			state[p.Name()+".m"] = m
			state[p.Name()+".v"] = a.v[p]
		}
	}
	return state
}

// LoadStateDict restores moment buffers saved by StateDict and sets the
// timestep used for bias correction.
func (a *Adam) LoadStateDict(state map[string]*tensor.RawTensor, timestep int) error {
	for _, p := range a.params {
		m, hasM := state[p.Name()+".m"]
		v, hasV := state[p.Name()+".v"]
		if !hasM && !hasV {
			continue
		}
		if !hasM || !hasV {
			return fmt.Errorf("adam state for %q is incomplete", p.Name())
		}
		if !m.Shape().Equal(p.Shape()) || !v.Shape().Equal(p.Shape()) {
			return fmt.Errorf("adam state for %q: shape %v, parameter %v", p.Name(), m.Shape(), p.Shape())
		}
		a.m[p] = m.Clone()
		a.v[p] = v.Clone()
	}
	a.t = timestep
	return nil
}
