package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"
)

// Optimizer interface defines the contract for all optimizers.
// Optimizers minimize: each step moves parameters against their gradients.
type Optimizer interface {
	// Step applies gradients to the parameters. Parameters without a gradient are skipped.
	Step(params []*Parameter, learningRate float32) error

	// Reset clears optimizer state (momentum, etc.)
	Reset()

	// GetState returns optimizer state for serialization
	GetState() map[string]interface{}

	// LoadState restores optimizer state from serialization
	LoadState(state map[string]interface{}) error

	// Name returns the optimizer name
	Name() string
}

// NewOptimizer returns an optimizer by name: "adam", "adamw", "sgd" or "rmsprop"
func NewOptimizer(name string) (Optimizer, error) {
	switch name {
	case "adam", "":
		return NewAdamOptimizer(), nil
	case "adamw":
		return NewAdamWOptimizerDefault(), nil
	case "sgd":
		return NewSGDOptimizer(), nil
	case "rmsprop":
		return NewRMSpropOptimizerDefault(), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

func checkGrad(i int, p *Parameter) (bool, error) {
	if p == nil || p.Value == nil || p.Grad == nil {
		return false, nil
	}
	if len(p.Grad.Data) != len(p.Value.Data) {
		return false, fmt.Errorf("%w: parameter %d gradient %s for value %s", ErrShapeMismatch, i, ShapeString(p.Grad.Shape), ShapeString(p.Value.Shape))
	}
	return true, nil
}

// ============================================================================
// SGD Optimizer (Stochastic Gradient Descent with optional momentum)
// ============================================================================

type SGDOptimizer struct {
	momentum   float32
	velocities map[string][]float32 // Momentum buffers
	dampening  float32
	nesterov   bool
}

func NewSGDOptimizer() *SGDOptimizer {
	return &SGDOptimizer{
		momentum:   0.0,
		velocities: make(map[string][]float32),
		dampening:  0.0,
		nesterov:   false,
	}
}

func NewSGDOptimizerWithMomentum(momentum, dampening float32, nesterov bool) *SGDOptimizer {
	return &SGDOptimizer{
		momentum:   momentum,
		velocities: make(map[string][]float32),
		dampening:  dampening,
		nesterov:   nesterov,
	}
}

func (opt *SGDOptimizer) Step(params []*Parameter, learningRate float32) error {
	for i, p := range params {
		ok, err := checkGrad(i, p)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		// Simple SGD without momentum: w = w - lr * grad
		if opt.momentum == 0.0 {
			n := len(p.Value.Data)
			blas32.Axpy(-learningRate,
				blas32.Vector{N: n, Inc: 1, Data: p.Grad.Data},
				blas32.Vector{N: n, Inc: 1, Data: p.Value.Data})
			continue
		}

		key := fmt.Sprintf("param_%d", i)
		if opt.velocities[key] == nil {
			opt.velocities[key] = make([]float32, len(p.Value.Data))
		}
		vel := opt.velocities[key]

		// v = momentum * v + (1 - dampening) * grad
		// w = w - lr * v (or w - lr * (grad + momentum * v) for Nesterov)
		for j, grad := range p.Grad.Data {
			vel[j] = opt.momentum*vel[j] + (1-opt.dampening)*grad
			if opt.nesterov {
				p.Value.Data[j] -= learningRate * (grad + opt.momentum*vel[j])
			} else {
				p.Value.Data[j] -= learningRate * vel[j]
			}
		}
	}
	return nil
}

func (opt *SGDOptimizer) Reset() {
	opt.velocities = make(map[string][]float32)
}

func (opt *SGDOptimizer) GetState() map[string]interface{} {
	return map[string]interface{}{
		"type":      "sgd",
		"momentum":  opt.momentum,
		"dampening": opt.dampening,
		"nesterov":  opt.nesterov,
	}
}

func (opt *SGDOptimizer) LoadState(state map[string]interface{}) error {
	if t, ok := state["type"].(string); !ok || t != "sgd" {
		return fmt.Errorf("invalid optimizer type: expected sgd, got %v", state["type"])
	}

	if m, ok := state["momentum"].(float64); ok {
		opt.momentum = float32(m)
	}
	if d, ok := state["dampening"].(float64); ok {
		opt.dampening = float32(d)
	}
	if n, ok := state["nesterov"].(bool); ok {
		opt.nesterov = n
	}

	return nil
}

func (opt *SGDOptimizer) Name() string {
	if opt.momentum > 0 {
		if opt.nesterov {
			return "SGD (Nesterov momentum)"
		}
		return "SGD (momentum)"
	}
	return "SGD"
}

// ============================================================================
// AdamW Optimizer (Adam with decoupled weight decay)
// ============================================================================

type AdamWOptimizer struct {
	beta1       float32
	beta2       float32
	epsilon     float32
	weightDecay float32
	step        int

	// First moment estimates (momentum)
	m map[string][]float32

	// Second moment estimates (variance)
	v map[string][]float32
}

func NewAdamWOptimizer(beta1, beta2, epsilon, weightDecay float32) *AdamWOptimizer {
	return &AdamWOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		step:        0,
		m:           make(map[string][]float32),
		v:           make(map[string][]float32),
	}
}

func NewAdamWOptimizerDefault() *AdamWOptimizer {
	return NewAdamWOptimizer(0.9, 0.999, 1e-8, 0.01)
}

// NewAdamOptimizer returns plain Adam: betas (0.9, 0.999), eps 1e-8, no weight decay
func NewAdamOptimizer() *AdamWOptimizer {
	return NewAdamWOptimizer(0.9, 0.999, 1e-8, 0)
}

func (opt *AdamWOptimizer) Step(params []*Parameter, learningRate float32) error {
	opt.step++

	// Bias correction factors
	biasCorrection1 := 1.0 - float32(math.Pow(float64(opt.beta1), float64(opt.step)))
	biasCorrection2 := 1.0 - float32(math.Pow(float64(opt.beta2), float64(opt.step)))

	for i, p := range params {
		ok, err := checkGrad(i, p)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		key := fmt.Sprintf("param_%d", i)
		if opt.m[key] == nil || len(opt.m[key]) != len(p.Value.Data) {
			opt.m[key] = make([]float32, len(p.Value.Data))
			opt.v[key] = make([]float32, len(p.Value.Data))
		}
		m, v := opt.m[key], opt.v[key]

		for j, grad := range p.Grad.Data {
			// Update biased first and second moment estimates
			m[j] = opt.beta1*m[j] + (1-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*grad*grad

			// Compute bias-corrected moments
			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2

			// Decoupled weight decay
			p.Value.Data[j] -= learningRate * (mHat/(float32(math.Sqrt(float64(vHat)))+opt.epsilon) + opt.weightDecay*p.Value.Data[j])
		}
	}
	return nil
}

func (opt *AdamWOptimizer) Reset() {
	opt.step = 0
	opt.m = make(map[string][]float32)
	opt.v = make(map[string][]float32)
}

func (opt *AdamWOptimizer) GetState() map[string]interface{} {
	return map[string]interface{}{
		"type":         "adamw",
		"beta1":        opt.beta1,
		"beta2":        opt.beta2,
		"epsilon":      opt.epsilon,
		"weight_decay": opt.weightDecay,
		"step":         opt.step,
	}
}

func (opt *AdamWOptimizer) LoadState(state map[string]interface{}) error {
	if t, ok := state["type"].(string); !ok || t != "adamw" {
		return fmt.Errorf("invalid optimizer type: expected adamw, got %v", state["type"])
	}

	if b1, ok := state["beta1"].(float64); ok {
		opt.beta1 = float32(b1)
	}
	if b2, ok := state["beta2"].(float64); ok {
		opt.beta2 = float32(b2)
	}
	if eps, ok := state["epsilon"].(float64); ok {
		opt.epsilon = float32(eps)
	}
	if wd, ok := state["weight_decay"].(float64); ok {
		opt.weightDecay = float32(wd)
	}
	if s, ok := state["step"].(float64); ok {
		opt.step = int(s)
	}

	return nil
}

func (opt *AdamWOptimizer) Name() string {
	if opt.weightDecay == 0 {
		return "Adam"
	}
	return "AdamW"
}

// ============================================================================
// RMSprop Optimizer
// ============================================================================

type RMSpropOptimizer struct {
	alpha    float32 // Decay rate
	epsilon  float32
	momentum float32

	// Running average of squared gradients
	v map[string][]float32

	// Momentum buffer (if momentum > 0)
	buf map[string][]float32
}

func NewRMSpropOptimizer(alpha, epsilon, momentum float32) *RMSpropOptimizer {
	return &RMSpropOptimizer{
		alpha:    alpha,
		epsilon:  epsilon,
		momentum: momentum,
		v:        make(map[string][]float32),
		buf:      make(map[string][]float32),
	}
}

func NewRMSpropOptimizerDefault() *RMSpropOptimizer {
	return NewRMSpropOptimizer(0.99, 1e-8, 0.0)
}

func (opt *RMSpropOptimizer) Step(params []*Parameter, learningRate float32) error {
	for i, p := range params {
		ok, err := checkGrad(i, p)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		key := fmt.Sprintf("param_%d", i)
		if opt.v[key] == nil {
			opt.v[key] = make([]float32, len(p.Value.Data))
			if opt.momentum > 0 {
				opt.buf[key] = make([]float32, len(p.Value.Data))
			}
		}
		v := opt.v[key]

		for j, grad := range p.Grad.Data {
			// v = alpha * v + (1 - alpha) * grad^2
			v[j] = opt.alpha*v[j] + (1-opt.alpha)*grad*grad
			step := grad / float32(math.Sqrt(float64(v[j]+opt.epsilon)))

			if opt.momentum > 0 {
				opt.buf[key][j] = opt.momentum*opt.buf[key][j] + step
				step = opt.buf[key][j]
			}
			p.Value.Data[j] -= learningRate * step
		}
	}
	return nil
}

func (opt *RMSpropOptimizer) Reset() {
	opt.v = make(map[string][]float32)
	opt.buf = make(map[string][]float32)
}

func (opt *RMSpropOptimizer) GetState() map[string]interface{} {
	return map[string]interface{}{
		"type":     "rmsprop",
		"alpha":    opt.alpha,
		"epsilon":  opt.epsilon,
		"momentum": opt.momentum,
	}
}

func (opt *RMSpropOptimizer) LoadState(state map[string]interface{}) error {
	if t, ok := state["type"].(string); !ok || t != "rmsprop" {
		return fmt.Errorf("invalid optimizer type: expected rmsprop, got %v", state["type"])
	}

	if a, ok := state["alpha"].(float64); ok {
		opt.alpha = float32(a)
	}
	if eps, ok := state["epsilon"].(float64); ok {
		opt.epsilon = float32(eps)
	}
	if m, ok := state["momentum"].(float64); ok {
		opt.momentum = float32(m)
	}

	return nil
}

func (opt *RMSpropOptimizer) Name() string {
	return "RMSprop"
}
