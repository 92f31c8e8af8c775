package train

import (
	"fmt"
	"math"

	"flguard/internal/nn"
	"flguard/internal/tensor"
)

const (
	OptimizerAdam = "adam"
	OptimizerSGD  = "sgd"
)

// Optimizer updates parameters in place from averaged batch gradients.
type Optimizer interface {
	Name() string
	Step(params []nn.Param, grads nn.Params) error
}

func NewOptimizer(cfg Config) (Optimizer, error) {
	switch cfg.Optimizer {
	case "", OptimizerAdam:
		return NewAdam(cfg.LearningRate, cfg.Beta1, cfg.Beta2, cfg.Epsilon), nil
	case OptimizerSGD:
		return NewSGD(cfg.LearningRate, cfg.Momentum), nil
	default:
		return nil, fmt.Errorf("unsupported optimizer: %s", cfg.Optimizer)
	}
}

// Adam follows the PyTorch update with bias-corrected moments.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	step int
	m    map[string][]float64
	v    map[string][]float64
}

func NewAdam(lr, beta1, beta2, epsilon float64) *Adam {
	return &Adam{
		LearningRate: lr,
		Beta1:        beta1,
		Beta2:        beta2,
		Epsilon:      epsilon,
		m:            make(map[string][]float64),
		v:            make(map[string][]float64),
	}
}

func (a *Adam) Name() string { return OptimizerAdam }

func (a *Adam) Step(params []nn.Param, grads nn.Params) error {
	a.step++
	correct1 := 1 - math.Pow(a.Beta1, float64(a.step))
	correct2 := 1 - math.Pow(a.Beta2, float64(a.step))
	for _, p := range params {
		g, ok := grads[p.Name]
		if !ok {
			continue
		}
		if g.Len() != p.Value.Len() {
			return fmt.Errorf("%w: gradient for %s", tensor.ErrShapeMismatch, p.Name)
		}
		m := a.m[p.Name]
		if m == nil {
			m = make([]float64, g.Len())
			a.m[p.Name] = m
		}
		v := a.v[p.Name]
		if v == nil {
			v = make([]float64, g.Len())
			a.v[p.Name] = v
		}
		for i, gi := range g.Data {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*gi
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*gi*gi
			mHat := m[i] / correct1
			vHat := v[i] / correct2
			p.Value.Data[i] -= a.LearningRate * mHat / (math.Sqrt(vHat) + a.Epsilon)
		}
	}
	return nil
}

// SGD with classical momentum.
type SGD struct {
	LearningRate float64
	Momentum     float64

	velocity map[string][]float64
}

func NewSGD(lr, momentum float64) *SGD {
	return &SGD{LearningRate: lr, Momentum: momentum, velocity: make(map[string][]float64)}
}

func (s *SGD) Name() string { return OptimizerSGD }

func (s *SGD) Step(params []nn.Param, grads nn.Params) error {
	for _, p := range params {
		g, ok := grads[p.Name]
		if !ok {
			continue
		}
		if g.Len() != p.Value.Len() {
			return fmt.Errorf("%w: gradient for %s", tensor.ErrShapeMismatch, p.Name)
		}
		buf := s.velocity[p.Name]
		if buf == nil {
			buf = make([]float64, g.Len())
			s.velocity[p.Name] = buf
		}
		for i, gi := range g.Data {
			buf[i] = s.Momentum*buf[i] + gi
			p.Value.Data[i] -= s.LearningRate * buf[i]
		}
	}
	return nil
}
