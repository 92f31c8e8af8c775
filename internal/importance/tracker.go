// Package importance scores how much each parameter mattered during one
// client's local training round.
package importance

import (
	"errors"
	"fmt"
	"math"

	"flguard/internal/nn"
	"flguard/internal/tensor"
)

const DefaultEpsilon = 1e-4

var ErrNotStarted = errors.New("importance tracker not started")

// Tracker accumulates Weight[n] = Σ -grad × (after - before) over every
// optimizer step of a round.
type Tracker struct {
	start  nn.Params
	weight nn.Params
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Begin snapshots the round-start parameters and clears any previous weight.
func (t *Tracker) Begin(params nn.Params) {
	t.start = params.Clone()
	t.weight = make(nn.Params, len(params))
	for name, value := range params {
		t.weight[name] = tensor.Zeros(value.Shape...)
	}
}

// Observe folds one optimizer step into the accumulated weight. Parameters
// without a gradient are skipped.
func (t *Tracker) Observe(grads, before, after nn.Params) error {
	if t.weight == nil {
		return ErrNotStarted
	}
	for name, w := range t.weight {
		g, ok := grads[name]
		if !ok {
			continue
		}
		b, okBefore := before[name]
		a, okAfter := after[name]
		if !okBefore || !okAfter {
			return fmt.Errorf("parameter %s missing from step snapshot", name)
		}
		if g.Len() != w.Len() || b.Len() != w.Len() || a.Len() != w.Len() {
			return fmt.Errorf("%w: step for %s", tensor.ErrShapeMismatch, name)
		}
		for i := range w.Data {
			w.Data[i] -= g.Data[i] * (a.Data[i] - b.Data[i])
		}
	}
	return nil
}

func (t *Tracker) Weight() nn.Params {
	return t.weight.Clone()
}

// Consolidate computes Omega for the tracked round against current.
func (t *Tracker) Consolidate(current nn.Params, epsilon float64) (nn.Params, error) {
	if t.weight == nil {
		return nil, ErrNotStarted
	}
	return Consolidate(t.weight, t.start, current, epsilon)
}

// Consolidate returns Omega = max(Weight, 0) / ((current - start)² + epsilon)
// for every parameter in weight.
func Consolidate(weight, start, current nn.Params, epsilon float64) (nn.Params, error) {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	omega := make(nn.Params, len(weight))
	for name, w := range weight {
		s, okStart := start[name]
		c, okCurrent := current[name]
		if !okStart || !okCurrent {
			return nil, fmt.Errorf("parameter %s missing from start or current values", name)
		}
		if s.Len() != w.Len() || c.Len() != w.Len() {
			return nil, fmt.Errorf("%w: consolidate %s", tensor.ErrShapeMismatch, name)
		}
		o := tensor.Zeros(w.Shape...)
		for i := range o.Data {
			d := c.Data[i] - s.Data[i]
			o.Data[i] = math.Max(w.Data[i], 0) / (d*d + epsilon)
		}
		omega[name] = o
	}
	return omega, nil
}
