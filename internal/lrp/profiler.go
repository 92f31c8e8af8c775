package lrp

import (
	"fmt"

	"github.com/hashicorp/go-hclog"

	"flguard/internal/nn"
	"flguard/internal/tensor"
)

const DefaultThreshold = 0.5

// Options controls one relevance walk.
type Options struct {
	// LayerLimit of 0, or at least the grouping length, walks every layer.
	LayerLimit int     `json:"layer_limit" yaml:"layer_limit"`
	Threshold  float64 `json:"threshold" yaml:"threshold"`
	// RuleThresholds overrides Threshold for specific rules, keyed by rule
	// name in config files (linear, conv1d, ...).
	RuleThresholds map[Rule]float64 `json:"rule_thresholds,omitempty" yaml:"rule_thresholds,omitempty"`
}

func (o Options) Validate() error {
	if o.LayerLimit < 0 {
		return fmt.Errorf("layer limit must be >= 0, got %d", o.LayerLimit)
	}
	if o.Threshold < 0 || o.Threshold > 1 {
		return fmt.Errorf("threshold must be in [0, 1], got %f", o.Threshold)
	}
	for rule, t := range o.RuleThresholds {
		if t <= 0 || t > 1 {
			return fmt.Errorf("threshold for %s must be in (0, 1], got %f", rule, t)
		}
	}
	return nil
}

func (o Options) thresholdFor(rule Rule) float64 {
	if t, ok := o.RuleThresholds[rule]; ok && t > 0 {
		return clampThreshold(t)
	}
	if o.Threshold <= 0 {
		return DefaultThreshold
	}
	return clampThreshold(o.Threshold)
}

func clampThreshold(t float64) float64 {
	if t > 1 {
		return 1
	}
	return t
}

// Profiler walks relevance from a network's prediction back toward its
// input, one logical layer at a time.
type Profiler struct {
	hook     *nn.Hook
	grouping Grouping
	logger   hclog.Logger

	// OnAbort, when set, is told about every walk cut short by an error.
	OnAbort func(layer int, err error)
}

func NewProfiler(hook *nn.Hook, grouping Grouping, logger hclog.Logger) *Profiler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Profiler{hook: hook, grouping: grouping, logger: logger}
}

func (p *Profiler) Grouping() Grouping {
	return p.grouping
}

// Profile runs one forward pass for x and returns its relevance profile. A
// failure at any logical layer stops the walk; the profile then covers the
// layers completed so far and carries the cause in Err.
func (p *Profiler) Profile(x tensor.Tensor, opts Options) Profile {
	profile := NewProfile()

	y, actives, err := p.hook.Forward(x)
	if err != nil {
		profile.Err = fmt.Errorf("forward: %w", err)
		p.abort(0, profile.Err)
		return profile
	}
	profile.NumInputs = 1

	neuron := y.Argmax()
	if neuron < 0 {
		profile.Err = fmt.Errorf("empty network output")
		p.abort(0, profile.Err)
		return profile
	}
	profile.record(0, Contribution{
		Neurons:  []int{neuron},
		Synapses: map[Synapse]int{{From: neuron, To: neuron, Layer: 0}: 1},
		Weights:  []float64{y.Data[neuron]},
	})
	relevance := tensor.Zeros(y.Shape...)
	relevance.Data[neuron] = y.Data[neuron]

	n := p.grouping.Len()
	if opts.LayerLimit > 0 && opts.LayerLimit < n {
		n = opts.LayerLimit + 1
	}
	net := p.hook.Network()
	for ldx := 1; ldx < n; ldx++ {
		c, err := p.step(net, ldx, x, actives, relevance, opts)
		if err != nil {
			profile.Err = fmt.Errorf("logical layer %d: %w", ldx, err)
			p.abort(ldx, profile.Err)
			break
		}
		profile.record(ldx, c)
		relevance = c.Relevance
	}
	return profile
}

func (p *Profiler) step(net *nn.Network, ldx int, x tensor.Tensor, actives map[string]tensor.Tensor, r tensor.Tensor, opts Options) (Contribution, error) {
	current, ok := p.grouping.Layer(ldx)
	if !ok {
		return Contribution{}, fmt.Errorf("logical layer out of range")
	}
	previous, ok := p.grouping.Layer(ldx + 1)
	if !ok {
		return Contribution{}, fmt.Errorf("no logical layer below %d", ldx)
	}

	xIn := x
	if !previous.Sentinel {
		xIn, ok = actives[previous.Output()]
		if !ok {
			return Contribution{}, fmt.Errorf("no captured output for %s", previous.Output())
		}
	}
	yOut, ok := actives[current.Output()]
	if !ok {
		return Contribution{}, fmt.Errorf("no captured output for %s", current.Output())
	}
	if yOut.Len() != r.Len() {
		return Contribution{}, fmt.Errorf("%w: relevance %v for output %v", tensor.ErrShapeMismatch, r.Shape, yOut.Shape)
	}
	handle := current.primary()
	if current.Rule == RuleNone || handle < 0 {
		return Contribution{}, fmt.Errorf("no contribution rule for %v", current.Names)
	}
	return applyRule(net.Layer(handle), current.Rule, ldx, xIn, r, opts.thresholdFor(current.Rule))
}

func (p *Profiler) abort(layer int, err error) {
	p.logger.Debug("profile aborted", "layer", layer, "error", err)
	if p.OnAbort != nil {
		p.OnAbort(layer, err)
	}
}
