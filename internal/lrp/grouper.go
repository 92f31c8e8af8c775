package lrp

import (
	"fmt"

	"github.com/hashicorp/go-hclog"

	"flguard/internal/nn"
)

// Rule selects the relevance redistribution applied to a logical layer.
// RuleNone marks an unimplemented layer or the input sentinel.
type Rule int

const (
	RuleNone Rule = iota
	RuleLinear
	RuleMaxPool1D
	RuleAdaptiveAvgPool1D
	RuleConv1D
)

func (r Rule) String() string {
	switch r {
	case RuleLinear:
		return "linear"
	case RuleMaxPool1D:
		return "maxpool1d"
	case RuleAdaptiveAvgPool1D:
		return "adaptive_avgpool1d"
	case RuleConv1D:
		return "conv1d"
	default:
		return "none"
	}
}

// ParseRule is the inverse of Rule.String.
func ParseRule(name string) (Rule, error) {
	for _, r := range []Rule{RuleNone, RuleLinear, RuleMaxPool1D, RuleAdaptiveAvgPool1D, RuleConv1D} {
		if r.String() == name {
			return r, nil
		}
	}
	return RuleNone, fmt.Errorf("unknown relevance rule %q", name)
}

func (r Rule) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Rule) UnmarshalText(text []byte) error {
	rule, err := ParseRule(string(text))
	if err != nil {
		return err
	}
	*r = rule
	return nil
}

func ruleFor(kind nn.LayerKind) (Rule, bool) {
	switch kind {
	case nn.KindLinear:
		return RuleLinear, true
	case nn.KindMaxPool1D:
		return RuleMaxPool1D, true
	case nn.KindAdaptiveAvgPool1D:
		return RuleAdaptiveAvgPool1D, true
	case nn.KindConv1D:
		return RuleConv1D, true
	default:
		return RuleNone, false
	}
}

// LogicalLayer is a primitive plus the activations that follow it, in
// forward order. Handles index into the network's layer list.
type LogicalLayer struct {
	Index    int      `json:"index"`
	Names    []string `json:"names,omitempty"`
	Handles  []int    `json:"-"`
	Rule     Rule     `json:"rule"`
	Sentinel bool     `json:"sentinel,omitempty"`
}

// Output is the name of the layer whose captured output is this logical
// layer's outgoing activation.
func (l LogicalLayer) Output() string {
	if len(l.Names) == 0 {
		return ""
	}
	return l.Names[len(l.Names)-1]
}

func (l LogicalLayer) primary() int {
	if len(l.Handles) == 0 {
		return -1
	}
	return l.Handles[0]
}

// Grouping maps logical layer indices 1..N to their layers. Index 0 is the
// network's prediction and is not stored.
type Grouping struct {
	layers []LogicalLayer
}

func (g Grouping) Len() int {
	return len(g.layers)
}

// Layer returns logical layer i (1-based).
func (g Grouping) Layer(i int) (LogicalLayer, bool) {
	if i < 1 || i > len(g.layers) {
		return LogicalLayer{}, false
	}
	return g.layers[i-1], true
}

func (g Grouping) Layers() []LogicalLayer {
	return append([]LogicalLayer(nil), g.layers...)
}

// BuildGrouping walks the hooked network from output to input, folding
// activations into the primitive before them and eliding dropout and batch
// norm. maxLayers of 0 walks the whole network. Every grouped layer is
// registered on the hook for capture.
func BuildGrouping(hook *nn.Hook, maxLayers int, logger hclog.Logger) (Grouping, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	infos := hook.Layers()
	if maxLayers <= 0 {
		maxLayers = len(infos)
	}

	var (
		grouping Grouping
		pending  []nn.LayerInfo
		names    []string
	)
	closeGroup := func(rule Rule) {
		group := LogicalLayer{Index: len(grouping.layers) + 1, Rule: rule}
		for _, info := range pending {
			group.Names = append(group.Names, info.Name)
			group.Handles = append(group.Handles, info.Index)
			names = append(names, info.Name)
		}
		grouping.layers = append(grouping.layers, group)
		pending = nil
	}

	exhausted := true
	for i := len(infos) - 1; i >= 0; i-- {
		info := infos[i]
		if len(grouping.layers) == maxLayers {
			pending = append([]nn.LayerInfo{info}, pending...)
			closeGroup(RuleNone)
			exhausted = false
			break
		}
		switch info.Kind {
		case nn.KindDropout, nn.KindBatchNorm:
			continue
		case nn.KindActivation:
			pending = append([]nn.LayerInfo{info}, pending...)
			continue
		}
		pending = append([]nn.LayerInfo{info}, pending...)
		rule, ok := ruleFor(info.Kind)
		if !ok {
			logger.Warn("profiler has no rule for layer, stopping walk", "layer", info.Name, "kind", info.Kind.String())
			closeGroup(RuleNone)
			exhausted = false
			break
		}
		closeGroup(rule)
	}
	if exhausted {
		grouping.layers = append(grouping.layers, LogicalLayer{
			Index:    len(grouping.layers) + 1,
			Rule:     RuleNone,
			Sentinel: true,
		})
	}

	if err := hook.Register(names...); err != nil {
		return Grouping{}, fmt.Errorf("register grouped layers: %w", err)
	}
	logger.Debug("built logical layers", "count", grouping.Len(), "max_layers", maxLayers)
	return grouping, nil
}
