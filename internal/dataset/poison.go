package dataset

import "fmt"

// PoisonConfig parameterizes the label-flipping attack.
type PoisonConfig struct {
	// FlipFraction of a client's anomalies must round down to at least one
	// row for the client to be attackable.
	FlipFraction float64 `json:"flip_fraction" yaml:"flip_fraction"`
	// Rate is the share of anomaly rows kept, relabeled normal.
	Rate       float64 `json:"rate" yaml:"rate"`
	MaxClients int     `json:"max_clients" yaml:"max_clients"`
}

func DefaultPoisonConfig() PoisonConfig {
	return PoisonConfig{FlipFraction: 0.8, Rate: 0.5, MaxClients: 40}
}

func (c PoisonConfig) Validate() error {
	if c.FlipFraction < 0 || c.FlipFraction > 1 {
		return fmt.Errorf("flip fraction must be in [0, 1], got %f", c.FlipFraction)
	}
	if c.Rate < 0 || c.Rate > 1 {
		return fmt.Errorf("poison rate must be in [0, 1], got %f", c.Rate)
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("max poisoned clients must be >= 0, got %d", c.MaxClients)
	}
	return nil
}

// LabelFlip builds a poisoned copy of a binarized client dataset: its
// normal rows followed by the first Rate share of its anomaly rows, all
// labeled 0. It returns the positions of the relabeled rows in the new
// dataset, and ok=false when the client has too few anomalies to attack.
func LabelFlip(d Dataset, cfg PoisonConfig) (Dataset, []int, bool) {
	anomalies := d.Indices(func(y int) bool { return y == 1 })
	flips := int(cfg.FlipFraction * float64(len(anomalies)))
	if flips == 0 {
		return d, nil, false
	}
	keep := int(cfg.Rate * float64(len(anomalies)))
	if keep > flips {
		keep = flips
	}

	clean := d.Subset(d.Indices(func(y int) bool { return y != 1 }))
	poison := d.Subset(anomalies[:keep])
	for i := range poison.Y {
		poison.Y[i] = 0
	}
	positions := make([]int, keep)
	for i := range positions {
		positions[i] = clean.Len() + i
	}
	return clean.Concat(poison), positions, true
}
