package federation

import (
	"fmt"

	"flguard/internal/dataset"
	"flguard/internal/defense"
	"flguard/internal/importance"
	"flguard/internal/localize"
	"flguard/internal/nn"
	"flguard/internal/train"
)

type Config struct {
	Rounds int `json:"rounds" yaml:"rounds"`
	// AttackRound is the zero-based round in which clients are poisoned and
	// the defense runs. Negative means the last round.
	AttackRound int   `json:"attack_round" yaml:"attack_round"`
	Clients     int   `json:"clients" yaml:"clients"`
	Degree      int   `json:"degree" yaml:"degree"`
	Workers     int   `json:"workers" yaml:"workers"`
	Seed        int64 `json:"seed" yaml:"seed"`
	// ProfileLayers caps the logical layers the localizer profiles; 0 is all.
	ProfileLayers int `json:"profile_layers" yaml:"profile_layers"`

	Architecture nn.Architecture       `json:"architecture" yaml:"architecture"`
	Train        train.Config          `json:"train" yaml:"train"`
	TopK         importance.TopKPolicy `json:"top_k" yaml:"top_k"`
	Epsilon      float64               `json:"epsilon" yaml:"epsilon"`
	Defense      defense.Config        `json:"defense" yaml:"defense"`
	Poison       dataset.PoisonConfig  `json:"poison" yaml:"poison"`
	Localize     localize.Config       `json:"localize" yaml:"localize"`
	// SkipLocalize leaves sample-level localization out of the attack round.
	SkipLocalize bool `json:"skip_localize" yaml:"skip_localize"`
}

func DefaultConfig() Config {
	return Config{
		Rounds:       5,
		AttackRound:  -1,
		Clients:      100,
		Degree:       1,
		Workers:      1,
		Seed:         1,
		Architecture: nn.Architecture{Name: nn.ArchCNN, Classes: 2, Dropout: 0.5},
		Train:        train.DefaultConfig(),
		TopK:         importance.DefaultTopKPolicy(),
		Epsilon:      importance.DefaultEpsilon,
		Defense:      defense.DefaultConfig(),
		Poison:       dataset.DefaultPoisonConfig(),
		Localize:     localize.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.Rounds < 1 {
		return fmt.Errorf("rounds must be >= 1, got %d", c.Rounds)
	}
	if c.AttackRound >= c.Rounds {
		return fmt.Errorf("attack round %d is past the last round %d", c.AttackRound, c.Rounds-1)
	}
	if c.Clients < 1 {
		return fmt.Errorf("clients must be >= 1, got %d", c.Clients)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("importance epsilon must be > 0, got %f", c.Epsilon)
	}
	if err := c.Train.Validate(); err != nil {
		return fmt.Errorf("train: %w", err)
	}
	if err := c.Defense.Validate(); err != nil {
		return fmt.Errorf("defense: %w", err)
	}
	if err := c.Poison.Validate(); err != nil {
		return fmt.Errorf("poison: %w", err)
	}
	if !c.SkipLocalize {
		if err := c.Localize.Validate(); err != nil {
			return fmt.Errorf("localize: %w", err)
		}
	}
	return nil
}

func (c Config) attackRound() int {
	if c.AttackRound < 0 {
		return c.Rounds - 1
	}
	return c.AttackRound
}
