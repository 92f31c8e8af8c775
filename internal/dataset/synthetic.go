package dataset

import (
	"fmt"
	"math/rand"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"flguard/internal/tensor"
)

// SyntheticConfig describes Gaussian class clusters standing in for a
// network-intrusion dataset: label 0 is normal traffic and labels
// 1..AttackClasses are attack families.
type SyntheticConfig struct {
	Normal        int     `json:"normal" yaml:"normal"`
	PerAttack     int     `json:"per_attack" yaml:"per_attack"`
	AttackClasses int     `json:"attack_classes" yaml:"attack_classes"`
	Features      int     `json:"features" yaml:"features"`
	Spread        float64 `json:"spread" yaml:"spread"`
	Seed          int64   `json:"seed" yaml:"seed"`
}

func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Normal:        2000,
		PerAttack:     500,
		AttackClasses: 4,
		Features:      16,
		Spread:        0.05,
		Seed:          1,
	}
}

func (c SyntheticConfig) Validate() error {
	if c.Normal < 1 || c.PerAttack < 0 || c.AttackClasses < 0 {
		return fmt.Errorf("invalid class sizes: normal=%d per_attack=%d attack_classes=%d", c.Normal, c.PerAttack, c.AttackClasses)
	}
	if c.Features < 1 {
		return fmt.Errorf("features must be >= 1, got %d", c.Features)
	}
	if c.Spread <= 0 {
		return fmt.Errorf("spread must be > 0, got %f", c.Spread)
	}
	return nil
}

// Synthetic draws one cluster centre per class uniformly in [0,1]^F and
// scatters rows around it with Gaussian noise. Rows come out shuffled.
func Synthetic(cfg SyntheticConfig) (Dataset, error) {
	if err := cfg.Validate(); err != nil {
		return Dataset{}, err
	}
	src := xrand.NewSource(uint64(cfg.Seed))
	unit := distuv.Uniform{Min: 0, Max: 1, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: cfg.Spread, Src: src}

	total := cfg.Normal + cfg.PerAttack*cfg.AttackClasses
	ds := Dataset{X: make([]tensor.Tensor, 0, total), Y: make([]int, 0, total)}
	for class := 0; class <= cfg.AttackClasses; class++ {
		count := cfg.PerAttack
		if class == 0 {
			count = cfg.Normal
		}
		centre := make([]float64, cfg.Features)
		for i := range centre {
			centre[i] = unit.Rand()
		}
		for n := 0; n < count; n++ {
			row := make([]float64, cfg.Features)
			for i := range row {
				row[i] = centre[i] + noise.Rand()
			}
			ds.X = append(ds.X, tensor.Tensor{Shape: []int{1, cfg.Features}, Data: row})
			ds.Y = append(ds.Y, class)
		}
	}

	perm := rand.New(rand.NewSource(cfg.Seed)).Perm(total)
	return ds.Subset(perm), nil
}
