package importance

import (
	"math"

	"flguard/internal/nn"
)

// TopKPolicy sizes the per-parameter selection: Cap entries for tensors
// larger than SizeLimit, otherwise floor(Fraction × size).
type TopKPolicy struct {
	Cap       int     `json:"cap" yaml:"cap"`
	SizeLimit int     `json:"size_limit" yaml:"size_limit"`
	Fraction  float64 `json:"fraction" yaml:"fraction"`
}

func DefaultTopKPolicy() TopKPolicy {
	return TopKPolicy{Cap: 100, SizeLimit: 1000, Fraction: 0.1}
}

func (p TopKPolicy) K(size int) int {
	if size > p.SizeLimit {
		if p.Cap > size {
			return size
		}
		return p.Cap
	}
	return int(math.Floor(p.Fraction * float64(size)))
}

// Selection maps parameter names to flat indices, most important first.
type Selection map[string][]int

// SelectTopK keeps the K largest Omega entries of every parameter.
func SelectTopK(omega nn.Params, policy TopKPolicy) Selection {
	out := make(Selection, len(omega))
	for name, o := range omega {
		out[name] = o.TopKByValue(policy.K(o.Len()))
	}
	return out
}
