package federation

import (
	"flguard/internal/defense"
	"flguard/internal/localize"
	"flguard/internal/nn"
)

// RoundStats is the global model's state after one round.
type RoundStats struct {
	Round     int     `json:"round"`
	Accuracy  float64 `json:"accuracy"`
	Loss      float64 `json:"loss"`
	TrainLoss float64 `json:"train_loss"`
	Defended  bool    `json:"defended"`
	Poisoned  int     `json:"poisoned"`
	Flagged   int     `json:"flagged"`
	Millis    int64   `json:"millis"`
}

// Detection records what the defense and the localizer saw in the attack
// round.
type Detection struct {
	Round             int               `json:"round"`
	Truth             []int             `json:"truth"`
	Labels            []int             `json:"labels"`
	Scores            []float64         `json:"scores"`
	Threshold         float64           `json:"threshold"`
	ConsensusSize     int               `json:"consensus_size"`
	Confusion         defense.Confusion `json:"confusion"`
	AggregationFailed bool              `json:"aggregation_failed"`
	Localization      *localize.Report  `json:"localization,omitempty"`
}

type Result struct {
	Architecture nn.Architecture `json:"architecture"`
	Rounds       []RoundStats    `json:"rounds"`
	Detection    *Detection      `json:"detection,omitempty"`
	// Global is the final global state dict.
	Global nn.Params `json:"-"`
}

// Last returns the stats of the final completed round.
func (r Result) Last() (RoundStats, bool) {
	if len(r.Rounds) == 0 {
		return RoundStats{}, false
	}
	return r.Rounds[len(r.Rounds)-1], true
}
