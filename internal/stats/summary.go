package stats

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"flguard/internal/model"
)

// RoundSummary condenses a run's global accuracy curve.
type RoundSummary struct {
	RunID           string  `json:"run_id"`
	Rounds          int     `json:"rounds"`
	InitialAccuracy float64 `json:"initial_accuracy"`
	FinalAccuracy   float64 `json:"final_accuracy"`
	MeanAccuracy    float64 `json:"mean_accuracy"`
	StdAccuracy     float64 `json:"std_accuracy"`
	MaxAccuracy     float64 `json:"max_accuracy"`
	MinAccuracy     float64 `json:"min_accuracy"`
	// DefendedDrop is the accuracy change across the defended round,
	// zero when no round was defended.
	DefendedDrop float64 `json:"defended_drop"`
	Flagged      int     `json:"flagged"`
}

func SummarizeRounds(runID string, rounds []model.RoundRecord) RoundSummary {
	summary := RoundSummary{RunID: runID, Rounds: len(rounds)}
	if len(rounds) == 0 {
		return summary
	}
	acc := make([]float64, len(rounds))
	for i, r := range rounds {
		acc[i] = r.Accuracy
		if r.Defended {
			summary.Flagged = r.Flagged
			if i > 0 {
				summary.DefendedDrop = acc[i-1] - r.Accuracy
			}
		}
	}
	summary.InitialAccuracy = acc[0]
	summary.FinalAccuracy = acc[len(acc)-1]
	summary.MaxAccuracy = floats.Max(acc)
	summary.MinAccuracy = floats.Min(acc)
	if len(acc) == 1 {
		summary.MeanAccuracy = acc[0]
		return summary
	}
	summary.MeanAccuracy, summary.StdAccuracy = stat.MeanStdDev(acc, nil)
	return summary
}
