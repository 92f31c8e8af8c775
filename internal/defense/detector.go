package defense

import (
	"fmt"

	"flguard/internal/tensor"
)

const (
	DetectorSOS = "sos"
	DetectorLOF = "lof"
)

// Verdict is a detector's output: one 0/1 label per row plus the raw
// outlier scores and the cut applied to them.
type Verdict struct {
	Labels    []int     `json:"labels"`
	Scores    []float64 `json:"scores"`
	Threshold float64   `json:"threshold"`
}

// Detector labels rows of a feature matrix as normal (0) or outlier (1).
type Detector interface {
	Fit(rows [][]float64) (Verdict, error)
	Name() string
}

func NewDetector(name string, contamination float64, neighbors int) (Detector, error) {
	switch name {
	case "", DetectorSOS:
		return NewSOS(float64(neighbors), contamination), nil
	case DetectorLOF:
		return NewLOF(neighbors, contamination), nil
	default:
		return nil, fmt.Errorf("unsupported outlier detector: %s", name)
	}
}

// labelByContamination marks scores above the (1 - contamination) percentile.
func labelByContamination(scores []float64, contamination float64) Verdict {
	v := Verdict{Labels: make([]int, len(scores)), Scores: scores}
	if len(scores) == 0 {
		return v
	}
	v.Threshold = tensor.Percentile(scores, 100*(1-contamination))
	for i, s := range scores {
		if s > v.Threshold {
			v.Labels[i] = 1
		}
	}
	return v
}

func checkRows(rows [][]float64) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	width := len(rows[0])
	for i, row := range rows {
		if len(row) != width {
			return 0, fmt.Errorf("row %d has %d features, want %d", i, len(row), width)
		}
	}
	return width, nil
}
