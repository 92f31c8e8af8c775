package defense

import "fmt"

// Confusion compares predicted labels with ground truth, 1 being positive.
type Confusion struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	TN int `json:"tn"`
	FN int `json:"fn"`
}

func NewConfusion(truth, predicted []int) (Confusion, error) {
	if len(truth) != len(predicted) {
		return Confusion{}, fmt.Errorf("%d truth labels for %d predictions", len(truth), len(predicted))
	}
	var c Confusion
	for i := range truth {
		switch {
		case truth[i] == 1 && predicted[i] == 1:
			c.TP++
		case truth[i] == 0 && predicted[i] == 1:
			c.FP++
		case truth[i] == 1:
			c.FN++
		default:
			c.TN++
		}
	}
	return c, nil
}

func (c Confusion) Precision() float64 {
	return ratio(c.TP, c.TP+c.FP)
}

func (c Confusion) Recall() float64 {
	return ratio(c.TP, c.TP+c.FN)
}

func (c Confusion) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}
