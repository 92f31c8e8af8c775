package defense

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// SOS is stochastic outlier selection: each row spreads a unit of affinity
// over the others, with a bandwidth tuned so its affinity distribution has
// the requested perplexity. A row that nobody is drawn to is an outlier.
type SOS struct {
	Perplexity    float64
	Contamination float64
	Tolerance     float64
	MaxTries      int
}

func NewSOS(perplexity, contamination float64) *SOS {
	return &SOS{Perplexity: perplexity, Contamination: contamination, Tolerance: 1e-5, MaxTries: 5000}
}

func (s *SOS) Name() string { return DetectorSOS }

func (s *SOS) Fit(rows [][]float64) (Verdict, error) {
	width, err := checkRows(rows)
	if err != nil {
		return Verdict{}, err
	}
	n := len(rows)
	if n < 2 {
		return Verdict{Labels: make([]int, n), Scores: make([]float64, n)}, nil
	}

	d := distanceMatrix(rows, width)
	a := s.affinities(d)

	// binding probabilities, then outlier probability per column
	scores := make([]float64, n)
	for j := range scores {
		scores[j] = 1
	}
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < n; j++ {
			sum += a.At(i, j)
		}
		if sum == 0 {
			continue
		}
		for j := 0; j < n; j++ {
			scores[j] *= 1 - a.At(i, j)/sum
		}
	}
	return labelByContamination(scores, s.Contamination), nil
}

// distanceMatrix returns pairwise euclidean distances via the Gram matrix.
func distanceMatrix(rows [][]float64, width int) *mat.Dense {
	n := len(rows)
	d := mat.NewDense(n, n, nil)
	if width == 0 {
		return d
	}
	x := mat.NewDense(n, width, nil)
	for i, row := range rows {
		x.SetRow(i, row)
	}
	var gram mat.Dense
	gram.Mul(x, x.T())
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sq := gram.At(i, i) + gram.At(j, j) - 2*gram.At(i, j)
			dist := math.Sqrt(math.Abs(sq))
			d.Set(i, j, dist)
			d.Set(j, i, dist)
		}
	}
	return d
}

// affinities binary-searches a per-row precision so that the entropy of the
// row's affinities equals log(perplexity).
func (s *SOS) affinities(d *mat.Dense) *mat.Dense {
	n, _ := d.Dims()
	a := mat.NewDense(n, n, nil)
	logU := math.Log(s.Perplexity)
	others := make([]float64, 0, n-1)
	for i := 0; i < n; i++ {
		others = others[:0]
		for j := 0; j < n; j++ {
			if j != i {
				others = append(others, d.At(i, j))
			}
		}
		beta := 1.0
		betaMin, betaMax := math.Inf(-1), math.Inf(1)
		h, row := perplexityOf(others, beta)
		diff := h - logU
		for tries := 0; (math.IsNaN(diff) || math.Abs(diff) > s.Tolerance) && tries < s.MaxTries; tries++ {
			switch {
			case math.IsNaN(diff):
				beta /= 10
			case diff > 0:
				betaMin = beta
				if math.IsInf(betaMax, 0) {
					beta *= 2
				} else {
					beta = (beta + betaMax) / 2
				}
			default:
				betaMax = beta
				if math.IsInf(betaMin, 0) {
					beta /= 2
				} else {
					beta = (beta + betaMin) / 2
				}
			}
			if beta == 0 {
				// every affinity is already 1; entropy cannot grow further
				h, row = perplexityOf(others, beta)
				break
			}
			h, row = perplexityOf(others, beta)
			diff = h - logU
		}
		k := 0
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			a.Set(i, j, row[k])
			k++
		}
	}
	return a
}

func perplexityOf(dist []float64, beta float64) (float64, []float64) {
	row := make([]float64, len(dist))
	sum, weighted := 0.0, 0.0
	for i, d := range dist {
		row[i] = math.Exp(-d * beta)
		sum += row[i]
		weighted += d * row[i]
	}
	return math.Log(sum) + beta*weighted/sum, row
}
