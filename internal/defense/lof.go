package defense

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LOF scores each client row by how sparse its neighbourhood is compared
// with the neighbourhoods of its K nearest rows.
type LOF struct {
	K             int
	Contamination float64
}

func NewLOF(k int, contamination float64) *LOF {
	return &LOF{K: k, Contamination: contamination}
}

func (l *LOF) Name() string { return DetectorLOF }

func (l *LOF) Fit(rows [][]float64) (Verdict, error) {
	if _, err := checkRows(rows); err != nil {
		return Verdict{}, err
	}
	n := len(rows)
	if n < 2 {
		return Verdict{Labels: make([]int, n), Scores: make([]float64, n)}, nil
	}
	k := l.K
	if k < 1 {
		k = 1
	}
	if k > n-1 {
		k = n - 1
	}

	dist := exactDistances(rows)
	neighbors := make([][]int, n)
	kDist := make([]float64, n)
	for i := range rows {
		neighbors[i] = nearest(dist, i, k)
		kDist[i] = dist.At(i, neighbors[i][k-1])
	}

	density := make([]float64, n)
	for i := range rows {
		density[i] = reachDensity(dist, i, neighbors[i], kDist)
	}

	scores := make([]float64, n)
	for i := range rows {
		if math.IsInf(density[i], 1) {
			scores[i] = 1
			continue
		}
		sum := 0.0
		for _, j := range neighbors[i] {
			sum += density[j]
		}
		scores[i] = (sum / float64(k)) / density[i]
		if math.IsInf(scores[i], 0) || math.IsNaN(scores[i]) {
			scores[i] = math.MaxFloat64
		}
	}
	return labelByContamination(scores, l.Contamination), nil
}

// exactDistances is the pairwise L2 matrix. Duplicate rows must come out
// at exactly zero, which the Gram form used by SOS does not guarantee.
func exactDistances(rows [][]float64) *mat.SymDense {
	n := len(rows)
	d := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d.SetSym(i, j, floats.Distance(rows[i], rows[j], 2))
		}
	}
	return d
}

// nearest returns the k rows closest to i, ties going to the lower index.
func nearest(dist *mat.SymDense, i, k int) []int {
	n, _ := dist.Dims()
	order := make([]int, 0, n-1)
	for j := 0; j < n; j++ {
		if j != i {
			order = append(order, j)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return dist.At(i, order[a]) < dist.At(i, order[b])
	})
	return order[:k]
}

// reachDensity is the inverse mean reachability distance from i to its
// neighbours, where reaching j costs at least j's k-distance.
func reachDensity(dist *mat.SymDense, i int, neighbors []int, kDist []float64) float64 {
	total := 0.0
	for _, j := range neighbors {
		total += math.Max(dist.At(i, j), kDist[j])
	}
	mean := total / float64(len(neighbors))
	if mean == 0 {
		return math.Inf(1)
	}
	return 1 / mean
}
