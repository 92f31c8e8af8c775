package defense

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"flguard/internal/importance"
	"flguard/internal/nn"
)

// ConsensusIndex counts how many clients selected each flat index and keeps,
// per parameter, the indices whose count is strictly greater than threshold.
// Indices are returned ascending; parameters with no survivor map to an
// empty slice.
func ConsensusIndex(selections []importance.Selection, threshold int) map[string][]int {
	counts := make(map[string]map[int]int)
	for _, sel := range selections {
		for name, indices := range sel {
			c := counts[name]
			if c == nil {
				c = make(map[int]int)
				counts[name] = c
			}
			for _, idx := range indices {
				c[idx]++
			}
		}
	}
	out := make(map[string][]int, len(counts))
	for name, c := range counts {
		kept := []int{}
		for idx, n := range c {
			if n > threshold {
				kept = append(kept, idx)
			}
		}
		sort.Ints(kept)
		out[name] = kept
	}
	return out
}

// FeatureMatrix builds one row per client holding its parameter deltas
// against pre at the consensus indices, parameters taken in name order.
// Parameters with an empty consensus contribute no columns.
func FeatureMatrix(clients []nn.Params, pre nn.Params, consensus map[string][]int) ([][]float64, error) {
	names := make([]string, 0, len(consensus))
	width := 0
	for name, indices := range consensus {
		if len(indices) == 0 {
			continue
		}
		names = append(names, name)
		width += len(indices)
	}
	sort.Strings(names)

	rows := make([][]float64, len(clients))
	for i, client := range clients {
		row := make([]float64, 0, width)
		for _, name := range names {
			current, ok := client[name]
			if !ok {
				return nil, fmt.Errorf("client %d: parameter %s missing", i, name)
			}
			base, ok := pre[name]
			if !ok {
				return nil, fmt.Errorf("pre-round parameter %s missing", name)
			}
			for _, idx := range consensus[name] {
				if idx < 0 || idx >= current.Len() || idx >= base.Len() {
					return nil, fmt.Errorf("client %d: index %d out of range for %s", i, idx, name)
				}
				row = append(row, current.Data[idx]-base.Data[idx])
			}
		}
		rows[i] = row
	}
	return rows, nil
}

// MinMaxScale rescales every column to [0, 1]; constant columns become 0.
func MinMaxScale(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	if len(rows) == 0 {
		return out
	}
	width := len(rows[0])
	if width == 0 {
		for i := range out {
			out[i] = []float64{}
		}
		return out
	}

	m := mat.NewDense(len(rows), width, nil)
	for i, row := range rows {
		m.SetRow(i, row)
	}
	col := make([]float64, len(rows))
	for j := 0; j < width; j++ {
		mat.Col(col, j, m)
		lo, hi := floats.Min(col), floats.Max(col)
		span := hi - lo
		for i, v := range col {
			if span > 0 {
				m.Set(i, j, (v-lo)/span)
			} else {
				m.Set(i, j, 0)
			}
		}
	}
	for i := range out {
		out[i] = mat.Row(nil, i, m)
	}
	return out
}
