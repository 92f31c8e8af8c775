// Package dataset holds labeled feature rows and the ways the experiment
// loads, binarizes and splits them across clients.
package dataset

import (
	"fmt"
	"math/rand"
	"sort"

	"flguard/internal/tensor"
)

// Dataset is a set of feature rows shaped [1, F] with integer labels.
type Dataset struct {
	X []tensor.Tensor
	Y []int
}

func (d Dataset) Len() int {
	return len(d.Y)
}

func (d Dataset) Validate() error {
	if len(d.X) != len(d.Y) {
		return fmt.Errorf("%d feature rows for %d labels", len(d.X), len(d.Y))
	}
	if len(d.X) == 0 {
		return nil
	}
	width := d.X[0].Len()
	for i, x := range d.X {
		if x.Len() != width {
			return fmt.Errorf("%w: row %d has %d features, want %d", tensor.ErrShapeMismatch, i, x.Len(), width)
		}
	}
	return nil
}

// Features is the row width, 0 for an empty dataset.
func (d Dataset) Features() int {
	if len(d.X) == 0 {
		return 0
	}
	return d.X[0].Len()
}

// Classes returns the distinct labels, ascending.
func (d Dataset) Classes() []int {
	seen := make(map[int]struct{})
	for _, y := range d.Y {
		seen[y] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for y := range seen {
		out = append(out, y)
	}
	sort.Ints(out)
	return out
}

// Indices returns the positions whose label satisfies keep.
func (d Dataset) Indices(keep func(label int) bool) []int {
	var out []int
	for i, y := range d.Y {
		if keep(y) {
			out = append(out, i)
		}
	}
	return out
}

// Subset shares feature rows with d; labels are copied.
func (d Dataset) Subset(indices []int) Dataset {
	out := Dataset{X: make([]tensor.Tensor, len(indices)), Y: make([]int, len(indices))}
	for i, idx := range indices {
		out.X[i] = d.X[idx]
		out.Y[i] = d.Y[idx]
	}
	return out
}

// Concat appends other's rows after d's.
func (d Dataset) Concat(other Dataset) Dataset {
	out := Dataset{
		X: make([]tensor.Tensor, 0, d.Len()+other.Len()),
		Y: make([]int, 0, d.Len()+other.Len()),
	}
	out.X = append(append(out.X, d.X...), other.X...)
	out.Y = append(append(out.Y, d.Y...), other.Y...)
	return out
}

// Split shuffles d and returns the first trainFraction of rows as train and
// the remainder as test.
func (d Dataset) Split(trainFraction float64, rng *rand.Rand) (Dataset, Dataset, error) {
	if trainFraction <= 0 || trainFraction >= 1 {
		return Dataset{}, Dataset{}, fmt.Errorf("train fraction must be in (0, 1), got %f", trainFraction)
	}
	perm := rng.Perm(d.Len())
	cut := int(trainFraction * float64(d.Len()))
	return d.Subset(perm[:cut]), d.Subset(perm[cut:]), nil
}

// Binarize maps every non-zero label to 1. The result shares rows with d.
func Binarize(d Dataset) Dataset {
	out := Dataset{X: d.X, Y: make([]int, len(d.Y))}
	for i, y := range d.Y {
		if y != 0 {
			out.Y[i] = 1
		}
	}
	return out
}
