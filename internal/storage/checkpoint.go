package storage

import (
	"fmt"
	"io"
	"sort"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"flguard/internal/model"
)

// ExportCheckpointNPY writes one checkpoint tensor as a .npy array. Rank-1
// tensors are written as vectors; higher ranks are folded into a matrix of
// shape [dim0, rest].
func ExportCheckpointNPY(w io.Writer, checkpoint model.Checkpoint, name string) error {
	t, ok := checkpoint.Params[name]
	if !ok {
		return fmt.Errorf("checkpoint %s has no parameter %q", checkpoint.RunID, name)
	}
	size := 1
	for _, d := range t.Shape {
		size *= d
	}
	if size != len(t.Data) || len(t.Data) == 0 {
		return fmt.Errorf("parameter %q: shape %v does not match %d values", name, t.Shape, len(t.Data))
	}
	if len(t.Shape) <= 1 {
		return npyio.Write(w, append([]float64(nil), t.Data...))
	}
	rows := t.Shape[0]
	return npyio.Write(w, mat.NewDense(rows, size/rows, append([]float64(nil), t.Data...)))
}

// CheckpointParamNames lists a checkpoint's parameters in sorted order.
func CheckpointParamNames(checkpoint model.Checkpoint) []string {
	names := make([]string, 0, len(checkpoint.Params))
	for name := range checkpoint.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
