package dataset

import (
	"fmt"
	"io"
	"os"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"flguard/internal/tensor"
)

// LoadNPY reads a 2-D feature matrix and a 1-D label vector written by
// numpy. Every row becomes a [1, F] tensor.
func LoadNPY(featuresPath, labelsPath string) (Dataset, error) {
	features, shape, err := readFloatsFile(featuresPath)
	if err != nil {
		return Dataset{}, fmt.Errorf("features: %w", err)
	}
	if len(shape) != 2 {
		return Dataset{}, fmt.Errorf("features: want a 2-D array, got shape %v", shape)
	}
	labels, labelShape, err := readFloatsFile(labelsPath)
	if err != nil {
		return Dataset{}, fmt.Errorf("labels: %w", err)
	}
	if len(labelShape) != 1 || labelShape[0] != shape[0] {
		return Dataset{}, fmt.Errorf("labels: shape %v does not match %d rows", labelShape, shape[0])
	}

	rows, width := shape[0], shape[1]
	ds := Dataset{X: make([]tensor.Tensor, rows), Y: make([]int, rows)}
	for i := 0; i < rows; i++ {
		ds.X[i] = tensor.Tensor{Shape: []int{1, width}, Data: features[i*width : (i+1)*width]}
		ds.Y[i] = int(labels[i])
	}
	return ds, nil
}

func readFloatsFile(path string) ([]float64, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return ReadFloats(f)
}

// ReadFloats decodes any numeric .npy array into float64 values along
// with its shape. Fortran-ordered arrays are rejected.
func ReadFloats(r io.Reader) ([]float64, []int, error) {
	npy, err := npyio.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	descr := npy.Header.Descr
	if descr.Fortran {
		return nil, nil, fmt.Errorf("fortran-ordered arrays are not supported")
	}
	shape := append([]int(nil), descr.Shape...)

	var out []float64
	switch descr.Type {
	case "<f8", "f8":
		err = npy.Read(&out)
	case "<f4", "f4":
		var raw []float32
		if err = npy.Read(&raw); err == nil {
			out = make([]float64, len(raw))
			for i, v := range raw {
				out[i] = float64(v)
			}
		}
	case "<i8", "i8":
		var raw []int64
		if err = npy.Read(&raw); err == nil {
			out = make([]float64, len(raw))
			for i, v := range raw {
				out[i] = float64(v)
			}
		}
	case "<i4", "i4":
		var raw []int32
		if err = npy.Read(&raw); err == nil {
			out = make([]float64, len(raw))
			for i, v := range raw {
				out[i] = float64(v)
			}
		}
	case "|u1", "u1":
		var raw []uint8
		if err = npy.Read(&raw); err == nil {
			out = make([]float64, len(raw))
			for i, v := range raw {
				out[i] = float64(v)
			}
		}
	default:
		return nil, nil, fmt.Errorf("unsupported dtype %q", descr.Type)
	}
	if err != nil {
		return nil, nil, err
	}
	return out, shape, nil
}

// WriteNPY writes d as a features array shaped [N, F] and a labels array
// shaped [N].
func WriteNPY(d Dataset, features, labels io.Writer) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.Len() == 0 || d.Features() == 0 {
		return fmt.Errorf("empty dataset")
	}
	width := d.Features()
	flat := make([]float64, 0, d.Len()*width)
	for _, x := range d.X {
		flat = append(flat, x.Data...)
	}
	if err := npyio.Write(features, mat.NewDense(d.Len(), width, flat)); err != nil {
		return fmt.Errorf("features: %w", err)
	}
	ys := make([]int64, len(d.Y))
	for i, y := range d.Y {
		ys[i] = int64(y)
	}
	if err := npyio.Write(labels, ys); err != nil {
		return fmt.Errorf("labels: %w", err)
	}
	return nil
}
