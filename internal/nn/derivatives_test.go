package nn

import (
	"math"
	"testing"
)

func TestReluFamilyDerivatives(t *testing.T) {
	cases := []struct {
		name string
		x    float64
		want float64
	}{
		{"relu", 2, 1},
		{"relu", -2, 0},
		{"relu", 0, 0},
		{"leaky_relu", 3, 1},
		{"leaky_relu", -3, 0.01},
		{"identity", -7, 1},
	}
	for _, c := range cases {
		got, err := Derivative(c.name, c.x)
		if err != nil {
			t.Fatalf("derivative %s(%f): %v", c.name, c.x, err)
		}
		if got != c.want {
			t.Fatalf("%s'(%f): got=%f want=%f", c.name, c.x, got, c.want)
		}
	}
}

func TestDerivativeUnsupported(t *testing.T) {
	if _, err := Derivative("softplus", 1); err == nil {
		t.Fatal("expected unsupported derivative error")
	}
}

func TestSmoothDerivativesMatchFiniteDifference(t *testing.T) {
	const h = 1e-6
	for _, name := range []string{"tanh", "sigmoid"} {
		fn, err := GetActivation(name)
		if err != nil {
			t.Fatalf("get activation %s: %v", name, err)
		}
		d, err := GetDerivative(name)
		if err != nil {
			t.Fatalf("get derivative %s: %v", name, err)
		}
		for _, x := range []float64{-1.5, 0.2, 2} {
			numeric := (fn(x+h) - fn(x-h)) / (2 * h)
			if math.Abs(numeric-d(x)) > 1e-6 {
				t.Fatalf("%s'(%f): got=%f want=%f", name, x, d(x), numeric)
			}
		}
	}
}
