package nn

import (
	"errors"
	"strings"
	"testing"
)

func TestBuiltinActivationsListed(t *testing.T) {
	want := []string{"identity", "leaky_relu", "relu", "sigmoid", "tanh"}
	got := ListActivations()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected activations: got=%v want=%v", got, want)
	}
}

func TestLeakyReluForwardAndBackward(t *testing.T) {
	fn, err := GetActivation("leaky_relu")
	if err != nil {
		t.Fatalf("get leaky_relu: %v", err)
	}
	if got := fn(-2); got != -0.02 {
		t.Fatalf("leaky_relu(-2): got=%f want=-0.02", got)
	}
	d, err := GetDerivative("leaky_relu")
	if err != nil {
		t.Fatalf("get leaky_relu derivative: %v", err)
	}
	if d(-2) != 0.01 || d(2) != 1 {
		t.Fatalf("unexpected leaky_relu derivative: %f %f", d(-2), d(2))
	}
}

func TestUnknownActivationNamesAlternatives(t *testing.T) {
	_, err := GetActivation("swish")
	if !errors.Is(err, ErrActivationNotFound) {
		t.Fatalf("expected ErrActivationNotFound, got: %v", err)
	}
	if !strings.Contains(err.Error(), "relu") {
		t.Fatalf("expected available activations in error, got: %v", err)
	}
	if _, err := GetDerivative("swish"); !errors.Is(err, ErrActivationNotFound) {
		t.Fatalf("expected ErrActivationNotFound for derivative, got: %v", err)
	}
}

func TestRegisterActivationRequiresDerivative(t *testing.T) {
	square := func(x float64) float64 { return x * x }
	if err := registerActivation("square", square, nil); err == nil {
		t.Fatal("expected missing derivative error")
	}
	if err := registerActivation("", square, square); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := registerActivation("relu", square, square); !errors.Is(err, ErrActivationExists) {
		t.Fatalf("expected ErrActivationExists, got: %v", err)
	}
}

func TestBuildRejectsUnknownActivation(t *testing.T) {
	_, err := Build(Architecture{Name: ArchMLP, Features: 4, Classes: 2, Activation: "swish"}, 1)
	if !errors.Is(err, ErrActivationNotFound) {
		t.Fatalf("expected ErrActivationNotFound, got: %v", err)
	}
}

func TestBuildUsesConfiguredActivation(t *testing.T) {
	net, err := Build(Architecture{Name: ArchMLP, Features: 4, Classes: 2, Hidden: []int{3}, Activation: "tanh"}, 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var found bool
	for _, layer := range net.Layers() {
		if a, ok := layer.(*Activation); ok {
			found = true
			if a.Function != "tanh" || a.Name() != "tanh1" {
				t.Fatalf("unexpected activation layer: name=%s function=%s", a.Name(), a.Function)
			}
		}
	}
	if !found {
		t.Fatal("expected an activation layer")
	}
}
