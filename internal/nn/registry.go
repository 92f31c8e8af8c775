package nn

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// DefaultActivation is used by the built-in architectures when none is named.
const DefaultActivation = "relu"

var (
	ErrActivationExists   = errors.New("activation already registered")
	ErrActivationNotFound = errors.New("activation not found")
)

type ActivationFunc func(x float64) float64

// activation pairs an element-wise function with the derivative Backward
// needs. Both are required.
type activation struct {
	fn         ActivationFunc
	derivative ActivationFunc
}

var activations = struct {
	mu sync.RWMutex
	m  map[string]activation
}{
	m: make(map[string]activation),
}

func init() {
	registerBuiltins()
}

func registerBuiltins() {
	builtins := map[string]ActivationFunc{
		"identity": func(x float64) float64 { return x },
		"relu": func(x float64) float64 {
			if x < 0 {
				return 0
			}
			return x
		},
		"leaky_relu": func(x float64) float64 {
			if x < 0 {
				return 0.01 * x
			}
			return x
		},
		"tanh": math.Tanh,
		"sigmoid": func(x float64) float64 {
			return 1.0 / (1.0 + math.Exp(-x))
		},
	}
	for name, fn := range builtins {
		name := name
		derivative := func(x float64) float64 {
			d, _ := Derivative(name, x)
			return d
		}
		if err := registerActivation(name, fn, derivative); err != nil {
			panic(err)
		}
	}
}

func registerActivation(name string, fn, derivative ActivationFunc) error {
	if name == "" {
		return errors.New("activation name is required")
	}
	if fn == nil || derivative == nil {
		return fmt.Errorf("activation %s needs a function and its derivative", name)
	}

	activations.mu.Lock()
	defer activations.mu.Unlock()

	if _, exists := activations.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrActivationExists, name)
	}
	activations.m[name] = activation{fn: fn, derivative: derivative}
	return nil
}

func lookupActivation(name string) (activation, error) {
	activations.mu.RLock()
	entry, ok := activations.m[name]
	activations.mu.RUnlock()
	if !ok {
		return activation{}, fmt.Errorf("%w: %s (available: %s)", ErrActivationNotFound, name, strings.Join(ListActivations(), ", "))
	}
	return entry, nil
}

func GetActivation(name string) (ActivationFunc, error) {
	entry, err := lookupActivation(name)
	if err != nil {
		return nil, err
	}
	return entry.fn, nil
}

func GetDerivative(name string) (ActivationFunc, error) {
	entry, err := lookupActivation(name)
	if err != nil {
		return nil, err
	}
	return entry.derivative, nil
}

// ListActivations returns the registered activation names, sorted.
func ListActivations() []string {
	activations.mu.RLock()
	defer activations.mu.RUnlock()

	names := make([]string, 0, len(activations.m))
	for name := range activations.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
