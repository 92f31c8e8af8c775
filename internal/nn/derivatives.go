package nn

import (
	"fmt"
	"math"
)

// Derivative evaluates the derivative of a built-in activation at its
// pre-activation input x.
func Derivative(name string, x float64) (float64, error) {
	switch name {
	case "identity":
		return 1, nil
	case "relu":
		if x > 0 {
			return 1, nil
		}
		return 0, nil
	case "leaky_relu":
		if x > 0 {
			return 1, nil
		}
		return 0.01, nil
	case "tanh":
		y := math.Tanh(x)
		return 1 - (y * y), nil
	case "sigmoid":
		s := 1 / (1 + math.Exp(-x))
		return s * (1 - s), nil
	default:
		return 0, fmt.Errorf("unsupported derivative: %s", name)
	}
}
