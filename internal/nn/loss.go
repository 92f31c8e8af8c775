package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"flguard/internal/tensor"
)

// Softmax is numerically stabilised by subtracting the maximum logit.
func Softmax(logits tensor.Tensor) tensor.Tensor {
	out := logits.Clone()
	if out.Len() == 0 {
		return out
	}
	floats.AddConst(-floats.Max(out.Data), out.Data)
	for i, v := range out.Data {
		out.Data[i] = math.Exp(v)
	}
	floats.Scale(1/floats.Sum(out.Data), out.Data)
	return out
}

// CrossEntropy returns the loss for one sample and its gradient with
// respect to the logits.
func CrossEntropy(logits tensor.Tensor, label int) (float64, tensor.Tensor, error) {
	if label < 0 || label >= logits.Len() {
		return 0, tensor.Tensor{}, fmt.Errorf("label %d outside %d classes", label, logits.Len())
	}
	probs := Softmax(logits)
	loss := -math.Log(math.Max(probs.Data[label], 1e-300))
	probs.Data[label] -= 1
	return loss, probs, nil
}
