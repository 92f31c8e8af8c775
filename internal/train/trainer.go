// Package train runs local mini-batch training on a client's data.
package train

import (
	"fmt"
	"math/rand"

	"github.com/hashicorp/go-hclog"
	"gonum.org/v1/gonum/floats"

	"flguard/internal/dataset"
	"flguard/internal/nn"
	"flguard/internal/tensor"
)

type Config struct {
	Optimizer    string  `json:"optimizer" yaml:"optimizer"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
	Beta1        float64 `json:"beta1" yaml:"beta1"`
	Beta2        float64 `json:"beta2" yaml:"beta2"`
	Epsilon      float64 `json:"epsilon" yaml:"epsilon"`
	Momentum     float64 `json:"momentum" yaml:"momentum"`
	Epochs       int     `json:"epochs" yaml:"epochs"`
	BatchSize    int     `json:"batch_size" yaml:"batch_size"`
}

// DefaultConfig is Adam with PyTorch's defaults, five local epochs and
// batches of 1024.
func DefaultConfig() Config {
	return Config{
		Optimizer:    OptimizerAdam,
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		Momentum:     0.5,
		Epochs:       5,
		BatchSize:    1024,
	}
}

func (c Config) Validate() error {
	if c.Epochs < 1 {
		return fmt.Errorf("epochs must be >= 1, got %d", c.Epochs)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1, got %d", c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be > 0, got %f", c.LearningRate)
	}
	if c.Optimizer == "" || c.Optimizer == OptimizerAdam {
		if c.Beta1 <= 0 || c.Beta1 >= 1 {
			return fmt.Errorf("adam beta1 must be in (0, 1), got %f", c.Beta1)
		}
		if c.Beta2 <= 0 || c.Beta2 >= 1 {
			return fmt.Errorf("adam beta2 must be in (0, 1), got %f", c.Beta2)
		}
		if c.Epsilon <= 0 {
			return fmt.Errorf("adam epsilon must be positive, got %f", c.Epsilon)
		}
	}
	return nil
}

// StepObserver sees every optimizer step: the batch gradients and the
// trainable parameters right before and after the update.
type StepObserver interface {
	Observe(grads, before, after nn.Params) error
}

// Stats summarizes one Fit call.
type Stats struct {
	Steps    int       `json:"steps"`
	Samples  int       `json:"samples"`
	Loss     []float64 `json:"loss"`
	Accuracy []float64 `json:"accuracy"`
}

// Trainer owns one optimizer state, so use one per client and round.
type Trainer struct {
	cfg       Config
	optimizer Optimizer
	rng       *rand.Rand
	logger    hclog.Logger
}

func NewTrainer(cfg Config, seed int64, logger hclog.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	optimizer, err := NewOptimizer(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Trainer{cfg: cfg, optimizer: optimizer, rng: rand.New(rand.NewSource(seed)), logger: logger}, nil
}

// Fit trains net in place on shuffled mini-batches for the configured
// number of epochs. observer may be nil.
func (t *Trainer) Fit(net *nn.Network, data dataset.Dataset, observer StepObserver) (Stats, error) {
	if err := data.Validate(); err != nil {
		return Stats{}, err
	}
	stats := Stats{Samples: data.Len()}
	if data.Len() == 0 {
		return stats, nil
	}
	params := net.Parameters()
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		order := t.rng.Perm(data.Len())
		var lossSum float64
		correct := 0
		for start := 0; start < len(order); start += t.cfg.BatchSize {
			end := start + t.cfg.BatchSize
			if end > len(order) {
				end = len(order)
			}
			batch := order[start:end]
			grads, loss, hits, err := t.batchGradients(net, data, batch)
			if err != nil {
				return stats, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			lossSum += loss * float64(len(batch))
			correct += hits

			var before nn.Params
			if observer != nil {
				before = net.TrainableSnapshot()
			}
			if err := t.optimizer.Step(params, grads); err != nil {
				return stats, err
			}
			stats.Steps++
			if observer != nil {
				if err := observer.Observe(grads, before, net.TrainableSnapshot()); err != nil {
					return stats, err
				}
			}
		}
		stats.Loss = append(stats.Loss, lossSum/float64(data.Len()))
		stats.Accuracy = append(stats.Accuracy, float64(correct)/float64(data.Len()))
		t.logger.Trace("epoch done", "epoch", epoch, "loss", stats.Loss[epoch-1], "accuracy", stats.Accuracy[epoch-1])
	}
	return stats, nil
}

// batchGradients averages per-sample gradients over batch and returns the
// mean loss and the number of correct predictions.
func (t *Trainer) batchGradients(net *nn.Network, data dataset.Dataset, batch []int) (nn.Params, float64, int, error) {
	var (
		sum   nn.Params
		loss  float64
		count int
	)
	for _, idx := range batch {
		l, logits, grads, err := net.Gradients(data.X[idx], data.Y[idx], t.rng)
		if err != nil {
			return nil, 0, 0, err
		}
		loss += l
		if logits.Argmax() == data.Y[idx] {
			count++
		}
		if sum == nil {
			sum = grads
			continue
		}
		for name, g := range grads {
			acc, ok := sum[name]
			if !ok {
				sum[name] = g
				continue
			}
			if err := tensor.AddInPlace(acc, g); err != nil {
				return nil, 0, 0, fmt.Errorf("gradient %s: %w", name, err)
			}
		}
	}
	scale := 1 / float64(len(batch))
	for _, g := range sum {
		floats.Scale(scale, g.Data)
	}
	return sum, loss * scale, count, nil
}

// Evaluate returns classification accuracy in [0, 1] and the mean
// cross-entropy loss of net over data.
func Evaluate(net *nn.Network, data dataset.Dataset) (float64, float64, error) {
	if err := data.Validate(); err != nil {
		return 0, 0, err
	}
	if data.Len() == 0 {
		return 0, 0, nil
	}
	correct := 0
	var loss float64
	for i, x := range data.X {
		logits, err := net.Forward(x, nil, nil)
		if err != nil {
			return 0, 0, err
		}
		l, _, err := nn.CrossEntropy(logits, data.Y[i])
		if err != nil {
			return 0, 0, err
		}
		loss += l
		if logits.Argmax() == data.Y[i] {
			correct++
		}
	}
	n := float64(data.Len())
	return float64(correct) / n, loss / n, nil
}
