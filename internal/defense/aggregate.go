package defense

import (
	"errors"
	"fmt"

	"flguard/internal/nn"
	"flguard/internal/tensor"
)

var (
	ErrNoUpdates      = errors.New("no updates to aggregate")
	ErrNoCleanClients = errors.New("every client was labeled poisoned")
)

// AggregationError reports that no clean quorum was left to average.
type AggregationError struct {
	Clients  int
	Poisoned int
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregation failed: %d of %d clients labeled poisoned", e.Poisoned, e.Clients)
}

func (e *AggregationError) Unwrap() error {
	return ErrNoCleanClients
}

// FedAvg is the element-wise mean of every client's parameters.
func FedAvg(clients []nn.Params) (nn.Params, error) {
	if len(clients) == 0 {
		return nil, ErrNoUpdates
	}
	avg := clients[0].Clone()
	for i, client := range clients[1:] {
		if len(client) != len(avg) {
			return nil, fmt.Errorf("client %d has %d parameters, want %d", i+1, len(client), len(avg))
		}
		for name, sum := range avg {
			value, ok := client[name]
			if !ok {
				return nil, fmt.Errorf("client %d: parameter %s missing", i+1, name)
			}
			if err := tensor.AddInPlace(sum, value); err != nil {
				return nil, fmt.Errorf("client %d: %s: %w", i+1, name, err)
			}
		}
	}
	scale := 1 / float64(len(clients))
	for name, sum := range avg {
		avg[name] = tensor.Scale(sum, scale)
	}
	return avg, nil
}

// Aggregate averages the clients labeled 0 and skips those labeled 1.
func Aggregate(clients []nn.Params, labels []int) (nn.Params, error) {
	if len(clients) != len(labels) {
		return nil, fmt.Errorf("%d clients but %d labels", len(clients), len(labels))
	}
	if len(clients) == 0 {
		return nil, ErrNoUpdates
	}
	clean := make([]nn.Params, 0, len(clients))
	for i, client := range clients {
		if labels[i] == 0 {
			clean = append(clean, client)
		}
	}
	if len(clean) == 0 {
		return nil, &AggregationError{Clients: len(clients), Poisoned: len(clients)}
	}
	return FedAvg(clean)
}
