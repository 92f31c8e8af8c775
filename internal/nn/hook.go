package nn

import (
	"fmt"
	"sync"

	"flguard/internal/tensor"
)

// LayerInfo describes one leaf layer for introspection.
type LayerInfo struct {
	Index int
	Name  string
	Kind  LayerKind
}

// Hook exposes a network's leaf layers and captures the outputs of the
// layers registered on it.
type Hook struct {
	net *Network

	mu         sync.RWMutex
	registered map[string]bool
	order      []string
}

func NewHook(net *Network) *Hook {
	return &Hook{net: net, registered: make(map[string]bool)}
}

func (h *Hook) Network() *Network {
	return h.net
}

// Layers lists every leaf layer in definition order.
func (h *Hook) Layers() []LayerInfo {
	layers := h.net.Layers()
	out := make([]LayerInfo, len(layers))
	for i, layer := range layers {
		out[i] = LayerInfo{Index: i, Name: layer.Name(), Kind: layer.Kind()}
	}
	return out
}

// Register arranges for the named layers to be captured. Names already
// registered are ignored.
func (h *Hook) Register(names ...string) error {
	for _, name := range names {
		if _, ok := h.net.LayerIndex(name); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownLayer, name)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, name := range names {
		if h.registered[name] {
			continue
		}
		h.registered[name] = true
		h.order = append(h.order, name)
	}
	return nil
}

func (h *Hook) Registered() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.order...)
}

// Forward runs the network and returns the output together with a fresh
// capture map holding only this pass.
func (h *Hook) Forward(x tensor.Tensor) (tensor.Tensor, map[string]tensor.Tensor, error) {
	h.mu.RLock()
	watch := make(map[string]bool, len(h.registered))
	for name := range h.registered {
		watch[name] = true
	}
	h.mu.RUnlock()

	capture := make(map[string]tensor.Tensor, len(watch))
	out, err := h.net.Forward(x, watch, capture)
	if err != nil {
		return tensor.Tensor{}, nil, err
	}
	return out, capture, nil
}
