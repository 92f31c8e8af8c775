package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

const smallRunConfig = `dataset: synthetic
train_fraction: 0.75
synthetic:
  normal: 120
  per_attack: 40
  attack_classes: 3
  features: 8
  spread: 0.05
  seed: 4
federation:
  rounds: 2
  clients: 6
  architecture:
    name: mlp
    classes: 2
    hidden: [8]
  train:
    epochs: 1
    batch_size: 8
  defense:
    co_occurrence: 0
    contamination: 0.3
    neighbors: 3
  poison:
    max_clients: 2
  localize:
    sample_fraction: 0.5
`

func writeRunConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(smallRunConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func captureStdout(fn func() error) (string, error) {
	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}

	os.Stdout = w
	runErr := fn()
	_ = w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		_ = r.Close()
		return "", err
	}
	_ = r.Close()
	return buf.String(), runErr
}
