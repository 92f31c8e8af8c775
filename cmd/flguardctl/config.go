package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"flguard/internal/dataset"
	"flguard/internal/federation"
	"flguard/internal/lrp"
	flapi "flguard/pkg/flguard"
)

// fileConfig is the YAML layout of --config. Federation settings decode on
// top of the defaults, so a file only names what it changes.
type fileConfig struct {
	Dataset       string                   `yaml:"dataset"`
	Features      string                   `yaml:"features"`
	Labels        string                   `yaml:"labels"`
	TestFeatures  string                   `yaml:"test_features"`
	TestLabels    string                   `yaml:"test_labels"`
	TrainFraction float64                  `yaml:"train_fraction"`
	Synthetic     *dataset.SyntheticConfig `yaml:"synthetic"`
	Federation    federation.Config        `yaml:"federation"`
}

func loadRunRequestFromConfig(path string) (flapi.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return flapi.RunRequest{}, err
	}
	fc := fileConfig{Federation: federation.DefaultConfig()}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return flapi.RunRequest{}, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg := fc.Federation
	req := flapi.RunRequest{
		Dataset:          fc.Dataset,
		FeaturesPath:     fc.Features,
		LabelsPath:       fc.Labels,
		TestFeaturesPath: fc.TestFeatures,
		TestLabelsPath:   fc.TestLabels,
		TrainFraction:    fc.TrainFraction,
		Config:           &cfg,
	}
	if req.Dataset == "" {
		req.Dataset = flapi.DatasetSynthetic
	}
	if fc.Synthetic != nil {
		req.Synthetic = *fc.Synthetic
	}
	return req, nil
}

func loadOrDefaultRunRequest(configPath string) (flapi.RunRequest, error) {
	if configPath != "" {
		return loadRunRequestFromConfig(configPath)
	}
	cfg := federation.DefaultConfig()
	return flapi.RunRequest{Dataset: flapi.DatasetSynthetic, Config: &cfg}, nil
}

// overrideFromFlags applies only the flags named in set, so explicit flags
// win over the config file and unset flags leave it alone.
func overrideFromFlags(req *flapi.RunRequest, set map[string]bool, flagValue map[string]any) error {
	if req.Config == nil {
		cfg := federation.DefaultConfig()
		req.Config = &cfg
	}
	cfg := req.Config
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "dataset":
			req.Dataset = v.(string)
		case "features":
			req.FeaturesPath = v.(string)
		case "labels":
			req.LabelsPath = v.(string)
		case "test-features":
			req.TestFeaturesPath = v.(string)
		case "test-labels":
			req.TestLabelsPath = v.(string)
		case "train-fraction":
			req.TrainFraction = v.(float64)
		case "rounds":
			cfg.Rounds = v.(int)
		case "attack-round":
			cfg.AttackRound = v.(int)
		case "clients":
			cfg.Clients = v.(int)
		case "degree":
			cfg.Degree = v.(int)
		case "workers":
			cfg.Workers = v.(int)
		case "seed":
			cfg.Seed = v.(int64)
		case "arch":
			cfg.Architecture.Name = v.(string)
		case "hidden":
			cfg.Architecture.Hidden = v.([]int)
		case "activation":
			cfg.Architecture.Activation = v.(string)
		case "optimizer":
			cfg.Train.Optimizer = v.(string)
		case "lr":
			cfg.Train.LearningRate = v.(float64)
		case "epochs":
			cfg.Train.Epochs = v.(int)
		case "batch-size":
			cfg.Train.BatchSize = v.(int)
		case "detector":
			cfg.Defense.Detector = v.(string)
		case "contamination":
			cfg.Defense.Contamination = v.(float64)
		case "neighbors":
			cfg.Defense.Neighbors = v.(int)
		case "co-occurrence":
			cfg.Defense.CoOccurrence = v.(int)
		case "max-poisoned":
			cfg.Poison.MaxClients = v.(int)
		case "sample-fraction":
			cfg.Localize.SampleFraction = v.(float64)
		case "profile-layers":
			cfg.ProfileLayers = v.(int)
		case "skip-localize":
			cfg.SkipLocalize = v.(bool)
		case "profile-threshold":
			cfg.Localize.Profiling.Threshold = v.(float64)
		case "rule-thresholds":
			cfg.Localize.Profiling.RuleThresholds = v.(map[lrp.Rule]float64)
		default:
			return fmt.Errorf("unsupported override flag: %s", name)
		}
	}
	return nil
}
