// Package federation runs the federated training experiment: local client
// training, the label-flipping attack, the defended aggregation and the
// sample-level localization that follows it.
package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"gonum.org/v1/gonum/stat"

	"flguard/internal/dataset"
	"flguard/internal/defense"
	"flguard/internal/importance"
	"flguard/internal/localize"
	"flguard/internal/lrp"
	"flguard/internal/metrics"
	"flguard/internal/nn"
	"flguard/internal/train"
)

// Experiment is the data one run trains and evaluates on. Labels are the
// original multi-class labels; the run binarizes them.
type Experiment struct {
	Train dataset.Dataset
	Test  dataset.Dataset
}

type Coordinator struct {
	Config  Config
	Logger  hclog.Logger
	Metrics *metrics.Recorder
	// OnRound is called after every completed round.
	OnRound func(RoundStats)
}

func NewCoordinator(cfg Config, logger hclog.Logger, recorder *metrics.Recorder) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Coordinator{Config: cfg, Logger: logger, Metrics: recorder}, nil
}

// client is one participant's data for a single round.
type client struct {
	id       int
	data     dataset.Dataset
	poisoned []int
	truth    int
}

type update struct {
	state     nn.Params
	selection importance.Selection
	loss      float64
}

// Run executes every round. Cancellation is checked between rounds only.
// When it fails part way the rounds completed so far are returned with the
// error.
func (c *Coordinator) Run(ctx context.Context, exp Experiment) (Result, error) {
	cfg := c.Config
	if err := exp.Train.Validate(); err != nil {
		return Result{}, fmt.Errorf("train set: %w", err)
	}
	if err := exp.Test.Validate(); err != nil {
		return Result{}, fmt.Errorf("test set: %w", err)
	}
	arch := cfg.Architecture
	if arch.Features == 0 {
		arch.Features = exp.Train.Features()
	}
	if arch.Classes == 0 {
		arch.Classes = 2
	}
	global, err := nn.Build(arch, cfg.Seed)
	if err != nil {
		return Result{}, err
	}

	parts, err := dataset.PartitionByAttackClass(exp.Train, cfg.Clients, cfg.Degree)
	if err != nil {
		return Result{}, err
	}
	base := make([]dataset.Dataset, len(parts))
	for i, part := range parts {
		base[i] = dataset.Binarize(exp.Train.Subset(part.Indices))
	}
	test := dataset.Binarize(exp.Test)

	defender, err := defense.New(cfg.Defense, c.Logger.Named("defense"))
	if err != nil {
		return Result{}, err
	}

	result := Result{Architecture: arch}
	attackRound := cfg.attackRound()
	for round := 0; round < cfg.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			result.Global = global.StateDict()
			return result, err
		}
		started := time.Now()
		logger := c.Logger.With("round", round)

		clients := c.prepareClients(base, round == attackRound, logger)
		pre := global.StateDict()
		updates, err := c.trainClients(ctx, global, clients, round)
		if err != nil {
			result.Global = pre
			return result, fmt.Errorf("round %d: %w", round, err)
		}

		states := make([]nn.Params, len(updates))
		losses := make([]float64, len(updates))
		for i, u := range updates {
			states[i] = u.state
			losses[i] = u.loss
		}
		stats := RoundStats{Round: round, TrainLoss: stat.Mean(losses, nil)}

		var next nn.Params
		if round == attackRound {
			detection, aggregated, err := c.defend(defender, global, clients, updates, pre, logger)
			result.Detection = detection
			stats.Defended = true
			stats.Flagged = detection.Confusion.TP + detection.Confusion.FP
			stats.Poisoned = detection.Confusion.TP + detection.Confusion.FN
			if err != nil {
				result.Global = pre
				return result, fmt.Errorf("round %d: %w", round, err)
			}
			next = aggregated
		} else {
			next, err = defense.FedAvg(states)
			if err != nil {
				result.Global = pre
				return result, fmt.Errorf("round %d: %w", round, err)
			}
		}
		if err := global.LoadStateDict(next); err != nil {
			return result, fmt.Errorf("round %d: load aggregate: %w", round, err)
		}

		stats.Accuracy, stats.Loss, err = train.Evaluate(global, test)
		if err != nil {
			return result, fmt.Errorf("round %d: evaluate: %w", round, err)
		}
		stats.Millis = time.Since(started).Milliseconds()
		result.Rounds = append(result.Rounds, stats)
		c.Metrics.RoundCompleted(stats.Accuracy, stats.Loss)
		logger.Info("round complete", "accuracy", stats.Accuracy, "loss", stats.Loss, "train_loss", stats.TrainLoss)
		if c.OnRound != nil {
			c.OnRound(stats)
		}
	}
	result.Global = global.StateDict()
	return result, nil
}

// prepareClients applies the label-flipping attack when attack is set.
func (c *Coordinator) prepareClients(base []dataset.Dataset, attack bool, logger hclog.Logger) []client {
	clients := make([]client, len(base))
	poisoned := 0
	for i, data := range base {
		clients[i] = client{id: i, data: data}
		if !attack || poisoned >= c.Config.Poison.MaxClients {
			continue
		}
		flipped, positions, ok := dataset.LabelFlip(data, c.Config.Poison)
		if !ok {
			continue
		}
		poisoned++
		clients[i] = client{id: i, data: flipped, poisoned: positions, truth: 1}
		logger.Debug("client poisoned", "client", i, "samples", len(positions))
	}
	if attack {
		logger.Info("label flipping attack applied", "clients", poisoned)
	}
	return clients
}

// trainClients trains every client on its own copy of global, spread over
// the configured number of workers.
func (c *Coordinator) trainClients(ctx context.Context, global *nn.Network, clients []client, round int) ([]update, error) {
	type job struct {
		idx int
	}
	type outcome struct {
		idx    int
		update update
		err    error
	}

	jobs := make(chan job)
	results := make(chan outcome, len(clients))

	workerCount := c.Config.Workers
	if workerCount > len(clients) {
		workerCount = len(clients)
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				u, err := c.trainClient(global, clients[j.idx], round)
				results <- outcome{idx: j.idx, update: u, err: err}
			}
		}()
	}

	for i := range clients {
		jobs <- job{idx: i}
	}
	close(jobs)

	wg.Wait()
	close(results)

	updates := make([]update, len(clients))
	for res := range results {
		if res.err != nil {
			return nil, fmt.Errorf("client %d: %w", res.idx, res.err)
		}
		updates[res.idx] = res.update
	}
	return updates, nil
}

func (c *Coordinator) trainClient(global *nn.Network, cl client, round int) (update, error) {
	cfg := c.Config
	net := global.Clone()
	tracker := importance.NewTracker()
	tracker.Begin(net.TrainableSnapshot())

	seed := cfg.Seed + int64(round*cfg.Clients+cl.id) + 1
	trainer, err := train.NewTrainer(cfg.Train, seed, c.Logger.Named("train").With("client", cl.id))
	if err != nil {
		return update{}, err
	}
	stats, err := trainer.Fit(net, cl.data, tracker)
	if err != nil {
		return update{}, err
	}
	omega, err := tracker.Consolidate(net.TrainableSnapshot(), cfg.Epsilon)
	if err != nil {
		return update{}, err
	}
	u := update{
		state:     net.StateDict(),
		selection: importance.SelectTopK(omega, cfg.TopK),
	}
	if n := len(stats.Loss); n > 0 {
		u.loss = stats.Loss[n-1]
	}
	return u, nil
}

// defend runs the defended aggregation and, when it succeeds, localizes
// poisoned samples inside the clients it flagged.
func (c *Coordinator) defend(defender *defense.Defender, global *nn.Network, clients []client, updates []update, pre nn.Params, logger hclog.Logger) (*Detection, nn.Params, error) {
	states := make([]nn.Params, len(updates))
	selections := make([]importance.Selection, len(updates))
	truth := make([]int, len(clients))
	for i, u := range updates {
		states[i] = u.state
		selections[i] = u.selection
		truth[i] = clients[i].truth
	}

	res, err := defender.Defend(selections, states, pre)
	detection := &Detection{Truth: truth, Labels: res.Labels, Scores: res.Scores, Threshold: res.Threshold, ConsensusSize: res.ConsensusSize()}
	detection.Round = c.Config.attackRound()
	if res.Labels != nil {
		confusion, cerr := defense.NewConfusion(truth, res.Labels)
		if cerr != nil {
			return detection, nil, cerr
		}
		detection.Confusion = confusion
		c.Metrics.ClientsFlagged(confusion.TP+confusion.FP, detection.ConsensusSize)
		c.Metrics.Detection(confusion.Precision(), confusion.Recall())
		logger.Info("defense verdict", "tp", confusion.TP, "fp", confusion.FP, "tn", confusion.TN, "fn", confusion.FN)
	}
	if err != nil {
		var aggErr *defense.AggregationError
		if errors.As(err, &aggErr) {
			detection.AggregationFailed = true
			c.Metrics.AggregationFailed()
		}
		return detection, nil, err
	}

	if c.Config.SkipLocalize {
		return detection, res.Global, nil
	}
	report, err := c.localize(global, res.Global, clients, res.Labels)
	if err != nil {
		return detection, nil, fmt.Errorf("localize: %w", err)
	}
	detection.Localization = &report
	return detection, res.Global, nil
}

func (c *Coordinator) localize(global *nn.Network, aggregated nn.Params, clients []client, labels []int) (localize.Report, error) {
	net := global.Clone()
	if err := net.LoadStateDict(aggregated); err != nil {
		return localize.Report{}, err
	}
	logger := c.Logger.Named("localize")
	hook := nn.NewHook(net)
	grouping, err := lrp.BuildGrouping(hook, c.Config.ProfileLayers, logger)
	if err != nil {
		return localize.Report{}, err
	}
	profiler := lrp.NewProfiler(hook, grouping, logger)
	profiler.OnAbort = c.abortObserver(logger)

	lcfg := c.Config.Localize
	lcfg.Seed = c.Config.Seed
	localizer, err := localize.New(profiler, lcfg, logger)
	if err != nil {
		return localize.Report{}, err
	}

	var clean, flagged []localize.Client
	for i, cl := range clients {
		lc := localize.Client{ID: cl.id, X: cl.data.X, Y: cl.data.Y, Poisoned: cl.poisoned}
		if labels[i] == 1 {
			flagged = append(flagged, lc)
		} else {
			clean = append(clean, lc)
		}
	}
	report, err := localizer.Run(clean, flagged)
	if err != nil {
		return report, err
	}
	samples := 0
	for _, cr := range report.Clients {
		samples += len(cr.Flagged)
	}
	c.Metrics.SamplesFlagged(samples)
	return report, nil
}

// abortObserver counts relevance walks cut short during localization.
func (c *Coordinator) abortObserver(logger hclog.Logger) func(int, error) {
	return func(layer int, err error) {
		logger.Debug("relevance walk aborted", "layer", layer, "error", err)
		c.Metrics.ProfileAborts(1)
	}
}
