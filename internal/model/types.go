package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// RunRecord describes one experiment run.
type RunRecord struct {
	VersionedRecord
	ID            string  `json:"id"`
	Dataset       string  `json:"dataset"`
	Architecture  string  `json:"architecture"`
	Seed          int64   `json:"seed"`
	Clients       int     `json:"clients"`
	Rounds        int     `json:"rounds"`
	AttackRound   int     `json:"attack_round"`
	Detector      string  `json:"detector"`
	CreatedAtUTC  string  `json:"created_at_utc"`
	Status        string  `json:"status"`
	Error         string  `json:"error,omitempty"`
	FinalAccuracy float64 `json:"final_accuracy"`
	FinalLoss     float64 `json:"final_loss"`
}

// RoundRecord is the global model's state after one round.
type RoundRecord struct {
	Round     int     `json:"round"`
	Accuracy  float64 `json:"accuracy"`
	Loss      float64 `json:"loss"`
	TrainLoss float64 `json:"train_loss"`
	Defended  bool    `json:"defended"`
	Poisoned  int     `json:"poisoned"`
	Flagged   int     `json:"flagged"`
	Millis    int64   `json:"millis"`
}

// DetectionRecord holds the defended round's client verdicts and the
// sample-level localization that followed.
type DetectionRecord struct {
	VersionedRecord
	RunID             string               `json:"run_id"`
	Round             int                  `json:"round"`
	Truth             []int                `json:"truth"`
	Labels            []int                `json:"labels"`
	Scores            []float64            `json:"scores"`
	Threshold         float64              `json:"threshold"`
	ConsensusSize     int                  `json:"consensus_size"`
	TruePositives     int                  `json:"tp"`
	FalsePositives    int                  `json:"fp"`
	TrueNegatives     int                  `json:"tn"`
	FalseNegatives    int                  `json:"fn"`
	AggregationFailed bool                 `json:"aggregation_failed"`
	ClassThresholds   map[int]float64      `json:"class_thresholds,omitempty"`
	Localization      []LocalizationRecord `json:"localization,omitempty"`
}

type LocalizationRecord struct {
	Client       int     `json:"client"`
	Samples      int     `json:"samples"`
	Flagged      []int   `json:"flagged"`
	Poisoned     int     `json:"poisoned"`
	Precision    float64 `json:"precision"`
	Recall       float64 `json:"recall"`
	CleanRemoved float64 `json:"clean_removed"`
}

type TensorRecord struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Checkpoint is a global model state dict.
type Checkpoint struct {
	VersionedRecord
	RunID  string                  `json:"run_id"`
	Round  int                     `json:"round"`
	Params map[string]TensorRecord `json:"params"`
}
