package storage

import (
	"encoding/json"
	"errors"

	"flguard/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// CurrentVersion stamps a record with the versions this build writes.
func CurrentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeRoundHistory(rounds []model.RoundRecord) ([]byte, error) {
	return json.Marshal(rounds)
}

func DecodeRoundHistory(data []byte) ([]model.RoundRecord, error) {
	var rounds []model.RoundRecord
	if err := json.Unmarshal(data, &rounds); err != nil {
		return nil, err
	}
	return rounds, nil
}

func EncodeDetection(d model.DetectionRecord) ([]byte, error) {
	return json.Marshal(d)
}

func DecodeDetection(data []byte) (model.DetectionRecord, error) {
	var detection model.DetectionRecord
	if err := json.Unmarshal(data, &detection); err != nil {
		return model.DetectionRecord{}, err
	}
	if err := checkVersion(detection.VersionedRecord); err != nil {
		return model.DetectionRecord{}, err
	}
	return detection, nil
}

func EncodeCheckpoint(c model.Checkpoint) ([]byte, error) {
	return json.Marshal(c)
}

func DecodeCheckpoint(data []byte) (model.Checkpoint, error) {
	var checkpoint model.Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return model.Checkpoint{}, err
	}
	if err := checkVersion(checkpoint.VersionedRecord); err != nil {
		return model.Checkpoint{}, err
	}
	return checkpoint, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
