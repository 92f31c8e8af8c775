package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"flguard/internal/model"
)

// sqlStore keeps every record as a versioned JSON payload keyed by run ID.
// The sqlite and postgres backends differ only in driver, placeholders and
// blob type.
type sqlStore struct {
	driver string
	dsn    string
	// numbered switches ? placeholders to $1, $2, ...
	numbered bool
	blobType string

	mu sync.RWMutex
	db *sql.DB
}

func (s *sqlStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dsn == "" {
		return fmt.Errorf("%s dsn is required", s.driver)
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := s.createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *sqlStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func (s *sqlStore) query(q string) string {
	if !s.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) createTables(ctx context.Context, db *sql.DB) error {
	for _, table := range []string{"runs", "round_history", "detections", "checkpoints"} {
		_, err := db.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				created_at TEXT NOT NULL DEFAULT '',
				payload %s NOT NULL
			)`, table, s.blobType))
		if err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	return nil
}

func (s *sqlStore) put(ctx context.Context, table, id, createdAt string, payload []byte) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, s.query(fmt.Sprintf(`
		INSERT INTO %s (id, created_at, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			payload = excluded.payload
	`, table)), id, createdAt, payload)
	return err
}

func (s *sqlStore) get(ctx context.Context, table, id string) ([]byte, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}
	var payload []byte
	err = db.QueryRowContext(ctx, s.query(fmt.Sprintf(`SELECT payload FROM %s WHERE id = ?`, table)), id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

func (s *sqlStore) SaveRun(ctx context.Context, run model.RunRecord) error {
	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}
	return s.put(ctx, "runs", run.ID, run.CreatedAtUTC, payload)
}

func (s *sqlStore) GetRun(ctx context.Context, id string) (model.RunRecord, bool, error) {
	payload, ok, err := s.get(ctx, "runs", id)
	if err != nil || !ok {
		return model.RunRecord{}, ok, err
	}
	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, true, nil
}

func (s *sqlStore) ListRuns(ctx context.Context) ([]model.RunRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT id, payload FROM runs ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		run, err := DecodeRun(payload)
		if err != nil {
			return nil, fmt.Errorf("decode run %s: %w", id, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *sqlStore) SaveRoundHistory(ctx context.Context, runID string, rounds []model.RoundRecord) error {
	payload, err := EncodeRoundHistory(rounds)
	if err != nil {
		return err
	}
	return s.put(ctx, "round_history", runID, "", payload)
}

func (s *sqlStore) GetRoundHistory(ctx context.Context, runID string) ([]model.RoundRecord, bool, error) {
	payload, ok, err := s.get(ctx, "round_history", runID)
	if err != nil || !ok {
		return nil, ok, err
	}
	rounds, err := DecodeRoundHistory(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode round history %s: %w", runID, err)
	}
	return rounds, true, nil
}

func (s *sqlStore) SaveDetection(ctx context.Context, detection model.DetectionRecord) error {
	payload, err := EncodeDetection(detection)
	if err != nil {
		return err
	}
	return s.put(ctx, "detections", detection.RunID, "", payload)
}

func (s *sqlStore) GetDetection(ctx context.Context, runID string) (model.DetectionRecord, bool, error) {
	payload, ok, err := s.get(ctx, "detections", runID)
	if err != nil || !ok {
		return model.DetectionRecord{}, ok, err
	}
	detection, err := DecodeDetection(payload)
	if err != nil {
		return model.DetectionRecord{}, false, fmt.Errorf("decode detection %s: %w", runID, err)
	}
	return detection, true, nil
}

func (s *sqlStore) SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error {
	payload, err := EncodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	return s.put(ctx, "checkpoints", checkpoint.RunID, "", payload)
}

func (s *sqlStore) GetCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error) {
	payload, ok, err := s.get(ctx, "checkpoints", runID)
	if err != nil || !ok {
		return model.Checkpoint{}, ok, err
	}
	checkpoint, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	return checkpoint, true, nil
}
