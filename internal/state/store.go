// Package state is the persistent ledger of a screening project: the record
// table, every labeling decision and correction, and the most recent ranking.
//
// The pool, labeled and pending sets are never stored; they are derived from
// the record table and the results table on every read so that they always
// partition the record table.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/storage/models"
	"github.com/activescreen/backend/internal/storage/sqlite"
	"github.com/activescreen/backend/pkg/logger"
)

const SchemaVersion = 2

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS record_table (
	record_id INTEGER NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS record_text (
	record_id INTEGER PRIMARY KEY,
	title     TEXT NOT NULL DEFAULT '',
	abstract  TEXT NOT NULL DEFAULT '',
	included  INTEGER
);

CREATE TABLE IF NOT EXISTS results (
	record_id         INTEGER NOT NULL,
	label             INTEGER,
	classifier        TEXT,
	querier           TEXT,
	balancer          TEXT,
	feature_extractor TEXT,
	training_set      INTEGER,
	time              REAL,
	notes             TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_results_record ON results(record_id);
CREATE INDEX IF NOT EXISTS idx_results_label ON results(label);

CREATE TABLE IF NOT EXISTS last_ranking (
	record_id         INTEGER NOT NULL,
	ranking           INTEGER NOT NULL,
	classifier        TEXT,
	querier           TEXT,
	balancer          TEXT,
	feature_extractor TEXT,
	training_set      INTEGER,
	-- highest decision_changes rowid the training run had seen
	decision_watermark INTEGER NOT NULL DEFAULT 0,
	time              REAL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_last_ranking_ranking ON last_ranking(ranking);
CREATE INDEX IF NOT EXISTS idx_last_ranking_record ON last_ranking(record_id);

CREATE TABLE IF NOT EXISTS decision_changes (
	record_id INTEGER NOT NULL,
	new_label INTEGER NOT NULL,
	time      REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is the State Store of one project. It is safe for concurrent use;
// every operation runs in its own transaction.
type Store struct {
	db *sql.DB
}

// New initializes the ledger schema on db and verifies its version and
// integrity. A mismatch is fatal: the project needs manual repair.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}

	var check string
	if err := db.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&check); err != nil {
		return nil, fmt.Errorf("failed to check state integrity: %w", err)
	}
	if check != "ok" {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, check)
	}

	err := sqlite.RunTx(ctx, db, func(tx *sql.Tx) error {
		var version int
		err := tx.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			_, err = tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, SchemaVersion)
			return err
		}
		if err != nil {
			return err
		}
		if version != SchemaVersion {
			return fmt.Errorf("%w: found %d, want %d", ErrSchemaMismatch, version, SchemaVersion)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// AddRecordTable creates the record table. It can only be called once per
// project.
func (s *Store) AddRecordTable(ctx context.Context, recordIDs []int64) error {
	records := make([]models.Record, len(recordIDs))
	for i, id := range recordIDs {
		records[i] = models.Record{RecordID: id}
	}
	return s.AddRecords(ctx, records)
}

// AddRecords creates the record table from records, keeping their order,
// and stores their texts and optional ground-truth labels.
func (s *Store) AddRecords(ctx context.Context, records []models.Record) error {
	err := sqlite.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM record_table`).Scan(&n); err != nil {
			return fmt.Errorf("failed to count record table: %w", err)
		}
		if n > 0 {
			return ErrRecordTableExists
		}

		idStmt, err := tx.PrepareContext(ctx, `INSERT INTO record_table (record_id) VALUES (?)`)
		if err != nil {
			return err
		}
		defer idStmt.Close()

		textStmt, err := tx.PrepareContext(ctx, `INSERT INTO record_text (record_id, title, abstract, included) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer textStmt.Close()

		for _, r := range records {
			if r.Included != nil && *r.Included != models.LabelRelevant && *r.Included != models.LabelIrrelevant {
				return fmt.Errorf("%w: record %d has included=%d", ErrInvalidLabel, r.RecordID, *r.Included)
			}
			if _, err := idStmt.ExecContext(ctx, r.RecordID); err != nil {
				if sqlite.IsConstraint(err) {
					return fmt.Errorf("duplicate record_id %d in dataset", r.RecordID)
				}
				return fmt.Errorf("failed to insert record %d: %w", r.RecordID, err)
			}
			if _, err := textStmt.ExecContext(ctx, r.RecordID, r.Title, r.Abstract, nullInt(r.Included)); err != nil {
				return fmt.Errorf("failed to insert record text %d: %w", r.RecordID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("Record table created", zap.Int("records", len(records)))
	return nil
}

// GetRecordTable returns the record ids in row-index order.
func (s *Store) GetRecordTable(ctx context.Context) ([]int64, error) {
	return queryIDs(ctx, s.db, `SELECT record_id FROM record_table ORDER BY rowid`)
}

// GetRecords returns the attached records in row-index order.
func (s *Store) GetRecords(ctx context.Context) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rt.record_id, COALESCE(tx.title, ''), COALESCE(tx.abstract, ''), tx.included
		FROM record_table rt
		LEFT JOIN record_text tx ON tx.record_id = rt.record_id
		ORDER BY rt.rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to get records: %w", err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var r models.Record
		var included sql.NullInt64
		if err := rows.Scan(&r.RecordID, &r.Title, &r.Abstract, &included); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r.Included = intPtr(included)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Store) GetRecord(ctx context.Context, recordID int64) (models.Record, error) {
	r := models.Record{RecordID: recordID}
	var included sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(tx.title, ''), COALESCE(tx.abstract, ''), tx.included
		FROM record_table rt
		LEFT JOIN record_text tx ON tx.record_id = rt.record_id
		WHERE rt.record_id = ?`, recordID).Scan(&r.Title, &r.Abstract, &included)
	if errors.Is(err, sql.ErrNoRows) {
		return r, &RecordNotFoundError{RecordID: recordID, What: "not in record table"}
	}
	if err != nil {
		return r, fmt.Errorf("failed to get record %d: %w", recordID, err)
	}
	r.Included = intPtr(included)
	return r, nil
}

const (
	settingClassifier       = "classifier"
	settingQuerier          = "querier"
	settingBalancer         = "balancer"
	settingFeatureExtractor = "feature_extractor"
)

// SetSettings writes the model settings. Settings are immutable for the
// life of the review.
func (s *Store) SetSettings(ctx context.Context, settings models.Settings) error {
	entries := map[string]models.ModelSpec{
		settingClassifier:       settings.Classifier,
		settingQuerier:          settings.Querier,
		settingBalancer:         settings.Balancer,
		settingFeatureExtractor: settings.FeatureExtractor,
	}

	return sqlite.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM settings`).Scan(&n); err != nil {
			return fmt.Errorf("failed to count settings: %w", err)
		}
		if n > 0 {
			return ErrSettingsExist
		}
		for key, spec := range entries {
			if spec.Name == "" {
				return fmt.Errorf("setting %s has no name", key)
			}
			value, err := json.Marshal(spec)
			if err != nil {
				return fmt.Errorf("failed to marshal setting %s: %w", key, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)`, key, string(value)); err != nil {
				return fmt.Errorf("failed to write setting %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *Store) GetSettings(ctx context.Context) (models.Settings, error) {
	var settings models.Settings
	targets := map[string]*models.ModelSpec{
		settingClassifier:       &settings.Classifier,
		settingQuerier:          &settings.Querier,
		settingBalancer:         &settings.Balancer,
		settingFeatureExtractor: &settings.FeatureExtractor,
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return settings, fmt.Errorf("failed to get settings: %w", err)
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return settings, fmt.Errorf("failed to scan setting: %w", err)
		}
		target, ok := targets[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(value), target); err != nil {
			return settings, fmt.Errorf("failed to decode setting %s: %w", key, err)
		}
		found++
	}
	if err := rows.Err(); err != nil {
		return settings, err
	}
	if found == 0 {
		return settings, ErrSettingsNotFound
	}
	return settings, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryIDs(ctx context.Context, q querier, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query record ids: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
