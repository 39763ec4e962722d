package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/storage/models"
	"github.com/activescreen/backend/internal/storage/sqlite"
	"github.com/activescreen/backend/pkg/logger"
)

// ResultColumns lists the columns of the results table in schema order.
var ResultColumns = []string{
	"record_id", "label", "classifier", "querier", "balancer",
	"feature_extractor", "training_set", "time", "notes",
}

// ResultsFilter selects rows of the results table. Priors=false drops rows
// whose model columns are all NULL; Pending=false drops rows without a
// label. Columns, when set, is validated against ResultColumns.
type ResultsFilter struct {
	Columns []string
	Priors  bool
	Pending bool
}

// AllResults selects every row, priors and pending included.
var AllResults = ResultsFilter{Priors: true, Pending: true}

type LabeledRecord struct {
	RecordID int64
	Label    int
}

// RankedLabel is one entry of the last ranking annotated with the label the
// record has received since, if any.
type RankedLabel struct {
	RecordID int64
	Label    *int
}

const resultSelect = `SELECT record_id, label, classifier, querier, balancer, feature_extractor, training_set, time, notes FROM results`

func (s *Store) GetResultsTable(ctx context.Context, filter ResultsFilter) ([]models.Result, error) {
	for _, c := range filter.Columns {
		if !isResultColumn(c) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, c)
		}
	}

	query := resultSelect + ` WHERE 1=1`
	if !filter.Priors {
		query += ` AND NOT (classifier IS NULL AND querier IS NULL AND balancer IS NULL AND feature_extractor IS NULL AND training_set IS NULL)`
	}
	if !filter.Pending {
		query += ` AND label IS NOT NULL`
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get results table: %w", err)
	}
	defer rows.Close()

	results := []models.Result{}
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) GetResultsRecord(ctx context.Context, recordID int64) (models.Result, error) {
	row := s.db.QueryRowContext(ctx, resultSelect+` WHERE record_id = ?`, recordID)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Result{}, &RecordNotFoundError{RecordID: recordID, What: "no results row"}
	}
	return r, err
}

// GetPool returns the records that are neither labeled nor pending, in
// record table order.
func (s *Store) GetPool(ctx context.Context) ([]int64, error) {
	return queryIDs(ctx, s.db, `
		SELECT rt.record_id FROM record_table rt
		LEFT JOIN results r ON r.record_id = rt.record_id
		WHERE r.record_id IS NULL
		ORDER BY rt.rowid`)
}

func (s *Store) GetPending(ctx context.Context) ([]int64, error) {
	return queryIDs(ctx, s.db, `SELECT record_id FROM results WHERE label IS NULL ORDER BY rowid`)
}

func (s *Store) GetLabeled(ctx context.Context) ([]LabeledRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_id, label FROM results WHERE label IS NOT NULL ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to get labeled records: %w", err)
	}
	defer rows.Close()

	labeled := []LabeledRecord{}
	for rows.Next() {
		var l LabeledRecord
		if err := rows.Scan(&l.RecordID, &l.Label); err != nil {
			return nil, fmt.Errorf("failed to scan labeled record: %w", err)
		}
		labeled = append(labeled, l)
	}
	return labeled, rows.Err()
}

func (s *Store) Counts(ctx context.Context) (models.Counts, error) {
	var c models.Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM record_table),
			(SELECT COUNT(*) FROM results WHERE label IS NULL),
			(SELECT COUNT(*) FROM results WHERE label = 1),
			(SELECT COUNT(*) FROM results WHERE label = 0)`,
	).Scan(&c.Total, &c.Pending, &c.Relevant, &c.Irrelevant)
	if err != nil {
		return c, fmt.Errorf("failed to count records: %w", err)
	}
	c.Labeled = c.Relevant + c.Irrelevant
	c.Pool = c.Total - c.Labeled - c.Pending
	return c, nil
}

// AddLabelingData records labels. A pending record has its row filled in
// place; any other record gets a new row without model columns. Prior labels
// never carry model columns, even when the record was pending.
func (s *Store) AddLabelingData(ctx context.Context, recordIDs []int64, labels []int, notes []string, prior bool) error {
	if len(recordIDs) != len(labels) {
		return fmt.Errorf("%w: %d record ids but %d labels", ErrInvalidLabel, len(recordIDs), len(labels))
	}
	if notes != nil && len(notes) != len(recordIDs) {
		return fmt.Errorf("%w: %d record ids but %d notes", ErrInvalidLabel, len(recordIDs), len(notes))
	}

	seen := make(map[int64]struct{}, len(recordIDs))
	for i, id := range recordIDs {
		if labels[i] != models.LabelRelevant && labels[i] != models.LabelIrrelevant {
			return fmt.Errorf("%w: record %d has label %d", ErrInvalidLabel, id, labels[i])
		}
		if _, dup := seen[id]; dup {
			return &DuplicateLabelError{RecordID: id}
		}
		seen[id] = struct{}{}
	}

	now := sqlite.Now()
	err := sqlite.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for i, id := range recordIDs {
			var note *string
			if notes != nil && notes[i] != "" {
				note = &notes[i]
			}

			exists, err := inRecordTable(ctx, tx, id)
			if err != nil {
				return err
			}
			if !exists {
				return &RecordNotFoundError{RecordID: id, What: "not in record table"}
			}

			var label sql.NullInt64
			err = tx.QueryRowContext(ctx, `SELECT label FROM results WHERE record_id = ?`, id).Scan(&label)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				_, err = tx.ExecContext(ctx,
					`INSERT INTO results (record_id, label, time, notes) VALUES (?, ?, ?, ?)`,
					id, labels[i], now, nullString(note))
				if err != nil {
					return fmt.Errorf("failed to insert label for record %d: %w", id, err)
				}
			case err != nil:
				return fmt.Errorf("failed to look up record %d: %w", id, err)
			case label.Valid:
				return &DuplicateLabelError{RecordID: id}
			case prior:
				_, err = tx.ExecContext(ctx, `
					UPDATE results SET label = ?, time = ?, notes = ?,
						classifier = NULL, querier = NULL, balancer = NULL,
						feature_extractor = NULL, training_set = NULL
					WHERE record_id = ?`,
					labels[i], now, nullString(note), id)
				if err != nil {
					return fmt.Errorf("failed to label pending record %d: %w", id, err)
				}
			default:
				_, err = tx.ExecContext(ctx,
					`UPDATE results SET label = ?, time = ?, notes = COALESCE(?, notes) WHERE record_id = ?`,
					labels[i], now, nullString(note), id)
				if err != nil {
					return fmt.Errorf("failed to label pending record %d: %w", id, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Labels recorded", logger.RecordIDs(recordIDs), zap.Ints("labels", labels), zap.Bool("prior", prior))
	return nil
}

// Update corrects the label of an already labeled record. The results row
// is overwritten in place and the change is appended to decision_changes.
func (s *Store) Update(ctx context.Context, recordID int64, label int, note *string) error {
	if label != models.LabelRelevant && label != models.LabelIrrelevant {
		return fmt.Errorf("%w: %d", ErrInvalidLabel, label)
	}

	return sqlite.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE results SET label = ?, notes = COALESCE(?, notes) WHERE record_id = ? AND label IS NOT NULL`,
			label, nullString(note), recordID)
		if err != nil {
			return fmt.Errorf("failed to update record %d: %w", recordID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &RecordNotFoundError{RecordID: recordID, What: "no labeled row"}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO decision_changes (record_id, new_label, time) VALUES (?, ?, ?)`,
			recordID, label, sqlite.Now())
		if err != nil {
			return fmt.Errorf("failed to log decision change for record %d: %w", recordID, err)
		}
		return nil
	})
}

// DeleteRecordLabelingData returns a pending record to the pool.
func (s *Store) DeleteRecordLabelingData(ctx context.Context, recordID int64) error {
	return sqlite.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM results WHERE record_id = ? AND label IS NULL`, recordID)
		if err != nil {
			return fmt.Errorf("failed to delete pending record %d: %w", recordID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &RecordNotFoundError{RecordID: recordID, What: "not pending"}
		}
		return nil
	})
}

func (s *Store) GetDecisionChanges(ctx context.Context) ([]models.DecisionChange, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_id, new_label, time FROM decision_changes ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to get decision changes: %w", err)
	}
	defer rows.Close()

	changes := []models.DecisionChange{}
	for rows.Next() {
		var c models.DecisionChange
		var t float64
		if err := rows.Scan(&c.RecordID, &c.NewLabel, &t); err != nil {
			return nil, fmt.Errorf("failed to scan decision change: %w", err)
		}
		c.Time = sqlite.FromReal(t)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// DecisionWatermark returns the position of the latest decision change.
// decision_changes is append-only, so a change made later always has a
// higher position.
func (s *Store) DecisionWatermark(ctx context.Context) (int64, error) {
	var mark int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(rowid), 0) FROM decision_changes`).Scan(&mark)
	if err != nil {
		return 0, fmt.Errorf("failed to read decision watermark: %w", err)
	}
	return mark, nil
}

// ExistNewLabeledRecords reports whether labels exist that the most recent
// ranking was not trained on: more labeled records than its training set,
// or a correction past the ranking's decision watermark.
func (s *Store) ExistNewLabeledRecords(ctx context.Context) (bool, error) {
	var labeled, trained, corrected int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM results WHERE label IS NOT NULL),
			(SELECT COALESCE(MAX(training_set), 0) FROM last_ranking),
			(SELECT COUNT(*) FROM decision_changes
				WHERE rowid > (SELECT MAX(decision_watermark) FROM last_ranking))`,
	).Scan(&labeled, &trained, &corrected)
	if err != nil {
		return false, fmt.Errorf("failed to check for new labels: %w", err)
	}
	return labeled > trained || corrected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (models.Result, error) {
	var (
		r                                  models.Result
		label, trainingSet                 sql.NullInt64
		classifier, querier, balancer, fex sql.NullString
		t                                  sql.NullFloat64
		notes                              sql.NullString
	)
	err := row.Scan(&r.RecordID, &label, &classifier, &querier, &balancer, &fex, &trainingSet, &t, &notes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan result: %w", err)
	}

	r.Label = intPtr(label)
	if classifier.Valid || querier.Valid || balancer.Valid || fex.Valid || trainingSet.Valid {
		r.Meta = &models.ModelMeta{
			Classifier:       classifier.String,
			Querier:          querier.String,
			Balancer:         balancer.String,
			FeatureExtractor: fex.String,
			TrainingSet:      int(trainingSet.Int64),
		}
	}
	if t.Valid {
		tm := sqlite.FromReal(t.Float64)
		r.Time = &tm
	}
	if notes.Valid {
		n := notes.String
		r.Notes = &n
	}
	return r, nil
}

func inRecordTable(ctx context.Context, tx *sql.Tx, recordID int64) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM record_table WHERE record_id = ?`, recordID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up record %d: %w", recordID, err)
	}
	return n > 0, nil
}

func isResultColumn(name string) bool {
	for _, c := range ResultColumns {
		if c == name {
			return true
		}
	}
	return false
}
