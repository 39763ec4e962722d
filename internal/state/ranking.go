package state

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/storage/models"
	"github.com/activescreen/backend/internal/storage/sqlite"
	"github.com/activescreen/backend/pkg/logger"
)

// AddLastRanking replaces the last ranking with ranking, which must be a
// permutation of exactly the records that are not labeled yet. The order of
// ranking is kept as given.
func (s *Store) AddLastRanking(ctx context.Context, ranking []int64, meta models.ModelMeta) error {
	now := sqlite.Now()

	err := sqlite.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		unlabeled, err := queryIDs(ctx, tx, `
			SELECT rt.record_id FROM record_table rt
			WHERE rt.record_id NOT IN (SELECT record_id FROM results WHERE label IS NOT NULL)`)
		if err != nil {
			return err
		}
		if err := validatePermutation(ranking, unlabeled); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM last_ranking`); err != nil {
			return fmt.Errorf("failed to clear last ranking: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO last_ranking (record_id, ranking, classifier, querier, balancer, feature_extractor, training_set, decision_watermark, time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, id := range ranking {
			_, err := stmt.ExecContext(ctx, id, i, meta.Classifier, meta.Querier, meta.Balancer, meta.FeatureExtractor, meta.TrainingSet, meta.DecisionWatermark, now)
			if err != nil {
				return fmt.Errorf("failed to insert ranking row: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Last ranking replaced", zap.Int("records", len(ranking)), zap.Int("training_set", meta.TrainingSet))
	return nil
}

func validatePermutation(ranking, unlabeled []int64) error {
	if len(ranking) != len(unlabeled) {
		return &InvalidRankingError{Reason: fmt.Sprintf("ranking has %d records, %d records are unlabeled", len(ranking), len(unlabeled))}
	}

	want := make(map[int64]struct{}, len(unlabeled))
	for _, id := range unlabeled {
		want[id] = struct{}{}
	}

	seen := make(map[int64]struct{}, len(ranking))
	for _, id := range ranking {
		if _, dup := seen[id]; dup {
			return &InvalidRankingError{Reason: fmt.Sprintf("record %d appears more than once", id)}
		}
		seen[id] = struct{}{}
		if _, ok := want[id]; !ok {
			return &InvalidRankingError{Reason: fmt.Sprintf("record %d is labeled or not in the record table", id)}
		}
	}
	return nil
}

func (s *Store) GetLastRanking(ctx context.Context) ([]models.RankingRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, ranking, classifier, querier, balancer, feature_extractor, training_set, decision_watermark, time
		FROM last_ranking ORDER BY ranking`)
	if err != nil {
		return nil, fmt.Errorf("failed to get last ranking: %w", err)
	}
	defer rows.Close()

	ranking := []models.RankingRow{}
	for rows.Next() {
		var r models.RankingRow
		var t float64
		err := rows.Scan(&r.RecordID, &r.Ranking, &r.Meta.Classifier, &r.Meta.Querier, &r.Meta.Balancer,
			&r.Meta.FeatureExtractor, &r.Meta.TrainingSet, &r.Meta.DecisionWatermark, &t)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ranking row: %w", err)
		}
		r.Time = sqlite.FromReal(t)
		ranking = append(ranking, r)
	}
	return ranking, rows.Err()
}

// HasRanking reports whether any ranking has been stored.
func (s *Store) HasRanking(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM last_ranking`).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to count last ranking: %w", err)
	}
	return n > 0, nil
}

func (s *Store) GetRankingWithLabels(ctx context.Context) ([]RankedLabel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lr.record_id, r.label FROM last_ranking lr
		LEFT JOIN results r ON r.record_id = lr.record_id
		ORDER BY lr.ranking`)
	if err != nil {
		return nil, fmt.Errorf("failed to get ranking with labels: %w", err)
	}
	defer rows.Close()

	out := []RankedLabel{}
	for rows.Next() {
		var rl RankedLabel
		var label sql.NullInt64
		if err := rows.Scan(&rl.RecordID, &label); err != nil {
			return nil, fmt.Errorf("failed to scan ranked label: %w", err)
		}
		rl.Label = intPtr(label)
		out = append(out, rl)
	}
	return out, rows.Err()
}

// QueryTopRanked moves the n highest ranked records that are neither
// pending nor labeled into pending, and returns them in rank order.
func (s *Store) QueryTopRanked(ctx context.Context, n int) ([]int64, error) {
	if n <= 0 {
		return []int64{}, nil
	}

	var queried []int64
	now := sqlite.Now()

	err := sqlite.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		queried = queried[:0]
		rows, err := tx.QueryContext(ctx, `
			SELECT lr.record_id, lr.classifier, lr.querier, lr.balancer, lr.feature_extractor, lr.training_set
			FROM last_ranking lr
			LEFT JOIN results r ON r.record_id = lr.record_id
			WHERE r.record_id IS NULL
			ORDER BY lr.ranking
			LIMIT ?`, n)
		if err != nil {
			return fmt.Errorf("failed to select top ranked records: %w", err)
		}

		type top struct {
			id   int64
			meta models.ModelMeta
		}
		var tops []top
		for rows.Next() {
			var t top
			if err := rows.Scan(&t.id, &t.meta.Classifier, &t.meta.Querier, &t.meta.Balancer, &t.meta.FeatureExtractor, &t.meta.TrainingSet); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan top ranked record: %w", err)
			}
			tops = append(tops, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, t := range tops {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO results (record_id, label, classifier, querier, balancer, feature_extractor, training_set, time)
				VALUES (?, NULL, ?, ?, ?, ?, ?, ?)`,
				t.id, t.meta.Classifier, t.meta.Querier, t.meta.Balancer, t.meta.FeatureExtractor, t.meta.TrainingSet, now)
			if err != nil {
				return fmt.Errorf("failed to mark record %d pending: %w", t.id, err)
			}
			queried = append(queried, t.id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if queried == nil {
		queried = []int64{}
	}
	return queried, nil
}
