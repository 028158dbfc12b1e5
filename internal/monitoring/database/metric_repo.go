package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/watchtower-ops/watchtower/internal/monitoring/model"
)

// MetricRepo is the read side of the metric store: time-stamped KPI rows and
// the observation log the evaluation windows are cut from.
type MetricRepo struct {
	db     *Database
	policy RetryPolicy
}

func NewMetricRepo(db *Database, policy RetryPolicy) *MetricRepo {
	return &MetricRepo{db: db, policy: policy}
}

// FetchWindow returns the ordered samples for a metric (optionally scoped to
// a risk category) within [start, end).
func (r *MetricRepo) FetchWindow(ctx context.Context, metricID, category string, start, end time.Time) (*model.Window, error) {
	win := &model.Window{MetricID: metricID, Category: category, Start: start, End: end}
	err := r.policy.Do(ctx, "fetch_window", func(ctx context.Context) error {
		const q = `SELECT ts, value, features, label, predicted
FROM observations
WHERE metric_id = $1 AND ($2 = '' OR category = $2) AND ts >= $3 AND ts < $4
ORDER BY ts ASC`
		rows, err := r.db.QueryContext(ctx, q, metricID, category, start, end)
		if err != nil {
			return err
		}
		defer rows.Close()
		samples, err := scanSamples(rows)
		if err != nil {
			return err
		}
		win.Samples = samples
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return win, nil
}

// FetchBaseline returns the reference window ending at ref and looking back
// the given duration.
func (r *MetricRepo) FetchBaseline(ctx context.Context, metricID, category string, ref time.Time, lookback time.Duration) (*model.Window, error) {
	return r.FetchWindow(ctx, metricID, category, ref.Add(-lookback), ref)
}

// LatestSnapshots returns KPI rows for a model written since the given time.
func (r *MetricRepo) LatestSnapshots(ctx context.Context, modelName string, since time.Time) ([]model.MetricSnapshot, error) {
	var out []model.MetricSnapshot
	err := r.policy.Do(ctx, "latest_snapshots", func(ctx context.Context) error {
		const q = `SELECT DISTINCT ON (metric_name) metric_name, ts, value, model_name, tags
FROM metric_snapshots
WHERE model_name = $1 AND ts >= $2
ORDER BY metric_name, ts DESC`
		rows, err := r.db.QueryContext(ctx, q, modelName, since)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var s model.MetricSnapshot
			var tagsRaw sql.NullString
			if err := rows.Scan(&s.MetricName, &s.Timestamp, &s.Value, &s.ModelName, &tagsRaw); err != nil {
				return err
			}
			if tagsRaw.Valid && tagsRaw.String != "" {
				_ = json.Unmarshal([]byte(tagsRaw.String), &s.Tags)
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendSnapshot writes one KPI row. Snapshots are append-only.
func (r *MetricRepo) AppendSnapshot(ctx context.Context, s *model.MetricSnapshot) error {
	return r.policy.Do(ctx, "append_snapshot", func(ctx context.Context) error {
		tagsJSON, _ := json.Marshal(s.Tags)
		const q = `INSERT INTO metric_snapshots (metric_name, ts, value, model_name, tags)
VALUES ($1, $2, $3, $4, $5::jsonb)`
		_, err := r.db.ExecContext(ctx, q, s.MetricName, s.Timestamp, s.Value, s.ModelName, string(tagsJSON))
		return err
	})
}

func scanSamples(rows *sql.Rows) ([]model.Sample, error) {
	var out []model.Sample
	for rows.Next() {
		var s model.Sample
		var featuresRaw sql.NullString
		var label, predicted sql.NullInt64
		if err := rows.Scan(&s.Timestamp, &s.Value, &featuresRaw, &label, &predicted); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		if featuresRaw.Valid && featuresRaw.String != "" {
			_ = json.Unmarshal([]byte(featuresRaw.String), &s.Features)
		}
		if label.Valid {
			v := int(label.Int64)
			s.Label = &v
		}
		if predicted.Valid {
			v := int(predicted.Int64)
			s.Predicted = &v
		}
		out = append(out, s)
	}
	return out, nil
}
