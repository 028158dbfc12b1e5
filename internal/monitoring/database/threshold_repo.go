package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// KPIThreshold bounds one KPI metric. Values inside [Min, Max] are healthy;
// breaching Critical escalates the severity tier.
type KPIThreshold struct {
	Metric   string  `json:"metric"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Critical float64 `json:"critical"`
}

// ThresholdSnapshot is one immutable configuration version, read once per
// evaluation cycle. Threshold-adjust actions write a new version rather than
// mutating in place, so concurrent cycles never observe a torn config.
type ThresholdSnapshot struct {
	Version    int64                   `json:"version"`
	CreatedAt  time.Time               `json:"created_at"`
	Thresholds map[string]KPIThreshold `json:"thresholds"`
}

// Lookup returns the threshold for a metric, if configured in this version.
func (s *ThresholdSnapshot) Lookup(metric string) (KPIThreshold, bool) {
	t, ok := s.Thresholds[metric]
	return t, ok
}

// ThresholdRepo stores versioned KPI threshold configuration.
type ThresholdRepo struct {
	db     *Database
	policy RetryPolicy
}

func NewThresholdRepo(db *Database, policy RetryPolicy) *ThresholdRepo {
	return &ThresholdRepo{db: db, policy: policy}
}

// Snapshot reads the latest configuration version. A store with no versions
// yields an empty snapshot (version 0), which alerts on nothing.
func (r *ThresholdRepo) Snapshot(ctx context.Context) (*ThresholdSnapshot, error) {
	snap := &ThresholdSnapshot{Thresholds: map[string]KPIThreshold{}}
	err := r.policy.Do(ctx, "threshold_snapshot", func(ctx context.Context) error {
		const vq = `SELECT version, created_at FROM kpi_threshold_versions ORDER BY version DESC LIMIT 1`
		err := r.db.QueryRowContext(ctx, vq).Scan(&snap.Version, &snap.CreatedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		const tq = `SELECT metric, min_value, max_value, critical_value FROM kpi_thresholds WHERE version = $1`
		rows, err := r.db.QueryContext(ctx, tq, snap.Version)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t KPIThreshold
			if err := rows.Scan(&t.Metric, &t.Min, &t.Max, &t.Critical); err != nil {
				return err
			}
			snap.Thresholds[t.Metric] = t
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Adjust writes a new configuration version: a copy of the latest with one
// metric's field changed. The new version is visible to the evaluator on its
// next cycle, never retroactively.
func (r *ThresholdRepo) Adjust(ctx context.Context, metric, field string, value float64, reason string) (int64, error) {
	if field != "min" && field != "max" && field != "critical" {
		return 0, fmt.Errorf("unknown threshold field %q", field)
	}
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	t, ok := snap.Thresholds[metric]
	if !ok {
		return 0, fmt.Errorf("no threshold configured for metric %q", metric)
	}
	switch field {
	case "min":
		t.Min = value
	case "max":
		t.Max = value
	case "critical":
		t.Critical = value
	}
	snap.Thresholds[metric] = t

	var newVersion int64
	err = r.policy.Do(ctx, "threshold_adjust", func(ctx context.Context) error {
		const vq = `INSERT INTO kpi_threshold_versions (created_at, reason) VALUES (now(), $1) RETURNING version`
		if err := r.db.QueryRowContext(ctx, vq, reason).Scan(&newVersion); err != nil {
			return err
		}
		const tq = `INSERT INTO kpi_thresholds (version, metric, min_value, max_value, critical_value)
VALUES ($1, $2, $3, $4, $5)`
		for _, th := range snap.Thresholds {
			if _, err := r.db.ExecContext(ctx, tq, newVersion, th.Metric, th.Min, th.Max, th.Critical); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}
