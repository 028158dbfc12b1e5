package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/watchtower-ops/watchtower/internal/monitoring/model"
)

// ResultRepo persists evaluation outputs. Drift results and coverage reports
// are append-only; they are never mutated after the cycle that produced them.
type ResultRepo struct {
	db     *Database
	policy RetryPolicy
}

func NewResultRepo(db *Database, policy RetryPolicy) *ResultRepo {
	return &ResultRepo{db: db, policy: policy}
}

func (r *ResultRepo) InsertDriftResult(ctx context.Context, res *model.DriftResult) error {
	return r.policy.Do(ctx, "insert_drift_result", func(ctx context.Context) error {
		const q = `INSERT INTO drift_results
(id, metric_id, kind, statistic, p_value, severity, flagged_features, total_features, window_start, window_end, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
		_, err := r.db.ExecContext(ctx, q, res.ID, res.MetricID, res.Kind, res.Statistic, res.PValue,
			res.Severity, res.FlaggedFeatures, res.TotalFeatures, res.WindowStart, res.WindowEnd, res.CreatedAt)
		return err
	})
}

func (r *ResultRepo) InsertCoverageReport(ctx context.Context, rep *model.CoverageReport) error {
	return r.policy.Do(ctx, "insert_coverage_report", func(ctx context.Context) error {
		const q = `INSERT INTO coverage_reports
(id, risk_category, covered_count, total_count, coverage_ratio, ratio_defined, gap_flag, trend, window_start, window_end, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
		_, err := r.db.ExecContext(ctx, q, rep.ID, rep.RiskCategory, rep.CoveredCount, rep.TotalCount,
			rep.Ratio, rep.RatioDefined, rep.GapFlag, rep.Trend, rep.WindowStart, rep.WindowEnd, rep.CreatedAt)
		return err
	})
}

// PreviousCoverageRatio returns the ratio from the immediately preceding
// evaluation cycle for a category, or nil when none exists (first cycle or
// the previous report carried no volume).
func (r *ResultRepo) PreviousCoverageRatio(ctx context.Context, category string) (*float64, error) {
	var out *float64
	err := r.policy.Do(ctx, "previous_coverage_ratio", func(ctx context.Context) error {
		const q = `SELECT coverage_ratio, ratio_defined
FROM coverage_reports
WHERE risk_category = $1
ORDER BY created_at DESC
LIMIT 1`
		var ratio float64
		var defined bool
		err := r.db.QueryRowContext(ctx, q, category).Scan(&ratio, &defined)
		if err == sql.ErrNoRows {
			out = nil
			return nil
		}
		if err != nil {
			return err
		}
		if defined {
			out = &ratio
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TrendPoint is one aggregated day of history for the API trend surfaces.
type TrendPoint struct {
	Date       time.Time `json:"date"`
	AvgValue   float64   `json:"avg_value"`
	MaxValue   float64   `json:"max_value"`
	EventCount int       `json:"event_count"`
}

// DriftTrend aggregates daily drift statistics for a metric.
func (r *ResultRepo) DriftTrend(ctx context.Context, metricID string, since time.Time) ([]TrendPoint, error) {
	const q = `SELECT date_trunc('day', created_at) AS day,
AVG(statistic), MAX(statistic),
SUM(CASE WHEN severity <> 'none' THEN 1 ELSE 0 END)
FROM drift_results
WHERE metric_id = $1 AND created_at >= $2
GROUP BY day
ORDER BY day ASC`
	return r.trend(ctx, "drift_trend", q, metricID, since)
}

// CoverageTrend aggregates daily coverage ratios for a category.
func (r *ResultRepo) CoverageTrend(ctx context.Context, category string, since time.Time) ([]TrendPoint, error) {
	const q = `SELECT date_trunc('day', created_at) AS day,
AVG(coverage_ratio), MAX(coverage_ratio),
SUM(CASE WHEN gap_flag THEN 1 ELSE 0 END)
FROM coverage_reports
WHERE risk_category = $1 AND created_at >= $2 AND ratio_defined
GROUP BY day
ORDER BY day ASC`
	return r.trend(ctx, "coverage_trend", q, category, since)
}

func (r *ResultRepo) trend(ctx context.Context, name, q string, key string, since time.Time) ([]TrendPoint, error) {
	var out []TrendPoint
	err := r.policy.Do(ctx, name, func(ctx context.Context) error {
		rows, err := r.db.QueryContext(ctx, q, key, since)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var p TrendPoint
			if err := rows.Scan(&p.Date, &p.AvgValue, &p.MaxValue, &p.EventCount); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
