package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/watchtower-ops/watchtower/internal/monitoring/model"
)

// AlertRepo persists alerts. Inserts deduplicate on the alert's dedup key
// while an open alert exists for it; alerts are never deleted, only
// status-transitioned.
type AlertRepo struct {
	db     *Database
	policy RetryPolicy
}

func NewAlertRepo(db *Database, policy RetryPolicy) *AlertRepo {
	return &AlertRepo{db: db, policy: policy}
}

// Insert writes the alert unless an open alert with the same dedup key
// already exists. Relies on a partial unique index on (dedup_key) WHERE
// status = 'open'. Returns whether a row was created.
func (r *AlertRepo) Insert(ctx context.Context, a *model.Alert) (bool, error) {
	created := false
	err := r.policy.Do(ctx, "insert_alert", func(ctx context.Context) error {
		const q = `INSERT INTO alerts
(id, source, severity, dedup_key, metric_id, risk_category, result_ref, title, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (dedup_key) WHERE status = 'open' DO NOTHING
RETURNING id`
		var id string
		err := r.db.QueryRowContext(ctx, q, a.ID, a.Source, a.Severity, a.DedupKey,
			a.MetricID, a.RiskCategory, a.ResultRef, a.Title, a.Status, a.CreatedAt).Scan(&id)
		if err == sql.ErrNoRows {
			created = false
			return nil
		}
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func (r *AlertRepo) Get(ctx context.Context, id string) (*model.Alert, error) {
	var a model.Alert
	err := r.policy.Do(ctx, "get_alert", func(ctx context.Context) error {
		const q = `SELECT id, source, severity, dedup_key, metric_id, risk_category, result_ref, title, status, created_at
FROM alerts WHERE id = $1`
		err := r.db.QueryRowContext(ctx, q, id).Scan(&a.ID, &a.Source, &a.Severity, &a.DedupKey,
			&a.MetricID, &a.RiskCategory, &a.ResultRef, &a.Title, &a.Status, &a.CreatedAt)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: alert %s", model.ErrNotFound, id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// OpenByDedupKey returns the open alert currently holding a dedup key, or
// nil when none does. The scheduler uses it to find alerts persisted by a
// cycle that died before their playbook fired.
func (r *AlertRepo) OpenByDedupKey(ctx context.Context, key string) (*model.Alert, error) {
	var found *model.Alert
	err := r.policy.Do(ctx, "open_alert_by_dedup_key", func(ctx context.Context) error {
		const q = `SELECT id, source, severity, dedup_key, metric_id, risk_category, result_ref, title, status, created_at
FROM alerts WHERE dedup_key = $1 AND status = 'open' LIMIT 1`
		var a model.Alert
		err := r.db.QueryRowContext(ctx, q, key).Scan(&a.ID, &a.Source, &a.Severity, &a.DedupKey,
			&a.MetricID, &a.RiskCategory, &a.ResultRef, &a.Title, &a.Status, &a.CreatedAt)
		if err == sql.ErrNoRows {
			found = nil
			return nil
		}
		if err != nil {
			return err
		}
		found = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// List returns alerts ordered for triage: severity high to low, then most
// recent first. An empty status lists all.
func (r *AlertRepo) List(ctx context.Context, status model.AlertStatus, limit int) ([]*model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*model.Alert
	err := r.policy.Do(ctx, "list_alerts", func(ctx context.Context) error {
		const q = `SELECT id, source, severity, dedup_key, metric_id, risk_category, result_ref, title, status, created_at
FROM alerts
WHERE ($1 = '' OR status = $1)
ORDER BY CASE severity WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END DESC,
         created_at DESC
LIMIT $2`
		rows, err := r.db.QueryContext(ctx, q, string(status), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var a model.Alert
			if err := rows.Scan(&a.ID, &a.Source, &a.Severity, &a.DedupKey,
				&a.MetricID, &a.RiskCategory, &a.ResultRef, &a.Title, &a.Status, &a.CreatedAt); err != nil {
				return err
			}
			out = append(out, &a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var allowedTransitions = map[model.AlertStatus][]model.AlertStatus{
	model.AlertOpen:         {model.AlertAcknowledged, model.AlertResolved},
	model.AlertAcknowledged: {model.AlertResolved},
}

// UpdateStatus transitions an alert's status. Invalid transitions (anything
// out of resolved, or backwards) fail without touching the row.
func (r *AlertRepo) UpdateStatus(ctx context.Context, id string, next model.AlertStatus) error {
	return r.policy.Do(ctx, "update_alert_status", func(ctx context.Context) error {
		var current model.AlertStatus
		if err := r.db.QueryRowContext(ctx, `SELECT status FROM alerts WHERE id = $1`, id).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: alert %s", model.ErrNotFound, id)
			}
			return err
		}
		ok := false
		for _, s := range allowedTransitions[current] {
			if s == next {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: alert %s: %s -> %s", model.ErrInvalidTransition, id, current, next)
		}
		_, err := r.db.ExecContext(ctx, `UPDATE alerts SET status = $2 WHERE id = $1 AND status = $3`, id, next, current)
		return err
	})
}

// Annotate appends a note to an alert (playbook outcomes, action failures).
// Duplicate notes for the same alert are skipped.
func (r *AlertRepo) Annotate(ctx context.Context, alertID, content string) error {
	return r.policy.Do(ctx, "annotate_alert", func(ctx context.Context) error {
		const existsQ = `SELECT 1 FROM alert_annotations WHERE alert_id = $1 AND content = $2 LIMIT 1`
		const insertQ = `INSERT INTO alert_annotations (alert_id, created_at, content) VALUES ($1, $2, $3)`
		if rows, err := r.db.QueryContext(ctx, existsQ, alertID, content); err == nil {
			defer rows.Close()
			if rows.Next() {
				return nil
			}
		}
		_, err := r.db.ExecContext(ctx, insertQ, alertID, time.Now().UTC(), content)
		return err
	})
}

// Annotations returns an alert's notes, oldest first.
func (r *AlertRepo) Annotations(ctx context.Context, alertID string) ([]string, error) {
	var out []string
	err := r.policy.Do(ctx, "alert_annotations", func(ctx context.Context) error {
		const q = `SELECT content FROM alert_annotations WHERE alert_id = $1 ORDER BY created_at ASC`
		rows, err := r.db.QueryContext(ctx, q, alertID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var c string
			if err := rows.Scan(&c); err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
