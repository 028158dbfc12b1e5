package database

import (
	"context"
	"fmt"
	"time"
)

// EvaluationCycle is the audit record for one scheduler cycle. Every error
// the engine reports is attributable to exactly one of these rows.
type EvaluationCycle struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Status    string        `json:"status"` // "ok" | "failed" | "cancelled"
	Detail    string        `json:"detail,omitempty"`
}

// CycleRepo persists cycle audit records.
type CycleRepo struct {
	db     *Database
	policy RetryPolicy
}

func NewCycleRepo(db *Database, policy RetryPolicy) *CycleRepo {
	return &CycleRepo{db: db, policy: policy}
}

func (r *CycleRepo) RecordCycle(ctx context.Context, c *EvaluationCycle) error {
	iv := durationToPgInterval(c.Duration)
	literal := fmt.Sprintf("%d days %d microseconds", iv.Days, iv.Microseconds)
	return r.policy.Do(ctx, "record_cycle", func(ctx context.Context) error {
		const q = `INSERT INTO evaluation_cycles (id, started_at, duration, status, detail)
VALUES ($1, $2, $3::interval, $4, $5)`
		_, err := r.db.ExecContext(ctx, q, c.ID, c.StartedAt, literal, c.Status, c.Detail)
		return err
	})
}

// RecentCycles returns the newest cycle records.
func (r *CycleRepo) RecentCycles(ctx context.Context, limit int) ([]EvaluationCycle, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []EvaluationCycle
	err := r.policy.Do(ctx, "recent_cycles", func(ctx context.Context) error {
		const q = `SELECT id, started_at, duration::text, status, detail
FROM evaluation_cycles ORDER BY started_at DESC LIMIT $1`
		rows, err := r.db.QueryContext(ctx, q, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var c EvaluationCycle
			var durText string
			if err := rows.Scan(&c.ID, &c.StartedAt, &durText, &c.Status, &c.Detail); err != nil {
				return err
			}
			if d, perr := parseIntervalText(durText); perr == nil {
				c.Duration = d
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
