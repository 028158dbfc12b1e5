package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/watchtower-ops/watchtower/internal/monitoring/model"
)

// PlaybookRepo persists playbook runs and their action logs. The run state
// column only ever moves forward; terminal states are absorbing, enforced by
// compare-and-swap updates.
type PlaybookRepo struct {
	db     *Database
	policy RetryPolicy
}

func NewPlaybookRepo(db *Database, policy RetryPolicy) *PlaybookRepo {
	return &PlaybookRepo{db: db, policy: policy}
}

func (r *PlaybookRepo) InsertRun(ctx context.Context, run *model.PlaybookRun) error {
	return r.policy.Do(ctx, "insert_run", func(ctx context.Context) error {
		const q = `INSERT INTO playbook_runs (id, rule_id, alert_id, state, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`
		_, err := r.db.ExecContext(ctx, q, run.ID, run.RuleID, run.AlertID, run.State, run.CreatedAt, run.UpdatedAt)
		return err
	})
}

// TransitionState moves a run from one state to the next. The update is a
// CAS on the current state, so a transition out of a terminal state (or a
// stale transition) affects zero rows and fails loudly.
func (r *PlaybookRepo) TransitionState(ctx context.Context, runID string, from, to model.RunState) error {
	if from.Terminal() {
		return fmt.Errorf("run %s: no transition out of terminal state %s", runID, from)
	}
	return r.policy.Do(ctx, "transition_run_state", func(ctx context.Context) error {
		const q = `UPDATE playbook_runs SET state = $3, updated_at = now() WHERE id = $1 AND state = $2`
		res, err := r.db.ExecContext(ctx, q, runID, from, to)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("run %s: state is no longer %s", runID, from)
		}
		return nil
	})
}

// AppendActionRecord appends one entry to a run's action log at the given
// sequence position. The (run_id, seq) primary key makes replays that race a
// completed action land on the existing row instead of double-logging.
func (r *PlaybookRepo) AppendActionRecord(ctx context.Context, runID string, seq int, rec model.ActionRecord) error {
	return r.policy.Do(ctx, "append_action_record", func(ctx context.Context) error {
		const q = `INSERT INTO playbook_action_log (run_id, seq, action_id, outcome, detail, ts)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (run_id, seq) DO NOTHING`
		_, err := r.db.ExecContext(ctx, q, runID, seq, rec.ActionID, rec.Outcome, rec.Detail, rec.Timestamp)
		return err
	})
}

// NonTerminalRunForAlert returns the pending or executing run for an alert,
// or nil. At most one can exist at a time.
func (r *PlaybookRepo) NonTerminalRunForAlert(ctx context.Context, alertID string) (*model.PlaybookRun, error) {
	var run *model.PlaybookRun
	err := r.policy.Do(ctx, "nonterminal_run_for_alert", func(ctx context.Context) error {
		const q = `SELECT id, rule_id, alert_id, state, created_at, updated_at
FROM playbook_runs
WHERE alert_id = $1 AND state IN ('pending', 'executing')
LIMIT 1`
		var pr model.PlaybookRun
		err := r.db.QueryRowContext(ctx, q, alertID).Scan(&pr.ID, &pr.RuleID, &pr.AlertID, &pr.State, &pr.CreatedAt, &pr.UpdatedAt)
		if err == sql.ErrNoRows {
			run = nil
			return nil
		}
		if err != nil {
			return err
		}
		run = &pr
		return nil
	})
	if err != nil {
		return nil, err
	}
	if run != nil {
		if err := r.loadActionLog(ctx, run); err != nil {
			return nil, err
		}
	}
	return run, nil
}

func (r *PlaybookRepo) GetRun(ctx context.Context, runID string) (*model.PlaybookRun, error) {
	var run model.PlaybookRun
	err := r.policy.Do(ctx, "get_run", func(ctx context.Context) error {
		const q = `SELECT id, rule_id, alert_id, state, created_at, updated_at FROM playbook_runs WHERE id = $1`
		err := r.db.QueryRowContext(ctx, q, runID).Scan(&run.ID, &run.RuleID, &run.AlertID, &run.State, &run.CreatedAt, &run.UpdatedAt)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: run %s", model.ErrNotFound, runID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := r.loadActionLog(ctx, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListNonTerminalRuns returns every pending or executing run, oldest first.
// Startup recovery resumes these after a crash.
func (r *PlaybookRepo) ListNonTerminalRuns(ctx context.Context) ([]*model.PlaybookRun, error) {
	var out []*model.PlaybookRun
	err := r.policy.Do(ctx, "list_nonterminal_runs", func(ctx context.Context) error {
		const q = `SELECT id, rule_id, alert_id, state, created_at, updated_at
FROM playbook_runs WHERE state IN ('pending', 'executing') ORDER BY created_at ASC`
		rows, err := r.db.QueryContext(ctx, q)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var pr model.PlaybookRun
			if err := rows.Scan(&pr.ID, &pr.RuleID, &pr.AlertID, &pr.State, &pr.CreatedAt, &pr.UpdatedAt); err != nil {
				return err
			}
			out = append(out, &pr)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	for _, run := range out {
		if err := r.loadActionLog(ctx, run); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// HasRunForAlert reports whether any run, terminal or not, exists for the
// alert.
func (r *PlaybookRepo) HasRunForAlert(ctx context.Context, alertID string) (bool, error) {
	var has bool
	err := r.policy.Do(ctx, "has_run_for_alert", func(ctx context.Context) error {
		const q = `SELECT 1 FROM playbook_runs WHERE alert_id = $1 LIMIT 1`
		var one int
		err := r.db.QueryRowContext(ctx, q, alertID).Scan(&one)
		if err == sql.ErrNoRows {
			has = false
			return nil
		}
		if err != nil {
			return err
		}
		has = true
		return nil
	})
	return has, err
}

// ListRuns returns recent runs, newest first.
func (r *PlaybookRepo) ListRuns(ctx context.Context, limit int) ([]*model.PlaybookRun, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*model.PlaybookRun
	err := r.policy.Do(ctx, "list_runs", func(ctx context.Context) error {
		const q = `SELECT id, rule_id, alert_id, state, created_at, updated_at
FROM playbook_runs ORDER BY created_at DESC LIMIT $1`
		rows, err := r.db.QueryContext(ctx, q, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var pr model.PlaybookRun
			if err := rows.Scan(&pr.ID, &pr.RuleID, &pr.AlertID, &pr.State, &pr.CreatedAt, &pr.UpdatedAt); err != nil {
				return err
			}
			out = append(out, &pr)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	for _, run := range out {
		if err := r.loadActionLog(ctx, run); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *PlaybookRepo) loadActionLog(ctx context.Context, run *model.PlaybookRun) error {
	return r.policy.Do(ctx, "load_action_log", func(ctx context.Context) error {
		const q = `SELECT action_id, outcome, detail, ts FROM playbook_action_log WHERE run_id = $1 ORDER BY seq ASC`
		rows, err := r.db.QueryContext(ctx, q, run.ID)
		if err != nil {
			return err
		}
		defer rows.Close()
		run.ActionLog = run.ActionLog[:0]
		for rows.Next() {
			var rec model.ActionRecord
			if err := rows.Scan(&rec.ActionID, &rec.Outcome, &rec.Detail, &rec.Timestamp); err != nil {
				return err
			}
			run.ActionLog = append(run.ActionLog, rec)
		}
		return rows.Err()
	})
}
