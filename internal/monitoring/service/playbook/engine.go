package playbook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watchtower-ops/watchtower/internal/monitoring/model"
)

// RunStore is the persistence surface the engine needs for runs.
// *database.PlaybookRepo satisfies it.
type RunStore interface {
	InsertRun(ctx context.Context, run *model.PlaybookRun) error
	TransitionState(ctx context.Context, runID string, from, to model.RunState) error
	AppendActionRecord(ctx context.Context, runID string, seq int, rec model.ActionRecord) error
	NonTerminalRunForAlert(ctx context.Context, alertID string) (*model.PlaybookRun, error)
	GetRun(ctx context.Context, runID string) (*model.PlaybookRun, error)
	ListNonTerminalRuns(ctx context.Context) ([]*model.PlaybookRun, error)
	HasRunForAlert(ctx context.Context, alertID string) (bool, error)
}

// AlertStore lets the engine close the loop on the triggering alert.
// *database.AlertRepo satisfies it.
type AlertStore interface {
	Get(ctx context.Context, id string) (*model.Alert, error)
	UpdateStatus(ctx context.Context, id string, next model.AlertStatus) error
	Annotate(ctx context.Context, alertID, content string) error
}

type EngineConfig struct {
	LeaseTTL      time.Duration
	ActionTimeout time.Duration
}

// Engine owns playbook runs from creation to a terminal state.
type Engine struct {
	registry *Registry
	runs     RunStore
	alerts   AlertStore
	handlers map[ActionKind]Handler
	lease    Lease
	cfg      EngineConfig

	mu        sync.Mutex
	lastFired map[string]time.Time // per rule id, for cooldowns
	clock     func() time.Time
}

func NewEngine(registry *Registry, runs RunStore, alerts AlertStore, actions *Actions, lease Lease, cfg EngineConfig) *Engine {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 30 * time.Second
	}
	if lease == nil {
		lease = NewMemoryLease()
	}
	return &Engine{
		registry:  registry,
		runs:      runs,
		alerts:    alerts,
		handlers:  actions.Handlers(),
		lease:     lease,
		cfg:       cfg,
		lastFired: map[string]time.Time{},
		clock:     time.Now,
	}
}

// HandleAlert matches the alert against the registry and, on the first
// matching rule, creates and executes one run. Returns (nil, nil) when no
// rule matches, the rule is cooling down, the lease is held elsewhere, or a
// non-terminal run already exists for the alert.
func (e *Engine) HandleAlert(ctx context.Context, alert *model.Alert) (*model.PlaybookRun, error) {
	rule, ok := e.registry.FirstMatch(alert)
	if !ok {
		log.Debug().Str("alert", alert.ID).Msg("no playbook rule matches")
		return nil, nil
	}
	if e.coolingDown(rule) {
		log.Debug().Str("alert", alert.ID).Str("rule", rule.ID).Msg("rule cooling down")
		return nil, nil
	}

	release, got, err := e.lease.Acquire(ctx, alert.DedupKey, e.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lease for %s: %w", alert.DedupKey, err)
	}
	if !got {
		log.Debug().Str("alert", alert.ID).Msg("lease held elsewhere, skipping")
		return nil, nil
	}
	defer release()

	if existing, err := e.runs.NonTerminalRunForAlert(ctx, alert.ID); err != nil {
		return nil, err
	} else if existing != nil {
		log.Debug().Str("alert", alert.ID).Str("run", existing.ID).Msg("run already in flight")
		return nil, nil
	}

	now := e.clock().UTC()
	run := &model.PlaybookRun{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		AlertID:   alert.ID,
		State:     model.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.runs.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	e.markFired(rule)

	log.Info().Str("alert", alert.ID).Str("rule", rule.ID).Str("run", run.ID).Msg("playbook run created")
	return run, e.execute(ctx, rule, run, alert, 0)
}

// HandleOrphanedAlert routes an open alert from an earlier cycle that never
// reached the engine (the cycle died between persisting the alert and
// dispatching it). Alerts with any run history, terminal or not, are left
// alone.
func (e *Engine) HandleOrphanedAlert(ctx context.Context, alert *model.Alert) (*model.PlaybookRun, error) {
	has, err := e.runs.HasRunForAlert(ctx, alert.ID)
	if err != nil {
		return nil, err
	}
	if has {
		return nil, nil
	}
	log.Info().Str("alert", alert.ID).Msg("routing stranded alert to playbooks")
	return e.HandleAlert(ctx, alert)
}

// RecoverRuns resumes every run left non-terminal by a previous process.
// Called once at startup, before the scheduler ticks. A failing action is
// not a recovery error; the run lands in its terminal state either way.
func (e *Engine) RecoverRuns(ctx context.Context) (int, error) {
	stuck, err := e.runs.ListNonTerminalRuns(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, run := range stuck {
		if _, err := e.Resume(ctx, run.ID); err != nil && !errors.Is(err, model.ErrActionFailed) {
			log.Error().Err(err).Str("run", run.ID).Msg("run recovery failed")
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Resume replays a run after a crash. Already-logged actions are skipped,
// never re-executed; terminal runs are returned untouched.
func (e *Engine) Resume(ctx context.Context, runID string) (*model.PlaybookRun, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State.Terminal() {
		return run, nil
	}
	rule, ok := e.registry.Rule(run.RuleID)
	if !ok {
		if err := e.runs.TransitionState(ctx, run.ID, run.State, model.RunFailed); err != nil {
			return run, err
		}
		run.State = model.RunFailed
		return run, fmt.Errorf("resume run %s: rule %s no longer in registry", run.ID, run.RuleID)
	}
	alert, err := e.alerts.Get(ctx, run.AlertID)
	if err != nil {
		return nil, err
	}

	start := len(run.ActionLog)
	if start > 0 && run.ActionLog[start-1].Outcome != outcomeSuccess {
		// Last logged action failed but the state write was lost. Finish the
		// transition instead of re-running anything.
		if err := e.runs.TransitionState(ctx, run.ID, run.State, model.RunFailed); err != nil {
			return run, err
		}
		run.State = model.RunFailed
		return run, nil
	}

	log.Info().Str("run", run.ID).Int("resume_at", start).Msg("resuming playbook run")
	return run, e.execute(ctx, rule, run, alert, start)
}

const (
	outcomeSuccess = "success"
	outcomeFailed  = "failed"
)

// execute drives actions [start, len) strictly in order, appending each
// outcome before the next action starts. The sequence runs on a context
// detached from cycle cancellation; cancellation takes effect only at cycle
// boundaries, never mid-sequence.
func (e *Engine) execute(ctx context.Context, rule *TriggerRule, run *model.PlaybookRun, alert *model.Alert, start int) error {
	detached := context.WithoutCancel(ctx)

	if run.State == model.RunPending {
		if err := e.runs.TransitionState(detached, run.ID, model.RunPending, model.RunExecuting); err != nil {
			return err
		}
		run.State = model.RunExecuting
	}

	for seq := start; seq < len(rule.Actions); seq++ {
		act := rule.Actions[seq]
		handler := e.handlers[act.Kind]

		actx, cancel := context.WithTimeout(detached, e.cfg.ActionTimeout)
		detail, actErr := handler(actx, act, alert)
		cancel()

		rec := model.ActionRecord{
			ActionID:  act.ID,
			Outcome:   outcomeSuccess,
			Detail:    detail,
			Timestamp: e.clock().UTC(),
		}
		if actErr != nil {
			rec.Outcome = outcomeFailed
			rec.Detail = actErr.Error()
		}
		if err := e.runs.AppendActionRecord(detached, run.ID, seq, rec); err != nil {
			return err
		}
		run.ActionLog = append(run.ActionLog, rec)

		if actErr != nil {
			if err := e.runs.TransitionState(detached, run.ID, model.RunExecuting, model.RunFailed); err != nil {
				return err
			}
			run.State = model.RunFailed
			note := fmt.Sprintf("playbook %s failed at action %s: %v", rule.ID, act.ID, actErr)
			if err := e.alerts.Annotate(detached, alert.ID, note); err != nil {
				log.Error().Err(err).Str("alert", alert.ID).Msg("annotate failed")
			}
			log.Error().Err(actErr).Str("run", run.ID).Str("action", act.ID).Msg("playbook run failed")
			return fmt.Errorf("%w: run %s action %s: %v", model.ErrActionFailed, run.ID, act.ID, actErr)
		}
	}

	if err := e.runs.TransitionState(detached, run.ID, model.RunExecuting, model.RunSucceeded); err != nil {
		return err
	}
	run.State = model.RunSucceeded
	if err := e.alerts.Annotate(detached, alert.ID, fmt.Sprintf("remediated by playbook %s", rule.ID)); err != nil {
		log.Error().Err(err).Str("alert", alert.ID).Msg("annotate failed")
	}
	if err := e.alerts.UpdateStatus(detached, alert.ID, model.AlertResolved); err != nil {
		log.Warn().Err(err).Str("alert", alert.ID).Msg("could not resolve alert after playbook success")
	}
	log.Info().Str("run", run.ID).Str("rule", rule.ID).Msg("playbook run succeeded")
	return nil
}

func (e *Engine) coolingDown(rule *TriggerRule) bool {
	cd := time.Duration(rule.Cooldown)
	if cd <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastFired[rule.ID]
	return ok && e.clock().Sub(last) < cd
}

func (e *Engine) markFired(rule *TriggerRule) {
	e.mu.Lock()
	e.lastFired[rule.ID] = e.clock()
	e.mu.Unlock()
}
