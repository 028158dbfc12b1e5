// Package scheduler drives discrete evaluation cycles: window reads fan out
// to the drift detector and coverage analyzer in parallel, the joined
// results flow serially through the alert evaluator and the playbook engine,
// and every cycle leaves an audit row.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watchtower-ops/watchtower/internal/monitoring/database"
	"github.com/watchtower-ops/watchtower/internal/monitoring/model"
	"github.com/watchtower-ops/watchtower/internal/monitoring/service/coverage"
	"github.com/watchtower-ops/watchtower/internal/monitoring/service/drift"
	"github.com/watchtower-ops/watchtower/internal/monitoring/service/kpialert"
)

// MetricSource reads evaluation windows. *database.MetricRepo satisfies it.
type MetricSource interface {
	FetchWindow(ctx context.Context, metricID, category string, start, end time.Time) (*model.Window, error)
	FetchBaseline(ctx context.Context, metricID, category string, ref time.Time, lookback time.Duration) (*model.Window, error)
	LatestSnapshots(ctx context.Context, modelName string, since time.Time) ([]model.MetricSnapshot, error)
}

// ResultSink persists evaluation outputs. *database.ResultRepo satisfies it.
type ResultSink interface {
	InsertDriftResult(ctx context.Context, res *model.DriftResult) error
	InsertCoverageReport(ctx context.Context, rep *model.CoverageReport) error
	PreviousCoverageRatio(ctx context.Context, category string) (*float64, error)
}

// AlertSink persists alerts; Insert reports whether the alert was new or a
// dedup hit. *database.AlertRepo satisfies it.
type AlertSink interface {
	Insert(ctx context.Context, a *model.Alert) (bool, error)
	OpenByDedupKey(ctx context.Context, key string) (*model.Alert, error)
}

// ThresholdSource provides the per-cycle KPI threshold snapshot.
type ThresholdSource interface {
	Snapshot(ctx context.Context) (*database.ThresholdSnapshot, error)
}

// CycleAudit records one row per finished cycle.
type CycleAudit interface {
	RecordCycle(ctx context.Context, c *database.EvaluationCycle) error
}

// PlaybookRunner is the playbook engine's entry point. HandleOrphanedAlert
// takes open alerts persisted by a cycle that died before dispatching them.
type PlaybookRunner interface {
	HandleAlert(ctx context.Context, alert *model.Alert) (*model.PlaybookRun, error)
	HandleOrphanedAlert(ctx context.Context, alert *model.Alert) (*model.PlaybookRun, error)
}

// Reloader is an optional hook run between cycles (registry hot-reload).
type Reloader interface {
	Reload() error
}

type Deps struct {
	Metrics    MetricSource
	Results    ResultSink
	Alerts     AlertSink
	Thresholds ThresholdSource
	Cycles     CycleAudit
	Playbooks  PlaybookRunner
	Registry   Reloader

	Drift     *drift.Detector
	Coverage  *coverage.Analyzer
	Evaluator *kpialert.Evaluator

	Interval         time.Duration
	WindowRange      time.Duration
	BaselineLookback time.Duration
	ModelName        string
	MetricIDs        []string
	Features         []string
	Categories       []string

	// StoreFailureEscalation is how many consecutive failed cycles raise a
	// systemic alert.
	StoreFailureEscalation int
}

type Scheduler struct {
	deps Deps

	mu            sync.Mutex
	failureStreak int
	clock         func() time.Time
}

func New(deps Deps) *Scheduler {
	if deps.Interval <= 0 {
		deps.Interval = 5 * time.Minute
	}
	if deps.WindowRange <= 0 {
		deps.WindowRange = 24 * time.Hour
	}
	if deps.BaselineLookback <= 0 {
		deps.BaselineLookback = 30 * 24 * time.Hour
	}
	if deps.StoreFailureEscalation <= 0 {
		deps.StoreFailureEscalation = 3
	}
	return &Scheduler{deps: deps, clock: time.Now}
}

// Start runs cycles on a ticker until ctx is cancelled. Cancellation takes
// effect between cycles; an in-flight cycle discards its partial results.
func (s *Scheduler) Start(ctx context.Context) {
	t := time.NewTicker(s.deps.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("evaluation scheduler stopped")
			return
		case <-t.C:
			if s.deps.Registry != nil {
				if err := s.deps.Registry.Reload(); err != nil {
					log.Error().Err(err).Msg("registry reload failed, keeping previous rules")
				}
			}
			if err := s.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("evaluation cycle failed")
			}
		}
	}
}

type cycleOutput struct {
	drift    []*model.DriftResult
	coverage []*model.CoverageReport
}

// RunCycle executes one full evaluation cycle. All evaluation happens in
// memory first; nothing is committed if the cycle's context is cancelled
// before the commit point.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	started := s.clock().UTC()
	err := s.runCycle(ctx, started)

	status := "ok"
	detail := ""
	switch {
	case errors.Is(err, context.Canceled):
		status = "cancelled"
		detail = "cancelled at cycle boundary, partial results discarded"
	case err != nil:
		status = "failed"
		detail = err.Error()
	}
	cyclesTotal.WithLabelValues(status).Inc()

	rec := &database.EvaluationCycle{
		ID:        uuid.NewString(),
		StartedAt: started,
		Duration:  s.clock().UTC().Sub(started),
		Status:    status,
		Detail:    detail,
	}
	// The audit write must survive the cycle's own cancellation.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if aerr := s.deps.Cycles.RecordCycle(actx, rec); aerr != nil {
		log.Error().Err(aerr).Msg("cycle audit write failed")
	}

	if err != nil && errors.Is(err, model.ErrStoreUnavailable) {
		storeFailures.Inc()
		s.escalateStoreFailure(actx)
	} else if err == nil {
		s.mu.Lock()
		s.failureStreak = 0
		s.mu.Unlock()
	}
	return err
}

func (s *Scheduler) runCycle(ctx context.Context, started time.Time) error {
	winStart := started.Add(-s.deps.WindowRange)
	out := &cycleOutput{}

	var wg sync.WaitGroup
	var driftErr, covErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		out.drift, driftErr = s.evaluateDrift(ctx, winStart, started)
	}()
	go func() {
		defer wg.Done()
		out.coverage, covErr = s.evaluateCoverage(ctx, winStart, started)
	}()
	wg.Wait()

	if err := errors.Join(driftErr, covErr); err != nil {
		return err
	}
	// Commit point: a cancelled cycle discards everything evaluated above.
	if err := ctx.Err(); err != nil {
		log.Warn().Msg("cycle cancelled, discarding partial results")
		return err
	}

	for _, res := range out.drift {
		if err := s.deps.Results.InsertDriftResult(ctx, res); err != nil {
			return err
		}
		driftDetections.WithLabelValues(string(res.Kind), string(res.Severity)).Inc()
	}
	for _, rep := range out.coverage {
		if err := s.deps.Results.InsertCoverageReport(ctx, rep); err != nil {
			return err
		}
	}

	snap, err := s.deps.Thresholds.Snapshot(ctx)
	if err != nil {
		return err
	}
	kpis, err := s.deps.Metrics.LatestSnapshots(ctx, s.deps.ModelName, winStart)
	if err != nil {
		return err
	}

	alerts := s.deps.Evaluator.Evaluate(out.drift, out.coverage, kpis, snap)

	// Creation order, serially: playbook side effects must not interleave
	// and must fire against the alert that was actually created first.
	for _, a := range alerts {
		created, err := s.deps.Alerts.Insert(ctx, a)
		if err != nil {
			return err
		}
		if created {
			alertsCreated.Inc()
			if err := s.dispatch(ctx, a, false); err != nil {
				return err
			}
			continue
		}
		// The dedup hit may be an alert from a cycle that aborted between
		// persisting it and reaching the engine; route it back. The engine
		// leaves alerts with run history alone.
		existing, err := s.deps.Alerts.OpenByDedupKey(ctx, a.DedupKey)
		if err != nil {
			return err
		}
		if existing == nil {
			log.Debug().Str("dedup_key", a.DedupKey).Msg("alert no longer open, skipped")
			continue
		}
		if err := s.dispatch(ctx, existing, true); err != nil {
			return err
		}
	}

	log.Info().
		Int("drift_results", len(out.drift)).
		Int("coverage_reports", len(out.coverage)).
		Int("alerts", len(alerts)).
		Dur("elapsed", s.clock().Sub(started)).
		Msg("evaluation cycle complete")
	return nil
}

// dispatch hands one alert to the playbook engine. A failed run is recorded
// on the run and the alert; it must not poison the rest of the batch.
func (s *Scheduler) dispatch(ctx context.Context, a *model.Alert, orphaned bool) error {
	if s.deps.Playbooks == nil {
		return nil
	}
	var run *model.PlaybookRun
	var err error
	if orphaned {
		run, err = s.deps.Playbooks.HandleOrphanedAlert(ctx, a)
	} else {
		run, err = s.deps.Playbooks.HandleAlert(ctx, a)
	}
	if run != nil && run.State.Terminal() {
		runsFinished.WithLabelValues(string(run.State)).Inc()
	}
	if err != nil && !errors.Is(err, model.ErrActionFailed) {
		return err
	}
	if err != nil {
		log.Error().Err(err).Str("alert", a.ID).Msg("playbook run failed")
	}
	return nil
}

func (s *Scheduler) evaluateDrift(ctx context.Context, winStart, winEnd time.Time) ([]*model.DriftResult, error) {
	var results []*model.DriftResult
	for _, metricID := range s.deps.MetricIDs {
		cur, err := s.deps.Metrics.FetchWindow(ctx, metricID, "", winStart, winEnd)
		if err != nil {
			return nil, fmt.Errorf("fetch window %s: %w", metricID, err)
		}
		ref, err := s.deps.Metrics.FetchBaseline(ctx, metricID, "", winStart, s.deps.BaselineLookback)
		if err != nil {
			return nil, fmt.Errorf("fetch baseline %s: %w", metricID, err)
		}

		type eval struct {
			name string
			run  func() (*model.DriftResult, error)
		}
		evals := []eval{
			{"covariate", func() (*model.DriftResult, error) { return s.deps.Drift.EvaluateCovariate(ref, cur, s.deps.Features) }},
			{"data", func() (*model.DriftResult, error) { return s.deps.Drift.EvaluateData(ref, cur) }},
			{"concept", func() (*model.DriftResult, error) { return s.deps.Drift.EvaluateConcept(ref, cur) }},
		}
		for _, ev := range evals {
			res, err := ev.run()
			if errors.Is(err, model.ErrInsufficientData) {
				log.Info().Str("metric", metricID).Str("kind", ev.name).Msg("window not evaluable, skipped")
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("%s drift on %s: %w", ev.name, metricID, err)
			}
			results = append(results, res)
		}
	}
	return results, nil
}

func (s *Scheduler) evaluateCoverage(ctx context.Context, winStart, winEnd time.Time) ([]*model.CoverageReport, error) {
	var reports []*model.CoverageReport
	for _, category := range s.deps.Categories {
		win, err := s.deps.Metrics.FetchWindow(ctx, "", category, winStart, winEnd)
		if err != nil {
			return nil, fmt.Errorf("fetch coverage window %s: %w", category, err)
		}
		prev, err := s.deps.Results.PreviousCoverageRatio(ctx, category)
		if err != nil {
			return nil, fmt.Errorf("previous ratio %s: %w", category, err)
		}
		rep, err := s.deps.Coverage.Evaluate(category, win, prev)
		if err != nil {
			return nil, fmt.Errorf("coverage %s: %w", category, err)
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// escalateStoreFailure raises one systemic alert after the configured number
// of consecutive store-failed cycles.
func (s *Scheduler) escalateStoreFailure(ctx context.Context) {
	s.mu.Lock()
	s.failureStreak++
	streak := s.failureStreak
	s.mu.Unlock()
	if streak < s.deps.StoreFailureEscalation {
		return
	}

	now := s.clock().UTC()
	day := now.Truncate(24 * time.Hour)
	a := &model.Alert{
		ID:        uuid.NewString(),
		Source:    model.SourceKPI,
		Severity:  model.SeverityHigh,
		DedupKey:  model.DedupKey(model.SourceKPI, "metric_store", day, day),
		MetricID:  "metric_store",
		Title:     fmt.Sprintf("metric store unavailable for %d consecutive cycles", streak),
		Status:    model.AlertOpen,
		CreatedAt: now,
	}
	if _, err := s.deps.Alerts.Insert(ctx, a); err != nil {
		log.Error().Err(err).Msg("could not persist systemic store alert")
		return
	}
	log.Error().Int("streak", streak).Msg("store failure escalated to systemic alert")
}
