package playbook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/watchtower-ops/watchtower/internal/monitoring/model"
)

type fakeRunStore struct {
	mu   sync.Mutex
	runs map[string]*model.PlaybookRun
	logs map[string]map[int]model.ActionRecord
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: map[string]*model.PlaybookRun{}, logs: map[string]map[int]model.ActionRecord{}}
}

func (s *fakeRunStore) InsertRun(_ context.Context, run *model.PlaybookRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	s.logs[run.ID] = map[int]model.ActionRecord{}
	return nil
}

func (s *fakeRunStore) TransitionState(_ context.Context, runID string, from, to model.RunState) error {
	if from.Terminal() {
		return fmt.Errorf("run %s: no transition out of terminal state %s", runID, from)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.State != from {
		return fmt.Errorf("run %s: state is no longer %s", runID, from)
	}
	run.State = to
	return nil
}

func (s *fakeRunStore) AppendActionRecord(_ context.Context, runID string, seq int, rec model.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.logs[runID][seq]; exists {
		return nil // same conflict-ignore semantics as the store
	}
	s.logs[runID][seq] = rec
	return nil
}

func (s *fakeRunStore) NonTerminalRunForAlert(_ context.Context, alertID string) (*model.PlaybookRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.AlertID == alertID && !run.State.Terminal() {
			cp := *run
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeRunStore) ListNonTerminalRuns(ctx context.Context) ([]*model.PlaybookRun, error) {
	s.mu.Lock()
	var ids []string
	for id, run := range s.runs {
		if !run.State.Terminal() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	var out []*model.PlaybookRun
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *fakeRunStore) HasRunForAlert(_ context.Context, alertID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.AlertID == alertID {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeRunStore) GetRun(_ context.Context, runID string) (*model.PlaybookRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	cp := *run
	cp.ActionLog = nil
	for seq := 0; ; seq++ {
		rec, ok := s.logs[runID][seq]
		if !ok {
			break
		}
		cp.ActionLog = append(cp.ActionLog, rec)
	}
	return &cp, nil
}

func (s *fakeRunStore) state(runID string) model.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[runID].State
}

func (s *fakeRunStore) logLen(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs[runID])
}

type fakeAlertStore struct {
	mu          sync.Mutex
	alerts      map[string]*model.Alert
	annotations map[string][]string
}

func newFakeAlertStore(alerts ...*model.Alert) *fakeAlertStore {
	s := &fakeAlertStore{alerts: map[string]*model.Alert{}, annotations: map[string][]string{}}
	for _, a := range alerts {
		cp := *a
		s.alerts[a.ID] = &cp
	}
	return s
}

func (s *fakeAlertStore) Get(_ context.Context, id string) (*model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s not found", id)
	}
	cp := *a
	return &cp, nil
}

func (s *fakeAlertStore) UpdateStatus(_ context.Context, id string, next model.AlertStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s not found", id)
	}
	a.Status = next
	return nil
}

func (s *fakeAlertStore) Annotate(_ context.Context, alertID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations[alertID] = append(s.annotations[alertID], content)
	return nil
}

type fakeQueue struct {
	mu     sync.Mutex
	pushed map[string][]string
	fail   bool
}

func (q *fakeQueue) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if q.fail {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pushed == nil {
		q.pushed = map[string][]string{}
	}
	for _, v := range values {
		q.pushed[key] = append(q.pushed[key], fmt.Sprint(v))
	}
	cmd.SetVal(int64(len(q.pushed[key])))
	return cmd
}

type fakeAdjuster struct {
	mu      sync.Mutex
	calls   []string
	version int64
	fail    bool
}

func (f *fakeAdjuster) Adjust(_ context.Context, metric, field string, value float64, reason string) (int64, error) {
	if f.fail {
		return 0, errors.New("store unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s.%s=%g", metric, field, value))
	f.version++
	return f.version, nil
}

func testAlert() *model.Alert {
	return &model.Alert{
		ID:       "alert-1",
		Source:   model.SourceDrift,
		Severity: model.SeverityHigh,
		DedupKey: "drift|fraud_probability|100|200",
		MetricID: "fraud_probability",
		Title:    "covariate drift on fraud_probability",
		Status:   model.AlertOpen,
	}
}

func newTestEngine(t *testing.T, registryYAML string, webhook string, queue *fakeQueue, adj *fakeAdjuster, runs *fakeRunStore, alerts *fakeAlertStore) *Engine {
	t.Helper()
	reg, err := LoadRegistry(writeRegistry(t, registryYAML))
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	actions := NewActions(&http.Client{Timeout: 5 * time.Second}, webhook, queue, "retrain:queue", adj)
	return NewEngine(reg, runs, alerts, actions, NewMemoryLease(), EngineConfig{
		LeaseTTL:      time.Minute,
		ActionTimeout: 5 * time.Second,
	})
}

const engineRegistry = `
rules:
  - id: drift-high
    match:
      sources: [drift]
      min_severity: high
    actions:
      - id: page
        kind: notify
      - id: retrain
        kind: retrain
      - id: soften
        kind: threshold_adjust
        params:
          metric: accuracy
          field: min
          value: 0.82
`

func TestHandleAlertSuccessfulRun(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	runs := newFakeRunStore()
	alert := testAlert()
	alerts := newFakeAlertStore(alert)
	queue := &fakeQueue{}
	adj := &fakeAdjuster{}
	e := newTestEngine(t, engineRegistry, srv.URL, queue, adj, runs, alerts)

	run, err := e.HandleAlert(context.Background(), alert)
	if err != nil {
		t.Fatalf("HandleAlert: %v", err)
	}
	if run == nil {
		t.Fatal("expected a run")
	}
	if got := runs.state(run.ID); got != model.RunSucceeded {
		t.Errorf("state = %q, want succeeded", got)
	}
	if got := runs.logLen(run.ID); got != 3 {
		t.Errorf("action log = %d entries, want 3", got)
	}
	if atomic.LoadInt64(&hits) != 1 {
		t.Errorf("webhook hits = %d, want 1", hits)
	}
	if len(queue.pushed["retrain:queue"]) != 1 {
		t.Errorf("retrain queue = %v, want 1 entry", queue.pushed)
	}
	if len(adj.calls) != 1 || adj.calls[0] != "accuracy.min=0.82" {
		t.Errorf("adjuster calls = %v", adj.calls)
	}
	got, _ := alerts.Get(context.Background(), alert.ID)
	if got.Status != model.AlertResolved {
		t.Errorf("alert status = %q, want resolved", got.Status)
	}
}

func TestHandleAlertFailFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	runs := newFakeRunStore()
	alert := testAlert()
	alerts := newFakeAlertStore(alert)
	queue := &fakeQueue{}
	e := newTestEngine(t, engineRegistry, srv.URL, queue, &fakeAdjuster{}, runs, alerts)

	run, err := e.HandleAlert(context.Background(), alert)
	if !errors.Is(err, model.ErrActionFailed) {
		t.Fatalf("err = %v, want ErrActionFailed", err)
	}
	if got := runs.state(run.ID); got != model.RunFailed {
		t.Errorf("state = %q, want failed", got)
	}
	// Fail-fast: only the failed notify is logged, retrain never ran.
	if got := runs.logLen(run.ID); got != 1 {
		t.Errorf("action log = %d entries, want 1", got)
	}
	if len(queue.pushed) != 0 {
		t.Errorf("retrain ran after a failed action: %v", queue.pushed)
	}
	if notes := alerts.annotations[alert.ID]; len(notes) != 1 {
		t.Errorf("annotations = %v, want the failure note", notes)
	}
	got, _ := alerts.Get(context.Background(), alert.ID)
	if got.Status != model.AlertOpen {
		t.Errorf("alert status = %q, want still open", got.Status)
	}
}

func TestHandleAlertAtMostOneInFlight(t *testing.T) {
	runs := newFakeRunStore()
	alert := testAlert()
	// Seed an executing run for the same alert.
	existing := &model.PlaybookRun{ID: "run-0", RuleID: "drift-high", AlertID: alert.ID, State: model.RunExecuting}
	if err := runs.InsertRun(context.Background(), existing); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(t, engineRegistry, "http://unused.invalid", &fakeQueue{}, &fakeAdjuster{}, runs, newFakeAlertStore(alert))

	run, err := e.HandleAlert(context.Background(), alert)
	if err != nil {
		t.Fatalf("HandleAlert: %v", err)
	}
	if run != nil {
		t.Errorf("created run %s while %s is non-terminal", run.ID, existing.ID)
	}
}

func TestHandleAlertNoMatch(t *testing.T) {
	alert := testAlert()
	alert.Severity = model.SeverityLow
	runs := newFakeRunStore()
	e := newTestEngine(t, engineRegistry, "http://unused.invalid", &fakeQueue{}, &fakeAdjuster{}, runs, newFakeAlertStore(alert))

	run, err := e.HandleAlert(context.Background(), alert)
	if err != nil || run != nil {
		t.Fatalf("got (%v, %v), want (nil, nil) for unmatched alert", run, err)
	}
}

func TestHandleAlertCooldown(t *testing.T) {
	const reg = `
rules:
  - id: drift-high
    match:
      sources: [drift]
      min_severity: high
    cooldown: 1h
    actions:
      - id: retrain
        kind: retrain
`
	runs := newFakeRunStore()
	first := testAlert()
	second := testAlert()
	second.ID = "alert-2"
	second.DedupKey = "drift|fraud_probability|200|300"
	alerts := newFakeAlertStore(first, second)
	queue := &fakeQueue{}
	e := newTestEngine(t, reg, "", queue, &fakeAdjuster{}, runs, alerts)

	if run, err := e.HandleAlert(context.Background(), first); err != nil || run == nil {
		t.Fatalf("first alert: (%v, %v)", run, err)
	}
	run, err := e.HandleAlert(context.Background(), second)
	if err != nil {
		t.Fatalf("second alert: %v", err)
	}
	if run != nil {
		t.Error("rule fired inside its cooldown window")
	}
	if len(queue.pushed["retrain:queue"]) != 1 {
		t.Errorf("retrain enqueued %d times, want 1", len(queue.pushed["retrain:queue"]))
	}
}

func TestResumeSkipsLoggedActions(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	runs := newFakeRunStore()
	alert := testAlert()
	alerts := newFakeAlertStore(alert)
	queue := &fakeQueue{}
	adj := &fakeAdjuster{}
	e := newTestEngine(t, engineRegistry, srv.URL, queue, adj, runs, alerts)

	// Simulate a crash after the notify action completed: run stuck in
	// executing with one logged action.
	crashed := &model.PlaybookRun{ID: "run-crashed", RuleID: "drift-high", AlertID: alert.ID, State: model.RunExecuting}
	if err := runs.InsertRun(context.Background(), crashed); err != nil {
		t.Fatal(err)
	}
	runs.runs[crashed.ID].State = model.RunExecuting
	if err := runs.AppendActionRecord(context.Background(), crashed.ID, 0, model.ActionRecord{
		ActionID: "page", Outcome: outcomeSuccess, Detail: "delivered",
	}); err != nil {
		t.Fatal(err)
	}

	run, err := e.Resume(context.Background(), crashed.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if run.State != model.RunSucceeded {
		t.Errorf("state = %q, want succeeded", run.State)
	}
	if atomic.LoadInt64(&hits) != 0 {
		t.Errorf("notify re-executed %d times on replay", hits)
	}
	if len(queue.pushed["retrain:queue"]) != 1 {
		t.Errorf("retrain ran %d times, want exactly 1", len(queue.pushed["retrain:queue"]))
	}
	if got := runs.logLen(crashed.ID); got != 3 {
		t.Errorf("action log = %d entries, want 3", got)
	}
}

func TestResumeTerminalRunUntouched(t *testing.T) {
	runs := newFakeRunStore()
	alert := testAlert()
	done := &model.PlaybookRun{ID: "run-done", RuleID: "drift-high", AlertID: alert.ID, State: model.RunPending}
	if err := runs.InsertRun(context.Background(), done); err != nil {
		t.Fatal(err)
	}
	runs.runs[done.ID].State = model.RunSucceeded

	e := newTestEngine(t, engineRegistry, "http://unused.invalid", &fakeQueue{}, &fakeAdjuster{}, runs, newFakeAlertStore(alert))
	run, err := e.Resume(context.Background(), done.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if run.State != model.RunSucceeded {
		t.Errorf("state = %q, want succeeded untouched", run.State)
	}
	if got := runs.logLen(done.ID); got != 0 {
		t.Errorf("terminal run gained %d log entries on resume", got)
	}
}

func TestResumeFinishesLostFailureTransition(t *testing.T) {
	runs := newFakeRunStore()
	alert := testAlert()
	crashed := &model.PlaybookRun{ID: "run-x", RuleID: "drift-high", AlertID: alert.ID, State: model.RunExecuting}
	if err := runs.InsertRun(context.Background(), crashed); err != nil {
		t.Fatal(err)
	}
	runs.runs[crashed.ID].State = model.RunExecuting
	if err := runs.AppendActionRecord(context.Background(), crashed.ID, 0, model.ActionRecord{
		ActionID: "page", Outcome: outcomeFailed, Detail: "webhook returned 502",
	}); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t, engineRegistry, "http://unused.invalid", &fakeQueue{}, &fakeAdjuster{}, runs, newFakeAlertStore(alert))
	run, err := e.Resume(context.Background(), crashed.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if run.State != model.RunFailed {
		t.Errorf("state = %q, want failed", run.State)
	}
	if got := runs.logLen(crashed.ID); got != 1 {
		t.Errorf("action log = %d entries, want 1 (nothing re-executed)", got)
	}
}

func TestRecoverRunsFinishesStuckRuns(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	runs := newFakeRunStore()
	alert := testAlert()
	alerts := newFakeAlertStore(alert)
	queue := &fakeQueue{}
	e := newTestEngine(t, engineRegistry, srv.URL, queue, &fakeAdjuster{}, runs, alerts)

	// A previous process died mid-run: notify logged, retrain onwards lost.
	stuck := &model.PlaybookRun{ID: "run-stuck", RuleID: "drift-high", AlertID: alert.ID, State: model.RunExecuting}
	if err := runs.InsertRun(context.Background(), stuck); err != nil {
		t.Fatal(err)
	}
	runs.runs[stuck.ID].State = model.RunExecuting
	if err := runs.AppendActionRecord(context.Background(), stuck.ID, 0, model.ActionRecord{
		ActionID: "page", Outcome: outcomeSuccess, Detail: "delivered",
	}); err != nil {
		t.Fatal(err)
	}

	n, err := e.RecoverRuns(context.Background())
	if err != nil {
		t.Fatalf("RecoverRuns: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d runs, want 1", n)
	}
	if got := runs.state(stuck.ID); got != model.RunSucceeded {
		t.Errorf("state = %q, want succeeded", got)
	}
	if atomic.LoadInt64(&hits) != 0 {
		t.Errorf("notify re-executed %d times during recovery", hits)
	}
	if len(queue.pushed["retrain:queue"]) != 1 {
		t.Errorf("retrain ran %d times, want exactly 1", len(queue.pushed["retrain:queue"]))
	}
}

func TestRecoverRunsLeavesTerminalRunsAlone(t *testing.T) {
	runs := newFakeRunStore()
	alert := testAlert()
	done := &model.PlaybookRun{ID: "run-done", RuleID: "drift-high", AlertID: alert.ID, State: model.RunPending}
	if err := runs.InsertRun(context.Background(), done); err != nil {
		t.Fatal(err)
	}
	runs.runs[done.ID].State = model.RunFailed

	e := newTestEngine(t, engineRegistry, "http://unused.invalid", &fakeQueue{}, &fakeAdjuster{}, runs, newFakeAlertStore(alert))
	n, err := e.RecoverRuns(context.Background())
	if err != nil {
		t.Fatalf("RecoverRuns: %v", err)
	}
	if n != 0 {
		t.Errorf("recovered = %d runs, want 0 with only terminal runs", n)
	}
	if got := runs.state(done.ID); got != model.RunFailed {
		t.Errorf("terminal run state changed to %q", got)
	}
}

func TestHandleOrphanedAlert(t *testing.T) {
	runs := newFakeRunStore()
	fresh := testAlert()
	attended := testAlert()
	attended.ID = "alert-2"
	attended.DedupKey = "drift|fraud_probability|200|300"
	// attended already went through a run that failed; re-routing must not
	// fire it again.
	failed := &model.PlaybookRun{ID: "run-old", RuleID: "drift-high", AlertID: attended.ID, State: model.RunPending}
	if err := runs.InsertRun(context.Background(), failed); err != nil {
		t.Fatal(err)
	}
	runs.runs[failed.ID].State = model.RunFailed

	queue := &fakeQueue{}
	e := newTestEngine(t, `
rules:
  - id: drift-high
    match:
      sources: [drift]
      min_severity: high
    actions:
      - id: retrain
        kind: retrain
`, "", queue, &fakeAdjuster{}, runs, newFakeAlertStore(fresh, attended))

	run, err := e.HandleOrphanedAlert(context.Background(), attended)
	if err != nil || run != nil {
		t.Fatalf("got (%v, %v), want (nil, nil) for alert with run history", run, err)
	}
	run, err = e.HandleOrphanedAlert(context.Background(), fresh)
	if err != nil {
		t.Fatalf("HandleOrphanedAlert: %v", err)
	}
	if run == nil {
		t.Fatal("expected a run for the run-less alert")
	}
	if len(queue.pushed["retrain:queue"]) != 1 {
		t.Errorf("retrain enqueued %d times, want 1", len(queue.pushed["retrain:queue"]))
	}
}

func TestMemoryLeaseExclusion(t *testing.T) {
	l := NewMemoryLease()
	release, ok, err := l.Acquire(context.Background(), "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: (%v, %v)", ok, err)
	}
	if _, ok, _ := l.Acquire(context.Background(), "k", time.Minute); ok {
		t.Fatal("second acquire succeeded while lease held")
	}
	release()
	if _, ok, _ := l.Acquire(context.Background(), "k", time.Minute); !ok {
		t.Fatal("acquire failed after release")
	}
}

func TestMemoryLeaseExpiry(t *testing.T) {
	l := NewMemoryLease()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	l.clock = func() time.Time { return now }

	if _, ok, _ := l.Acquire(context.Background(), "k", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := l.Acquire(context.Background(), "k", time.Minute); !ok {
		t.Fatal("acquire failed after TTL expiry")
	}
}
