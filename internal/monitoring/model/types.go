package model

import (
	"fmt"
	"time"
)

// MetricSnapshot is a single time-stamped KPI row written by the external
// collector. Rows are immutable once written; the engine only reads them.
type MetricSnapshot struct {
	MetricName string            `json:"metric_name"`
	Timestamp  time.Time         `json:"timestamp"`
	Value      float64           `json:"value"`
	ModelName  string            `json:"model_name"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Sample is one observation inside an evaluation window. Value carries the
// primary operand (feature value or prediction score); Features carries the
// full numeric vector for covariate evaluation. Label stays nil until ground
// truth arrives, which may lag predictions by hours.
type Sample struct {
	Timestamp time.Time          `json:"timestamp"`
	Value     float64            `json:"value"`
	Features  map[string]float64 `json:"features,omitempty"`
	Label     *int               `json:"label,omitempty"`
	Predicted *int               `json:"predicted,omitempty"`
}

// Window is a read-only view over the store bounded by a time range.
type Window struct {
	MetricID string    `json:"metric_id"`
	Category string    `json:"category,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Samples  []Sample  `json:"samples"`
}

// LabeledCount returns the number of samples carrying both a ground-truth
// label and a prediction.
func (w *Window) LabeledCount() int {
	n := 0
	for i := range w.Samples {
		if w.Samples[i].Label != nil && w.Samples[i].Predicted != nil {
			n++
		}
	}
	return n
}

// DriftKind classifies what shifted.
type DriftKind string

const (
	DriftConcept   DriftKind = "concept"
	DriftData      DriftKind = "data"
	DriftCovariate DriftKind = "covariate"
)

// Severity is an ordinal tier derived from statistical significance and
// magnitude. Ordering: none < low < medium < high.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var severityRank = map[Severity]int{
	SeverityNone:   0,
	SeverityLow:    1,
	SeverityMedium: 2,
	SeverityHigh:   3,
}

// Rank returns the ordinal position of s; unknown severities rank below none.
func (s Severity) Rank() int { return severityRank[s] }

// AtLeast reports whether s is at or above floor.
func (s Severity) AtLeast(floor Severity) bool { return s.Rank() >= floor.Rank() }

// Valid reports whether s is one of the defined tiers.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// DriftResult is one evaluation outcome for a metric or feature set.
// Immutable once created; retained for trend history.
type DriftResult struct {
	ID              string    `json:"id"`
	MetricID        string    `json:"metric_id"`
	Kind            DriftKind `json:"kind"`
	Statistic       float64   `json:"statistic"`
	PValue          float64   `json:"p_value"`
	Severity        Severity  `json:"severity"`
	FlaggedFeatures int       `json:"flagged_features"`
	TotalFeatures   int       `json:"total_features"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	CreatedAt       time.Time `json:"created_at"`
}

// Trend is the cycle-over-cycle direction of a coverage ratio.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// CoverageReport is one per risk category per evaluation cycle.
// RatioDefined is false when the window carried zero volume; Ratio must be
// ignored in that case and GapFlag is always set.
type CoverageReport struct {
	ID           string    `json:"id"`
	RiskCategory string    `json:"risk_category"`
	CoveredCount int       `json:"covered_count"`
	TotalCount   int       `json:"total_count"`
	Ratio        float64   `json:"coverage_ratio"`
	RatioDefined bool      `json:"ratio_defined"`
	GapFlag      bool      `json:"gap_flag"`
	GapSize      float64   `json:"gap_size"` // minimum - ratio when gapped, else 0
	GapPriority  Severity  `json:"gap_priority,omitempty"`
	Trend        Trend     `json:"trend"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	CreatedAt    time.Time `json:"created_at"`
}

// AlertSource identifies which evaluator produced an alert.
type AlertSource string

const (
	SourceDrift    AlertSource = "drift"
	SourceCoverage AlertSource = "coverage"
	SourceKPI      AlertSource = "kpi"
)

// AlertStatus is the alert lifecycle state. Alerts are never deleted, only
// status-transitioned.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is produced by the KPI alert evaluator and consumed by the playbook
// engine and external triage surfaces.
type Alert struct {
	ID           string      `json:"id"`
	Source       AlertSource `json:"source"`
	Severity     Severity    `json:"severity"`
	DedupKey     string      `json:"dedup_key"`
	MetricID     string      `json:"metric_id,omitempty"`
	RiskCategory string      `json:"risk_category,omitempty"`
	ResultRef    string      `json:"result_ref,omitempty"`
	Title        string      `json:"title"`
	Status       AlertStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
}

// DedupKey builds the canonical idempotency key for an alert: re-running the
// evaluator over the same result set must map to the same key so the store
// can refuse a duplicate open alert.
func DedupKey(source AlertSource, metricID string, start, end time.Time) string {
	return fmt.Sprintf("%s|%s|%d|%d", source, metricID, start.Unix(), end.Unix())
}

// RunState is the playbook run lifecycle state.
type RunState string

const (
	RunPending   RunState = "pending"
	RunExecuting RunState = "executing"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
)

// Terminal reports whether no further transition is permitted out of s.
func (s RunState) Terminal() bool { return s == RunSucceeded || s == RunFailed }

// ActionRecord is one appended entry of a run's action log.
type ActionRecord struct {
	ActionID  string    `json:"action_id"`
	Outcome   string    `json:"outcome"` // "success" | "failed"
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PlaybookRun is owned exclusively by the playbook engine until it reaches a
// terminal state. ActionLog entries are strictly in declared action order.
type PlaybookRun struct {
	ID        string         `json:"id"`
	RuleID    string         `json:"rule_id"`
	AlertID   string         `json:"alert_id"`
	State     RunState       `json:"state"`
	ActionLog []ActionRecord `json:"action_log"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
