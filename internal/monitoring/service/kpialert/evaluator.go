// Package kpialert merges drift results, coverage reports and KPI snapshots
// into alerts. The evaluator is pure over its inputs; persistence and the
// store-side dedup live in the alert repository.
package kpialert

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watchtower-ops/watchtower/internal/monitoring/database"
	"github.com/watchtower-ops/watchtower/internal/monitoring/model"
)

type Config struct {
	// AlertFloor is the minimum drift severity that produces an alert.
	AlertFloor model.Severity
	// DeepGapSize tiers coverage gap alerts: a gap at least this wide is
	// high severity, narrower gaps are medium.
	DeepGapSize float64
}

type Evaluator struct {
	cfg Config
}

func New(cfg Config) *Evaluator {
	if !cfg.AlertFloor.Valid() || cfg.AlertFloor == model.SeverityNone {
		cfg.AlertFloor = model.SeverityMedium
	}
	if cfg.DeepGapSize <= 0 {
		cfg.DeepGapSize = 0.1
	}
	return &Evaluator{cfg: cfg}
}

// Evaluate maps one cycle's evaluation outputs to alerts, returned in
// creation order: the playbook engine must see them in the order they were
// made, not in display order (SortAlerts exists for that). Thresholds come
// from a single versioned snapshot so every KPI in the batch is judged
// against the same configuration. Re-running over the same inputs yields
// alerts with the same dedup keys, which the store refuses as duplicates
// while the originals stay open.
func (e *Evaluator) Evaluate(
	drift []*model.DriftResult,
	cov []*model.CoverageReport,
	kpis []model.MetricSnapshot,
	snap *database.ThresholdSnapshot,
) []*model.Alert {
	var alerts []*model.Alert
	seen := map[string]bool{}

	add := func(a *model.Alert) {
		if seen[a.DedupKey] {
			return
		}
		seen[a.DedupKey] = true
		alerts = append(alerts, a)
	}

	for _, res := range drift {
		if !res.Severity.AtLeast(e.cfg.AlertFloor) {
			continue
		}
		add(&model.Alert{
			ID:        uuid.NewString(),
			Source:    model.SourceDrift,
			Severity:  res.Severity,
			DedupKey:  model.DedupKey(model.SourceDrift, res.MetricID, res.WindowStart, res.WindowEnd),
			MetricID:  res.MetricID,
			ResultRef: res.ID,
			Title: fmt.Sprintf("%s drift on %s (stat=%.3f p=%.4f, %d/%d features)",
				res.Kind, res.MetricID, res.Statistic, res.PValue, res.FlaggedFeatures, res.TotalFeatures),
			Status:    model.AlertOpen,
			CreatedAt: time.Now().UTC(),
		})
	}

	for _, rep := range cov {
		if !rep.GapFlag && rep.Trend != model.TrendDegrading {
			continue
		}
		add(&model.Alert{
			ID:           uuid.NewString(),
			Source:       model.SourceCoverage,
			Severity:     e.coverageSeverity(rep),
			DedupKey:     model.DedupKey(model.SourceCoverage, rep.RiskCategory, rep.WindowStart, rep.WindowEnd),
			RiskCategory: rep.RiskCategory,
			ResultRef:    rep.ID,
			Title:        coverageTitle(rep),
			Status:       model.AlertOpen,
			CreatedAt:    time.Now().UTC(),
		})
	}

	for i := range kpis {
		kpi := &kpis[i]
		th, ok := snap.Lookup(kpi.MetricName)
		if !ok {
			continue
		}
		sev := kpiSeverity(kpi.Value, th)
		if sev == model.SeverityNone {
			continue
		}
		add(&model.Alert{
			ID:       uuid.NewString(),
			Source:   model.SourceKPI,
			Severity: sev,
			DedupKey: model.DedupKey(model.SourceKPI, kpi.MetricName, kpi.Timestamp, kpi.Timestamp),
			MetricID: kpi.MetricName,
			Title: fmt.Sprintf("%s out of bounds: %.4f (allowed %.3f-%.3f, config v%d)",
				kpi.MetricName, kpi.Value, th.Min, th.Max, snap.Version),
			Status:    model.AlertOpen,
			CreatedAt: time.Now().UTC(),
		})
	}

	log.Info().
		Int("drift_results", len(drift)).
		Int("coverage_reports", len(cov)).
		Int("kpi_snapshots", len(kpis)).
		Int("alerts", len(alerts)).
		Msg("alert evaluation complete")
	return alerts
}

// coverageSeverity: zero volume, high-priority gaps and deep gaps are high,
// other gaps medium, a degrading trend without a gap is an early-warning low.
func (e *Evaluator) coverageSeverity(rep *model.CoverageReport) model.Severity {
	switch {
	case rep.GapFlag && !rep.RatioDefined:
		return model.SeverityHigh
	case rep.GapFlag && rep.GapPriority == model.SeverityHigh:
		return model.SeverityHigh
	case rep.GapFlag && rep.GapSize >= e.cfg.DeepGapSize:
		return model.SeverityHigh
	case rep.GapFlag:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func coverageTitle(rep *model.CoverageReport) string {
	if !rep.RatioDefined {
		return fmt.Sprintf("coverage undefined for %s: no labeled volume in window", rep.RiskCategory)
	}
	if rep.GapFlag {
		return fmt.Sprintf("coverage gap in %s: %.2f (%d/%d, short by %.2f)",
			rep.RiskCategory, rep.Ratio, rep.CoveredCount, rep.TotalCount, rep.GapSize)
	}
	return fmt.Sprintf("coverage degrading in %s: %.2f (%d/%d)",
		rep.RiskCategory, rep.Ratio, rep.CoveredCount, rep.TotalCount)
}

// kpiSeverity applies the configured bounds. Critical sits beyond the bound
// it escalates: below Min for higher-is-better metrics, above Max for
// lower-is-better ones.
func kpiSeverity(value float64, th database.KPIThreshold) model.Severity {
	switch {
	case value < th.Min:
		if th.Critical <= th.Min && value < th.Critical {
			return model.SeverityHigh
		}
		return model.SeverityMedium
	case value > th.Max:
		if th.Critical >= th.Max && value > th.Critical {
			return model.SeverityHigh
		}
		return model.SeverityMedium
	default:
		return model.SeverityNone
	}
}

// SortAlerts orders by severity descending, then newest first, then dedup key
// for a stable total order.
func SortAlerts(alerts []*model.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].Severity.Rank() != alerts[j].Severity.Rank() {
			return alerts[i].Severity.Rank() > alerts[j].Severity.Rank()
		}
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
		}
		return alerts[i].DedupKey < alerts[j].DedupKey
	})
}
