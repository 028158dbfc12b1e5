// Package coverage computes per-risk-category coverage reports: what fraction
// of labeled positives the model actually flagged inside a window.
package coverage

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watchtower-ops/watchtower/internal/monitoring/model"
)

type Config struct {
	// DefaultMinimum applies to categories without a per-category entry.
	DefaultMinimum float64
	// Minimums overrides the default per risk category.
	Minimums map[string]float64
	// Hysteresis is the band within which cycle-over-cycle ratio changes
	// count as stable.
	Hysteresis float64
}

type Analyzer struct {
	cfg Config
}

func New(cfg Config) *Analyzer {
	if cfg.DefaultMinimum <= 0 {
		cfg.DefaultMinimum = 0.95
	}
	if cfg.Hysteresis <= 0 {
		cfg.Hysteresis = 0.02
	}
	return &Analyzer{cfg: cfg}
}

// Minimum returns the coverage floor in effect for a category.
func (a *Analyzer) Minimum(category string) float64 {
	if m, ok := a.cfg.Minimums[category]; ok {
		return m
	}
	return a.cfg.DefaultMinimum
}

// Evaluate builds the category's report for one cycle. prevRatio is the
// ratio from the immediately preceding cycle, nil when there is none (first
// cycle, or the previous window had no volume); trend is computed against it
// with the hysteresis band, not against a long-run average.
//
// A sample counts toward the total when ground truth marks it positive, and
// toward covered when the model also flagged it. Zero volume yields an
// undefined ratio with the gap flag set: no volume means coverage cannot be
// asserted.
func (a *Analyzer) Evaluate(category string, win *model.Window, prevRatio *float64) (*model.CoverageReport, error) {
	total, covered := 0, 0
	for i := range win.Samples {
		s := &win.Samples[i]
		if s.Label == nil || *s.Label != 1 {
			continue
		}
		total++
		if s.Predicted != nil && *s.Predicted == 1 {
			covered++
		}
	}

	rep := &model.CoverageReport{
		ID:           uuid.NewString(),
		RiskCategory: category,
		CoveredCount: covered,
		TotalCount:   total,
		Trend:        model.TrendStable,
		WindowStart:  win.Start,
		WindowEnd:    win.End,
		CreatedAt:    time.Now().UTC(),
	}

	min := a.Minimum(category)
	if total == 0 {
		rep.RatioDefined = false
		rep.GapFlag = true
		rep.GapSize = min
		rep.GapPriority = a.GapPriority(rep)
		log.Warn().Str("category", category).Msg("no labeled volume in window, coverage undefined")
		return rep, nil
	}

	rep.Ratio = float64(covered) / float64(total)
	rep.RatioDefined = true
	if rep.Ratio < min {
		rep.GapFlag = true
		rep.GapSize = min - rep.Ratio
	}
	rep.GapPriority = a.GapPriority(rep)
	if prevRatio != nil {
		rep.Trend = a.trend(rep.Ratio, *prevRatio)
	}

	log.Debug().
		Str("category", category).
		Float64("ratio", rep.Ratio).
		Bool("gap", rep.GapFlag).
		Str("trend", string(rep.Trend)).
		Msg("coverage evaluated")
	return rep, nil
}

// GapPriority tiers a gapped report for triage: a ratio below 80% of the
// category floor is high priority, any other gap is medium.
func (a *Analyzer) GapPriority(rep *model.CoverageReport) model.Severity {
	if !rep.GapFlag {
		return model.SeverityNone
	}
	if !rep.RatioDefined || rep.Ratio < a.Minimum(rep.RiskCategory)*0.8 {
		return model.SeverityHigh
	}
	return model.SeverityMedium
}

func (a *Analyzer) trend(cur, prev float64) model.Trend {
	switch delta := cur - prev; {
	case delta > a.cfg.Hysteresis:
		return model.TrendImproving
	case delta < -a.cfg.Hysteresis:
		return model.TrendDegrading
	default:
		return model.TrendStable
	}
}
