package drift

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watchtower-ops/watchtower/internal/monitoring/model"
)

// Config holds the statistical knobs. Severity tiering is a deterministic
// function of these values and the observed statistics; nothing is assigned
// ad hoc at call sites.
type Config struct {
	Significance float64 // p-value below this flags drift
	MinSamples   int     // minimum samples per window side

	// KS statistic magnitude tiers.
	MediumStat float64
	HighStat   float64

	// Concept drift: required accuracy drop and how many consecutive cycles
	// it must persist before flagging.
	AccuracyDelta     float64
	SustainedCycles   int
	MinLabeledSamples int
}

// Detector evaluates covariate, data and concept drift between a reference
// window and a current window. Given identical windows the result is
// bit-for-bit reproducible.
type Detector struct {
	cfg Config

	mu      sync.Mutex
	streaks map[string]int // consecutive accuracy-breach cycles per metric
}

func New(cfg Config) *Detector {
	if cfg.Significance <= 0 {
		cfg.Significance = 0.05
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 30
	}
	if cfg.MediumStat <= 0 {
		cfg.MediumStat = 0.15
	}
	if cfg.HighStat <= 0 {
		cfg.HighStat = 0.3
	}
	if cfg.AccuracyDelta <= 0 {
		cfg.AccuracyDelta = 0.05
	}
	if cfg.SustainedCycles <= 0 {
		cfg.SustainedCycles = 3
	}
	if cfg.MinLabeledSamples <= 0 {
		cfg.MinLabeledSamples = 30
	}
	return &Detector{cfg: cfg, streaks: map[string]int{}}
}

// EvaluateCovariate runs a two-sample KS test per numeric feature and
// aggregates severity from the fraction of flagged features and the minimum
// p-value observed. Zero-variance features are excluded from the statistic;
// if every feature is excluded the window is not evaluable.
func (d *Detector) EvaluateCovariate(ref, cur *model.Window, features []string) (*model.DriftResult, error) {
	if err := d.checkWindowSize(ref, cur); err != nil {
		return nil, err
	}

	evaluated := 0
	flagged := 0
	minP := 1.0
	maxStat := 0.0
	for _, f := range features {
		refVals := featureValues(ref, f)
		curVals := featureValues(cur, f)
		if len(refVals) < d.cfg.MinSamples || len(curVals) < d.cfg.MinSamples {
			log.Debug().Str("feature", f).Str("metric", ref.MetricID).Msg("feature undersampled, excluded")
			continue
		}
		if variance(refVals) == 0 && variance(curVals) == 0 {
			log.Debug().Str("feature", f).Str("metric", ref.MetricID).Msg("constant feature, excluded")
			continue
		}
		res, err := twoSampleKS(refVals, curVals)
		if err != nil {
			continue
		}
		evaluated++
		if res.Statistic > maxStat {
			maxStat = res.Statistic
		}
		if res.PValue < minP {
			minP = res.PValue
		}
		if res.PValue < d.cfg.Significance {
			flagged++
		}
	}
	if evaluated == 0 {
		return nil, model.ErrInsufficientData
	}

	return d.newResult(ref, cur, model.DriftCovariate, maxStat, minP, flagged, evaluated,
		d.covariateSeverity(flagged, evaluated, minP)), nil
}

// EvaluateData tests for population-level shift of the prediction score
// distribution: the same statistical machinery as covariate drift applied to
// the sample values.
func (d *Detector) EvaluateData(ref, cur *model.Window) (*model.DriftResult, error) {
	if err := d.checkWindowSize(ref, cur); err != nil {
		return nil, err
	}
	refVals := sampleValues(ref)
	curVals := sampleValues(cur)
	if variance(refVals) == 0 && variance(curVals) == 0 {
		return nil, model.ErrInsufficientData
	}
	res, err := twoSampleKS(refVals, curVals)
	if err != nil {
		return nil, err
	}
	flagged := 0
	if res.PValue < d.cfg.Significance {
		flagged = 1
	}
	return d.newResult(ref, cur, model.DriftData, res.Statistic, res.PValue, flagged, 1,
		d.statisticSeverity(res.PValue, res.Statistic)), nil
}

// EvaluateConcept compares label-agreement rate over the current window with
// the reference window's rate. A drop beyond the configured delta must hold
// for the configured number of consecutive cycles before it flags; a window
// without enough labels (label delay) is not evaluable rather than silently
// skipped.
func (d *Detector) EvaluateConcept(ref, cur *model.Window) (*model.DriftResult, error) {
	refAcc, refN := accuracy(ref)
	curAcc, curN := accuracy(cur)
	if refN < d.cfg.MinLabeledSamples || curN < d.cfg.MinLabeledSamples {
		return nil, model.ErrInsufficientData
	}

	drop := refAcc - curAcc
	key := fmt.Sprintf("%s|%s", cur.MetricID, model.DriftConcept)

	d.mu.Lock()
	if drop > d.cfg.AccuracyDelta {
		d.streaks[key]++
	} else {
		d.streaks[key] = 0
	}
	streak := d.streaks[key]
	d.mu.Unlock()

	sustained := streak >= d.cfg.SustainedCycles
	statistic := drop
	if statistic < 0 {
		statistic = 0
	}

	sev := model.SeverityNone
	pv := 0.5
	if sustained {
		pv = 0.01
		if drop > 2*d.cfg.AccuracyDelta {
			sev = model.SeverityHigh
		} else {
			sev = model.SeverityMedium
		}
	}
	return d.newResult(ref, cur, model.DriftConcept, statistic, pv, boolToInt(sustained), 1, sev), nil
}

func (d *Detector) checkWindowSize(ref, cur *model.Window) error {
	if ref == nil || cur == nil {
		return model.ErrInsufficientData
	}
	if len(ref.Samples) < d.cfg.MinSamples || len(cur.Samples) < d.cfg.MinSamples {
		return model.ErrInsufficientData
	}
	return nil
}

// statisticSeverity tiers a single KS outcome: not significant means none,
// otherwise the statistic magnitude picks the tier. Monotonic in both the
// p-value and the statistic.
func (d *Detector) statisticSeverity(p, statistic float64) model.Severity {
	if p >= d.cfg.Significance {
		return model.SeverityNone
	}
	switch {
	case statistic > d.cfg.HighStat:
		return model.SeverityHigh
	case statistic > d.cfg.MediumStat:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// covariateSeverity tiers the aggregate: more features flagged and lower
// minimum p-value push the tier up.
func (d *Detector) covariateSeverity(flagged, total int, minP float64) model.Severity {
	if flagged == 0 {
		return model.SeverityNone
	}
	frac := float64(flagged) / float64(total)
	switch {
	case frac >= 0.5 || minP <= d.cfg.Significance/50:
		return model.SeverityHigh
	case frac >= 0.25 || minP <= d.cfg.Significance/10:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func (d *Detector) newResult(ref, cur *model.Window, kind model.DriftKind, statistic, p float64, flagged, total int, sev model.Severity) *model.DriftResult {
	return &model.DriftResult{
		ID:              uuid.NewString(),
		MetricID:        cur.MetricID,
		Kind:            kind,
		Statistic:       statistic,
		PValue:          p,
		Severity:        sev,
		FlaggedFeatures: flagged,
		TotalFeatures:   total,
		WindowStart:     cur.Start,
		WindowEnd:       cur.End,
		CreatedAt:       time.Now().UTC(),
	}
}

func featureValues(w *model.Window, feature string) []float64 {
	out := make([]float64, 0, len(w.Samples))
	for i := range w.Samples {
		if v, ok := w.Samples[i].Features[feature]; ok {
			out = append(out, v)
		}
	}
	return out
}

func sampleValues(w *model.Window) []float64 {
	out := make([]float64, len(w.Samples))
	for i := range w.Samples {
		out[i] = w.Samples[i].Value
	}
	return out
}

// accuracy returns the label-agreement rate over samples carrying both a
// label and a prediction, plus how many such samples there were.
func accuracy(w *model.Window) (float64, int) {
	if w == nil {
		return 0, 0
	}
	n, correct := 0, 0
	for i := range w.Samples {
		s := &w.Samples[i]
		if s.Label == nil || s.Predicted == nil {
			continue
		}
		n++
		if *s.Label == *s.Predicted {
			correct++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return float64(correct) / float64(n), n
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
