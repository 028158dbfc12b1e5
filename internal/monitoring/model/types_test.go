package model

import (
	"testing"
	"time"
)

func TestSeverityOrdering(t *testing.T) {
	order := []Severity{SeverityNone, SeverityLow, SeverityMedium, SeverityHigh}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%q should rank above %q", order[i], order[i-1])
		}
	}
	if !SeverityHigh.AtLeast(SeverityMedium) {
		t.Error("high should be at least medium")
	}
	if SeverityLow.AtLeast(SeverityMedium) {
		t.Error("low should be below medium")
	}
	if Severity("catastrophic").Valid() {
		t.Error("unknown severity accepted")
	}
}

func TestDedupKeyStable(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	a := DedupKey(SourceDrift, "fraud_probability", start, end)
	b := DedupKey(SourceDrift, "fraud_probability", start, end)
	if a != b {
		t.Fatalf("same inputs produced %q and %q", a, b)
	}
	if c := DedupKey(SourceCoverage, "fraud_probability", start, end); c == a {
		t.Error("source not part of the key")
	}
	if c := DedupKey(SourceDrift, "fraud_probability", start.Add(time.Hour), end); c == a {
		t.Error("window not part of the key")
	}
}

func TestRunStateTerminal(t *testing.T) {
	tests := []struct {
		state    RunState
		terminal bool
	}{
		{RunPending, false},
		{RunExecuting, false},
		{RunSucceeded, true},
		{RunFailed, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%q.Terminal() = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}

func TestWindowLabeledCount(t *testing.T) {
	one := 1
	w := &Window{Samples: []Sample{
		{},                             // no label, no prediction
		{Label: &one},                  // label only
		{Predicted: &one},              // prediction only
		{Label: &one, Predicted: &one}, // counts
	}}
	if got := w.LabeledCount(); got != 1 {
		t.Errorf("LabeledCount = %d, want 1", got)
	}
}
