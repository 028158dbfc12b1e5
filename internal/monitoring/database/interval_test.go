package database

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

func TestDurationToPgInterval(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected pgtype.Interval
	}{
		{
			name:     "zero duration",
			duration: 0,
			expected: pgtype.Interval{Microseconds: 0, Days: 0, Months: 0, Valid: true},
		},
		{
			name:     "1 second",
			duration: 1 * time.Second,
			expected: pgtype.Interval{Microseconds: 1000000, Valid: true},
		},
		{
			name:     "1 hour",
			duration: 1 * time.Hour,
			expected: pgtype.Interval{Microseconds: 3600000000, Valid: true},
		},
		{
			name:     "1 day",
			duration: 24 * time.Hour,
			expected: pgtype.Interval{Microseconds: 0, Days: 1, Valid: true},
		},
		{
			name:     "1 day and change",
			duration: 25*time.Hour + 30*time.Minute,
			expected: pgtype.Interval{Microseconds: 5400000000, Days: 1, Valid: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := durationToPgInterval(tt.duration)
			if got != tt.expected {
				t.Errorf("durationToPgInterval() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestPgIntervalToDuration(t *testing.T) {
	tests := []struct {
		name        string
		interval    pgtype.Interval
		expected    time.Duration
		expectError bool
	}{
		{
			name:     "microseconds only",
			interval: pgtype.Interval{Microseconds: 1000000, Valid: true},
			expected: 1 * time.Second,
		},
		{
			name:     "days and microseconds",
			interval: pgtype.Interval{Microseconds: 5400000000, Days: 1, Valid: true},
			expected: 25*time.Hour + 30*time.Minute,
		},
		{
			name:        "invalid interval",
			interval:    pgtype.Interval{},
			expectError: true,
		},
		{
			name:        "month component",
			interval:    pgtype.Interval{Months: 1, Valid: true},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pgIntervalToDuration(tt.interval)
			if tt.expectError {
				if err == nil {
					t.Fatalf("pgIntervalToDuration() expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("pgIntervalToDuration() unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("pgIntervalToDuration() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseIntervalText(t *testing.T) {
	tests := []struct {
		in       string
		expected time.Duration
	}{
		{"01:02:03", time.Hour + 2*time.Minute + 3*time.Second},
		{"00:30:00", 30 * time.Minute},
		{"3600 seconds", time.Hour},
		{"1 day 02:30:00", 26*time.Hour + 30*time.Minute},
		{"2 days 00:00:10", 48*time.Hour + 10*time.Second},
		{"3 days", 72 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseIntervalText(tt.in)
			if err != nil {
				t.Fatalf("parseIntervalText(%q) error: %v", tt.in, err)
			}
			if got != tt.expected {
				t.Errorf("parseIntervalText(%q) = %v, want %v", tt.in, got, tt.expected)
			}
		})
	}

	if _, err := parseIntervalText("bogus"); err == nil {
		t.Error("parseIntervalText should reject unknown formats")
	}
}
