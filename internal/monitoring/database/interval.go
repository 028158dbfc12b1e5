package database

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

const microsecondsPerDay = 24 * int64(time.Hour/time.Microsecond)

// durationToPgInterval converts a Go duration into a Postgres interval value.
// Whole days are carried in the Days field, the remainder in Microseconds.
func durationToPgInterval(d time.Duration) pgtype.Interval {
	micros := d.Microseconds()
	days := micros / microsecondsPerDay
	return pgtype.Interval{
		Microseconds: micros - days*microsecondsPerDay,
		Days:         int32(days),
		Valid:        true,
	}
}

// pgIntervalToDuration converts a Postgres interval back into a Go duration.
// Month components are rejected: they have no fixed length.
func pgIntervalToDuration(iv pgtype.Interval) (time.Duration, error) {
	if !iv.Valid {
		return 0, fmt.Errorf("interval is not valid")
	}
	if iv.Months != 0 {
		return 0, fmt.Errorf("interval with month component is not convertible")
	}
	micros := iv.Microseconds + int64(iv.Days)*microsecondsPerDay
	return time.Duration(micros) * time.Microsecond, nil
}

// parseIntervalText parses the subset of Postgres interval text output the
// store produces ("HH:MM:SS", "N days HH:MM:SS" and "N seconds") into a
// pgtype.Interval, then converts it.
func parseIntervalText(s string) (time.Duration, error) {
	iv := pgtype.Interval{Valid: true}
	rest := s

	fields := strings.Fields(s)
	if len(fields) >= 2 && strings.HasPrefix(fields[1], "day") {
		days, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, fmt.Errorf("unsupported interval format: %s", s)
		}
		iv.Days = int32(days)
		rest = strings.Join(fields[2:], " ")
		if rest == "" {
			return pgIntervalToDuration(iv)
		}
	}

	var h, m int
	var sec float64
	if n, _ := fmt.Sscanf(rest, "%d:%d:%f", &h, &m, &sec); n >= 2 {
		clock := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second))
		iv.Microseconds = clock.Microseconds()
		return pgIntervalToDuration(iv)
	}
	var seconds float64
	if n, _ := fmt.Sscanf(rest, "%f seconds", &seconds); n == 1 {
		iv.Microseconds = int64(seconds * 1e6)
		return pgIntervalToDuration(iv)
	}
	return 0, fmt.Errorf("unsupported interval format: %s", s)
}
