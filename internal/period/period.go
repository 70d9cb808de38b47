// Package period handles settlement period identifiers: parsing, validation
// and derivation of the period that contains (or precedes) a point in time.
//
// Periods are calendar-aligned in UTC:
//   - daily   → YYYY-MM-DD  (e.g. 2026-10-18)
//   - monthly → YYYY-MM     (e.g. 2026-10)
package period

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Supported cadences.
const (
	CadenceDaily   = "daily"
	CadenceMonthly = "monthly"
)

var (
	dailyRegex   = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	monthlyRegex = regexp.MustCompile(`^(\d{4})-(\d{2})$`)
)

var (
	ErrInvalidPeriod  = errors.New("period: invalid period id")
	ErrInvalidCadence = errors.New("period: unsupported cadence")
)

// Period is a parsed settlement period. End is exclusive.
type Period struct {
	ID      string    `json:"id"`
	Cadence string    `json:"cadence"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// ValidCadence reports whether cadence is supported.
func ValidCadence(cadence string) bool {
	return cadence == CadenceDaily || cadence == CadenceMonthly
}

// Parse parses and validates a period id for the given cadence.
func Parse(cadence, id string) (Period, error) {
	switch cadence {
	case CadenceDaily:
		if !dailyRegex.MatchString(id) {
			return Period{}, fmt.Errorf("%w: %q (expected YYYY-MM-DD)", ErrInvalidPeriod, id)
		}
		start, err := time.Parse("2006-01-02", id)
		if err != nil {
			return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, id)
		}
		return Period{ID: id, Cadence: cadence, Start: start, End: start.AddDate(0, 0, 1)}, nil
	case CadenceMonthly:
		if !monthlyRegex.MatchString(id) {
			return Period{}, fmt.Errorf("%w: %q (expected YYYY-MM)", ErrInvalidPeriod, id)
		}
		start, err := time.Parse("2006-01", id)
		if err != nil {
			return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, id)
		}
		return Period{ID: id, Cadence: cadence, Start: start, End: start.AddDate(0, 1, 0)}, nil
	default:
		return Period{}, fmt.Errorf("%w: %s", ErrInvalidCadence, cadence)
	}
}

// Containing returns the period that contains t.
func Containing(cadence string, t time.Time) (Period, error) {
	t = t.UTC()
	switch cadence {
	case CadenceDaily:
		return Parse(cadence, t.Format("2006-01-02"))
	case CadenceMonthly:
		return Parse(cadence, t.Format("2006-01"))
	default:
		return Period{}, fmt.Errorf("%w: %s", ErrInvalidCadence, cadence)
	}
}

// Previous returns the last fully closed period before t. Automatic
// settlement always targets this period.
func Previous(cadence string, t time.Time) (Period, error) {
	cur, err := Containing(cadence, t)
	if err != nil {
		return Period{}, err
	}
	return Containing(cadence, cur.Start.Add(-time.Nanosecond))
}
