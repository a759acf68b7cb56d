package closing

import (
	"fmt"
	"time"
)

// PeriodKind distinguishes quarterly from monthly closings.
type PeriodKind string

const (
	PeriodQuarter PeriodKind = "QUARTER"
	PeriodMonth   PeriodKind = "MONTH"
)

// Default year bounds applied when PeriodRules leaves them unset.
const (
	DefaultMinYear = 2000
	DefaultMaxYear = 2100
)

// Period identifies a quarter or a month of a year. The zero value is not a
// valid period; obtain one through PeriodRules.Parse.
type Period struct {
	year  int
	kind  PeriodKind
	value int
}

// Year returns the calendar year.
func (p Period) Year() int { return p.year }

// Kind returns QUARTER or MONTH.
func (p Period) Kind() PeriodKind { return p.kind }

// Value returns the quarter (1-4) or month (1-12) number.
func (p Period) Value() int { return p.value }

// IsZero reports whether p was never parsed.
func (p Period) IsZero() bool { return p.kind == "" }

func (p Period) String() string {
	switch p.kind {
	case PeriodQuarter:
		return fmt.Sprintf("%04d-Q%d", p.year, p.value)
	case PeriodMonth:
		return fmt.Sprintf("%04d-M%02d", p.year, p.value)
	default:
		return "invalid-period"
	}
}

// Start returns the first instant of the period in loc.
func (p Period) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(p.year, p.firstMonth(), 1, 0, 0, 0, 0, loc)
}

// End returns the first instant after the period in loc.
func (p Period) End(loc *time.Location) time.Time {
	start := p.Start(loc)
	if p.kind == PeriodQuarter {
		return start.AddDate(0, 3, 0)
	}
	return start.AddDate(0, 1, 0)
}

// Boundary returns the last representable instant of the period in loc.
// Events at or before the boundary belong to the period.
func (p Period) Boundary(loc *time.Location) time.Time {
	return p.End(loc).Add(-time.Nanosecond)
}

func (p Period) firstMonth() time.Month {
	if p.kind == PeriodQuarter {
		return time.Month((p.value-1)*3 + 1)
	}
	return time.Month(p.value)
}

// PeriodRules holds the configured constraints for parsing periods.
type PeriodRules struct {
	MinYear  int
	MaxYear  int
	Location *time.Location
}

// Parse validates the raw period shape. Exactly one of quarter and month must be set.
func (r PeriodRules) Parse(year int, quarter, month *int) (Period, error) {
	minYear, maxYear := r.bounds()
	if year < minYear || year > maxYear {
		return Period{}, newError(KindInvalidRange, "year %d outside %d..%d", year, minYear, maxYear)
	}
	switch {
	case quarter != nil && month != nil:
		return Period{}, ErrAmbiguousPeriod
	case quarter == nil && month == nil:
		return Period{}, ErrMissingPeriod
	case quarter != nil:
		if *quarter < 1 || *quarter > 4 {
			return Period{}, newError(KindOutOfBounds, "quarter %d not in 1..4", *quarter)
		}
		return Period{year: year, kind: PeriodQuarter, value: *quarter}, nil
	default:
		if *month < 1 || *month > 12 {
			return Period{}, newError(KindOutOfBounds, "month %d not in 1..12", *month)
		}
		return Period{year: year, kind: PeriodMonth, value: *month}, nil
	}
}

func (r PeriodRules) location() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

func (r PeriodRules) bounds() (int, int) {
	minYear, maxYear := r.MinYear, r.MaxYear
	if minYear == 0 {
		minYear = DefaultMinYear
	}
	if maxYear == 0 {
		maxYear = DefaultMaxYear
	}
	return minYear, maxYear
}

// restorePeriod rebuilds a Period from persisted columns.
func restorePeriod(year int, kind string, value int) (Period, error) {
	switch PeriodKind(kind) {
	case PeriodQuarter:
		if value < 1 || value > 4 {
			return Period{}, fmt.Errorf("closing: stored quarter %d invalid", value)
		}
	case PeriodMonth:
		if value < 1 || value > 12 {
			return Period{}, fmt.Errorf("closing: stored month %d invalid", value)
		}
	default:
		return Period{}, fmt.Errorf("closing: stored period kind %q invalid", kind)
	}
	return Period{year: year, kind: PeriodKind(kind), value: value}, nil
}
