package rates

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar date format used in logs, storage and API paths.
const DateLayout = "2006-01-02"

var hundred = decimal.NewFromInt(100)

// RatePoint is one published observation of a series.
type RatePoint struct {
	Value      decimal.Decimal
	ObservedOn time.Time
}

// NewRatePoint normalises the observation date to midnight UTC.
func NewRatePoint(value decimal.Decimal, observedOn time.Time) RatePoint {
	return RatePoint{Value: value, ObservedOn: Day(observedOn)}
}

// Date renders ObservedOn as YYYY-MM-DD.
func (p RatePoint) Date() string {
	if p.ObservedOn.IsZero() {
		return ""
	}
	return p.ObservedOn.Format(DateLayout)
}

// SameDay reports whether both points were observed on the same calendar date.
func (p RatePoint) SameDay(t time.Time) bool {
	return Day(p.ObservedOn).Equal(Day(t))
}

// Change is the outcome of comparing a current point with a previous one.
type Change struct {
	ChangeBP       decimal.Decimal
	Current        RatePoint
	Previous       RatePoint
	ThresholdBP    decimal.Decimal
	MeetsThreshold bool
}

// ChangePct is the drop expressed in percentage points.
func (c Change) ChangePct() decimal.Decimal {
	return c.ChangeBP.Div(hundred)
}

// Evaluate computes the drop from previous to current in basis points.
// A falling rate yields a positive value, a rising rate a negative one.
func Evaluate(current, previous RatePoint, thresholdBP decimal.Decimal) Change {
	change := previous.Value.Sub(current.Value).Mul(hundred)
	return Change{
		ChangeBP:       change,
		Current:        current,
		Previous:       previous,
		ThresholdBP:    thresholdBP,
		MeetsThreshold: change.GreaterThanOrEqual(thresholdBP),
	}
}

// Day truncates t to its calendar date in UTC, keeping the wall-clock date of t's location.
func Day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
