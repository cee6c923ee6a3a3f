package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// CheckRecord is the audit row written after every rate check.
// Rate fields are nil when the run failed before they were known.
type CheckRecord struct {
	ID             int64
	RunID          string
	CheckedAt      time.Time
	SeriesID       string
	CurrentRate    *decimal.Decimal
	CurrentDate    *time.Time
	PreviousRate   *decimal.Decimal
	PreviousDate   *time.Time
	ChangeBP       *decimal.Decimal
	ThresholdBP    decimal.Decimal
	MeetsThreshold bool
	Notified       bool
	Stage          string
	Outcome        string
	ErrorKind      *string
	Error          *string
	CreatedAt      time.Time
}
