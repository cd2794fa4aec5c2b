package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Counter outcomes recorded per execution.
const (
	OutcomeRun = "run"
	OutcomeOK  = "ok"
	OutcomeErr = "err"
)

// CounterDayLayout is the day component of a counter key.
const CounterDayLayout = "20060102"

// CounterKey addresses one daily counter.
type CounterKey struct {
	Kind    Kind
	Source  string
	Outcome string
	Day     string
}

// NewCounterKey builds the key for the calendar day of t in loc.
func NewCounterKey(kind Kind, source, outcome string, t time.Time, loc *time.Location) CounterKey {
	if loc == nil {
		loc = time.UTC
	}
	return CounterKey{
		Kind:    kind,
		Source:  source,
		Outcome: outcome,
		Day:     t.In(loc).Format(CounterDayLayout),
	}
}

// String renders {kind}_{source}_{outcome}_{YYYYMMDD}.
func (k CounterKey) String() string {
	return fmt.Sprintf("%s_%s_%s_%s", k.Kind, k.Source, k.Outcome, k.Day)
}

// Counter is a persisted daily counter value.
type Counter struct {
	Key   string `json:"key"`
	Day   string `json:"day"`
	Value int64  `json:"value"`
}

// Holding is a position in a fund held by an account.
type Holding struct {
	AccountID string          `json:"account_id"`
	FundCode  string          `json:"fund_code"`
	Shares    decimal.Decimal `json:"shares"`
}
