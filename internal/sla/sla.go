// Package sla resolves settlement SLA rules and computes target dates
// and fees for payouts.
//
// Rules are scoped by (connector, rail, country, currency, priority).
// Any scope column may be empty, meaning wildcard. Resolution picks the
// active rule with the most matching non-empty columns; ties break on
// the earlier column in the order connector, rail, country, currency,
// priority, and finally on the lowest rule id.
package sla

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/Molam-git/molam-connect-sub001/internal/money"
)

var ErrInvalidAmount = errors.New("invalid amount")

// Rule defines cutoff, settlement timing, and fees for a scope.
type Rule struct {
	ID              int64     `json:"id"`
	ConnectorID     string    `json:"connectorId,omitempty"` // empty = wildcard
	Rail            string    `json:"rail,omitempty"`
	Country         string    `json:"country,omitempty"`
	Currency        string    `json:"currency,omitempty"`
	Priority        string    `json:"priority,omitempty"`
	CutoffTime      string    `json:"cutoffTime,omitempty"` // "HH:MM", rule-local wall clock
	ProcessingDays  int       `json:"processingDays"`
	SettlementDays  int       `json:"settlementDays"`
	ExcludeWeekends bool      `json:"excludeWeekends"`
	ExcludeHolidays bool      `json:"excludeHolidays"`
	BaseFee         string    `json:"baseFee"`
	PercentageFee   string    `json:"percentageFee"` // fraction, e.g. "0.001" = 0.1%
	MinFee          string    `json:"minFee"`
	MaxFee          string    `json:"maxFee"` // "0" or empty = uncapped
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Query carries the request attributes a rule is matched against.
type Query struct {
	ConnectorID string
	Rail        string
	Country     string
	Currency    string
	Priority    string
}

// Store persists SLA rules.
type Store interface {
	ListActive(ctx context.Context) ([]*Rule, error)
	Create(ctx context.Context, rule *Rule) error
	Deactivate(ctx context.Context, id int64) error
}

// Calendar answers business-day questions. Holiday data comes from an
// external collaborator; the default implementation only excludes
// weekends.
type Calendar interface {
	IsBusinessDay(date time.Time, country string) bool
}

// Resolver resolves rules and computes settlement targets and fees.
type Resolver struct {
	store    Store
	calendar Calendar
}

// NewResolver creates a rule resolver. A nil calendar falls back to
// weekend-only exclusion.
func NewResolver(store Store, calendar Calendar) *Resolver {
	if calendar == nil {
		calendar = WeekendCalendar{}
	}
	return &Resolver{store: store, calendar: calendar}
}

// scopeColumns enumerates a rule's scope values in tie-break order.
func scopeColumns(r *Rule) [5]string {
	return [5]string{r.ConnectorID, r.Rail, r.Country, r.Currency, r.Priority}
}

func queryColumns(q Query) [5]string {
	return [5]string{q.ConnectorID, q.Rail, q.Country, q.Currency, q.Priority}
}

// ResolveRule returns the most specific active rule for the query, or
// nil when no rule matches. Never fails on a missing rule.
func (r *Resolver) ResolveRule(ctx context.Context, q Query) (*Rule, error) {
	rules, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	qc := queryColumns(q)
	var best *Rule
	bestScore := -1

	for _, rule := range rules {
		rc := scopeColumns(rule)
		score := 0
		matches := true
		for i := 0; i < len(rc); i++ {
			if rc[i] == "" {
				continue // wildcard
			}
			if rc[i] != qc[i] {
				matches = false
				break
			}
			score++
		}
		if !matches {
			continue
		}
		if score > bestScore || (score == bestScore && moreSpecific(rule, best)) {
			best = rule
			bestScore = score
		}
	}
	return best, nil
}

// moreSpecific breaks ties between equally scored rules: the rule that
// is non-empty on the earlier scope column wins; equal shapes fall back
// to the lowest id.
func moreSpecific(a, b *Rule) bool {
	if b == nil {
		return true
	}
	ac, bc := scopeColumns(a), scopeColumns(b)
	for i := 0; i < len(ac); i++ {
		aSet, bSet := ac[i] != "", bc[i] != ""
		if aSet != bSet {
			return aSet
		}
	}
	return a.ID < b.ID
}

// TargetSettlementDate computes the expected settlement date for a
// payout created at createdAt. A nil rule defaults to T+2 business days
// with weekends excluded.
func (r *Resolver) TargetSettlementDate(rule *Rule, createdAt time.Time, country string) time.Time {
	date := createdAt.Truncate(24 * time.Hour)

	days := 2
	excludeWeekends := true
	excludeHolidays := false
	if rule != nil {
		days = rule.ProcessingDays + rule.SettlementDays
		excludeWeekends = rule.ExcludeWeekends
		excludeHolidays = rule.ExcludeHolidays
	}

	for remaining := days; remaining > 0; {
		date = date.AddDate(0, 0, 1)
		if excludeWeekends && isWeekend(date) {
			continue
		}
		if excludeHolidays && !r.calendar.IsBusinessDay(date, country) {
			continue
		}
		remaining--
	}
	return date
}

// Fee computes the internal fee for an amount under the rule:
// clamp(base + pct*amount, min, max), rounded to the currency precision.
// The bank fee is zero at creation time; connectors report the actual
// bank fee in their submit result.
func (r *Resolver) Fee(rule *Rule, amount string) (string, string, error) {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return "", "", ErrInvalidAmount
	}

	if rule == nil {
		return "0.00", "0.00", nil
	}

	base, _ := money.Parse(rule.BaseFee)
	rate, _ := money.ParseRate(rule.PercentageFee)
	min, _ := money.Parse(rule.MinFee)
	max, _ := money.Parse(rule.MaxFee)
	if base == nil {
		base = big.NewInt(0)
	}
	if rate == nil {
		rate = big.NewInt(0)
	}

	fee := new(big.Int).Add(base, money.ApplyRate(amt, rate))
	fee = money.Clamp(fee, min, max)

	return money.Format(fee), "0.00", nil
}

func isWeekend(date time.Time) bool {
	wd := date.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
