// Package model defines the core domain types shared across the market engine.
// All monetary values, share quantities and probabilities use shopspring/decimal,
// never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Binary outcomes.
const (
	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// Resolution values that are not outcome names.
const (
	ResolutionMKT    = "MKT"
	ResolutionCancel = "CANCEL"
)

// Epsilon is the dust threshold for shares and order remainders. Quantities
// smaller than this are treated as zero.
var Epsilon = decimal.New(1, -9)

// OutcomeType distinguishes the two market maker families.
type OutcomeType string

const (
	// OutcomeBinary markets price YES/NO with a constant-product pool.
	OutcomeBinary OutcomeType = "BINARY"
	// OutcomeMulti markets price N answers with the sum-of-squares rule.
	OutcomeMulti OutcomeType = "MULTI"
)

// Resolution is the final outcome recorded on a market.
type Resolution struct {
	// Outcome is YES, NO, MKT, CANCEL or, for multi markets, an answer id.
	Outcome string `json:"outcome"`
	// Prob is the YES probability used for a binary MKT resolution.
	Prob decimal.Decimal `json:"prob,omitempty"`
	// Probs holds per-answer weights for a multi-outcome MKT resolution.
	Probs map[string]decimal.Decimal `json:"probs,omitempty"`
}

// Market is a question together with its automated market maker state.
// Pool holds YES/NO reserves for binary markets and per-answer total
// shares for multi-outcome markets.
type Market struct {
	ID             string                     `json:"id"`
	CreatorID      string                     `json:"creator_id"`
	Question       string                     `json:"question"`
	Slug           string                     `json:"slug"`
	OutcomeType    OutcomeType                `json:"outcome_type"`
	Outcomes       []string                   `json:"outcomes"`
	Pool           map[string]decimal.Decimal `json:"pool"`
	SubsidyPool    decimal.Decimal            `json:"subsidy_pool"`
	TotalLiquidity decimal.Decimal            `json:"total_liquidity"`
	Volume         decimal.Decimal            `json:"volume"`
	CloseTime      *time.Time                 `json:"close_time,omitempty"`
	IsResolved     bool                       `json:"is_resolved"`
	Resolution     *Resolution                `json:"resolution,omitempty"`
	ResolutionTime *time.Time                 `json:"resolution_time,omitempty"`

	// SettlementBalance is the pool account balance captured at resolution,
	// after pending orders were refunded. Payout plans are computed from it.
	SettlementBalance decimal.Decimal `json:"settlement_balance"`
	PayoutsComplete   bool            `json:"payouts_complete"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// IsBinary reports whether the market uses the YES/NO constant-product pool.
func (m *Market) IsBinary() bool {
	return m.OutcomeType == OutcomeBinary
}

// HasOutcome reports whether outcome can be traded on this market.
func (m *Market) HasOutcome(outcome string) bool {
	for _, o := range m.Outcomes {
		if o == outcome {
			return true
		}
	}
	return false
}

// IsClosed reports whether trading has stopped because the close time passed.
func (m *Market) IsClosed(now time.Time) bool {
	return m.CloseTime != nil && !now.Before(*m.CloseTime)
}

// Clone returns a deep copy so callers can mutate pool maps freely.
func (m *Market) Clone() *Market {
	c := *m
	c.Outcomes = append([]string(nil), m.Outcomes...)
	c.Pool = make(map[string]decimal.Decimal, len(m.Pool))
	for k, v := range m.Pool {
		c.Pool[k] = v
	}
	if m.CloseTime != nil {
		t := *m.CloseTime
		c.CloseTime = &t
	}
	if m.ResolutionTime != nil {
		t := *m.ResolutionTime
		c.ResolutionTime = &t
	}
	if m.Resolution != nil {
		r := *m.Resolution
		if m.Resolution.Probs != nil {
			r.Probs = make(map[string]decimal.Decimal, len(m.Resolution.Probs))
			for k, v := range m.Resolution.Probs {
				r.Probs[k] = v
			}
		}
		c.Resolution = &r
	}
	return &c
}

// LiquidityProvision records mana added to a market's pool, including the
// creator's ante.
type LiquidityProvision struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	ContractID  string          `json:"contract_id"`
	Amount      decimal.Decimal `json:"amount"`
	CreatedTime time.Time       `json:"created_time"`
}
