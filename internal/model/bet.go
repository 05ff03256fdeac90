package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bet is an immutable fill record. Amount is mana paid (negative for sells
// and redemptions); Shares is signed the same way.
type Bet struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	ContractID   string          `json:"contract_id"`
	Outcome      string          `json:"outcome"`
	Amount       decimal.Decimal `json:"amount"`
	Shares       decimal.Decimal `json:"shares"`
	ProbBefore   decimal.Decimal `json:"prob_before"`
	ProbAfter    decimal.Decimal `json:"prob_after"`
	Fees         decimal.Decimal `json:"fees"`
	IsRedemption bool            `json:"is_redemption,omitempty"`
	OrderID      string          `json:"order_id,omitempty"`
	CreatedTime  time.Time       `json:"created_time"`
}

// OrderStatus is the limit order lifecycle state.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Reasons an order left the book without filling.
const (
	CancelByUser       = "user"
	CancelByExpiry     = "expired"
	CancelByResolution = "resolved"
)

// LimitOrder is a resting order on a binary market. Amount is the unfilled
// remainder, held in escrow in the market's pool account.
type LimitOrder struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	ContractID   string          `json:"contract_id"`
	Outcome      string          `json:"outcome"`
	Amount       decimal.Decimal `json:"amount"`
	OrigAmount   decimal.Decimal `json:"orig_amount"`
	LimitProb    decimal.Decimal `json:"limit_prob"`
	FilledShares decimal.Decimal `json:"filled_shares"`
	Status       OrderStatus     `json:"status"`
	BetID        string          `json:"bet_id,omitempty"`
	CancelReason string          `json:"cancel_reason,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	CreatedTime  time.Time       `json:"created_time"`
	UpdatedTime  time.Time       `json:"updated_time"`
	Version      int64           `json:"version"`
}

func (o *LimitOrder) IsPending() bool   { return o.Status == OrderPending }
func (o *LimitOrder) IsFilled() bool    { return o.Status == OrderFilled }
func (o *LimitOrder) IsCancelled() bool { return o.Status == OrderCancelled }

// Expired reports whether the order's expiry has been reached at now.
func (o *LimitOrder) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// Loan is an issued (positive Amount) or repaid (negative Amount) loan
// against a position.
type Loan struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	ContractID  string          `json:"contract_id"`
	Amount      decimal.Decimal `json:"amount"`
	CreatedTime time.Time       `json:"created_time"`
}

// Position is a user's derived holding of one outcome in one market.
type Position struct {
	UserID     string          `json:"user_id"`
	ContractID string          `json:"contract_id"`
	Outcome    string          `json:"outcome"`
	Shares     decimal.Decimal `json:"shares"`
	// Invested is the net mana put into this outcome (buys minus sale proceeds).
	Invested decimal.Decimal `json:"invested"`
	// Value is what the shares would pay if the market resolved at the
	// current probability.
	Value  decimal.Decimal `json:"value"`
	Profit decimal.Decimal `json:"profit"`
}

// ContractPosition summarises a user's holdings across all outcomes of one market.
type ContractPosition struct {
	UserID       string          `json:"user_id"`
	ContractID   string          `json:"contract_id"`
	Positions    []Position      `json:"positions"`
	Invested     decimal.Decimal `json:"invested"`
	LoanAmount   decimal.Decimal `json:"loan_amount"`
	Value        decimal.Decimal `json:"value"`
	Profit       decimal.Decimal `json:"profit"`
	HasYesShares bool            `json:"has_yes_shares"`
	HasNoShares  bool            `json:"has_no_shares"`
}

// Shares returns the user's share count for outcome, zero if none.
func (c *ContractPosition) Shares(outcome string) decimal.Decimal {
	for _, p := range c.Positions {
		if p.Outcome == outcome {
			return p.Shares
		}
	}
	return decimal.Zero
}
