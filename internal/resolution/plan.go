package resolution

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/manaforge/market-engine/internal/amm"
	"github.com/manaforge/market-engine/internal/model"
	"github.com/manaforge/market-engine/internal/position"
)

// UserPayout is what one user receives (or, for a cancelled market, returns)
// when a market settles.
type UserPayout struct {
	UserID string
	// Amount is the gross settlement for the user. For CANCEL it is signed:
	// positive refunds the user, negative claws back net gains.
	Amount decimal.Decimal
	// LoanRepayment is the part of a positive Amount routed to the bank to
	// clear the user's outstanding loan.
	LoanRepayment decimal.Decimal
	// LoanCleared is the outstanding loan written off by this payout: repaid
	// or forgiven.
	LoanCleared decimal.Decimal
}

// Net returns what reaches the user after loan repayment.
func (p UserPayout) Net() decimal.Decimal {
	return p.Amount.Sub(p.LoanRepayment)
}

// Plan is the full settlement of a resolved market.
type Plan struct {
	Outcome string
	Payouts []UserPayout
	// Owed is the sum of positive payouts.
	Owed decimal.Decimal
	// Subsidy is the bank top-up the pool needs to cover Owed.
	Subsidy decimal.Decimal
}

// PlanWinnings pays each holder's shares at the resolution's per-share value.
// Payouts round down to amm.FeeScale places so the sum never exceeds the
// liability.
func PlanWinnings(market *model.Market, holders map[string]*model.ContractPosition) Plan {
	plan := Plan{Outcome: market.Resolution.Outcome}
	for _, userID := range sortedUsers(holders) {
		cp := holders[userID]
		gross := decimal.Zero
		for _, p := range cp.Positions {
			if !p.Shares.IsPositive() {
				continue
			}
			v := position.ResolutionValue(market, market.Resolution, p.Outcome)
			gross = gross.Add(v.Mul(p.Shares))
		}
		gross = gross.RoundFloor(amm.FeeScale)
		loan := decimal.Max(cp.LoanAmount, decimal.Zero)
		if !gross.IsPositive() && loan.IsZero() {
			continue
		}
		plan.Payouts = append(plan.Payouts, UserPayout{
			UserID:        userID,
			Amount:        gross,
			LoanRepayment: decimal.Min(gross, loan),
			LoanCleared:   loan,
		})
		plan.Owed = plan.Owed.Add(gross)
	}
	plan.Subsidy = shortfall(plan.Owed, market.SettlementBalance)
	return plan
}

// PlanCancel reverses every user's net ledger movement on the market.
// Settlement transactions are ignored so the plan is the same on every run.
func PlanCancel(market *model.Market, txs []model.Transaction, loans []model.Loan) Plan {
	deltas := make(map[string]decimal.Decimal)
	for _, tx := range txs {
		if tx.Category.Settlement() {
			continue
		}
		for _, acct := range []string{tx.FromID, tx.ToID} {
			if userID, ok := model.UserIDOf(acct); ok {
				deltas[userID] = deltas[userID].Add(tx.DeltaFor(acct))
			}
		}
	}
	outstanding := make(map[string]decimal.Decimal)
	for _, l := range loans {
		outstanding[l.UserID] = outstanding[l.UserID].Add(l.Amount)
	}
	for userID := range outstanding {
		if _, ok := deltas[userID]; !ok {
			deltas[userID] = decimal.Zero
		}
	}

	users := make([]string, 0, len(deltas))
	for u := range deltas {
		users = append(users, u)
	}
	sort.Strings(users)

	plan := Plan{Outcome: model.ResolutionCancel}
	for _, userID := range users {
		refund := deltas[userID].Neg()
		loan := decimal.Max(outstanding[userID], decimal.Zero)
		if refund.IsZero() && loan.IsZero() {
			continue
		}
		plan.Payouts = append(plan.Payouts, UserPayout{UserID: userID, Amount: refund, LoanCleared: loan})
		if refund.IsPositive() {
			plan.Owed = plan.Owed.Add(refund)
		}
	}
	plan.Subsidy = shortfall(plan.Owed, market.SettlementBalance)
	return plan
}

// ResidualShare is one recipient's part of the mana left in the pool after
// every user is paid.
type ResidualShare struct {
	// AccountID is a USER account for liquidity providers or the bank.
	AccountID string
	Amount    decimal.Decimal
}

// SplitResidual divides residual among liquidity providers in proportion to
// what they provided. The last provider takes the rounding remainder so the
// shares sum to residual exactly. Without providers the bank takes it all.
func SplitResidual(residual decimal.Decimal, provisions []model.LiquidityProvision) []ResidualShare {
	if !residual.IsPositive() {
		return nil
	}
	provided := make(map[string]decimal.Decimal)
	total := decimal.Zero
	for _, p := range provisions {
		if p.UserID == "" || !p.Amount.IsPositive() {
			continue
		}
		provided[p.UserID] = provided[p.UserID].Add(p.Amount)
		total = total.Add(p.Amount)
	}
	if total.IsZero() {
		return []ResidualShare{{AccountID: model.BankAccountID, Amount: residual}}
	}

	users := make([]string, 0, len(provided))
	for u := range provided {
		users = append(users, u)
	}
	sort.Strings(users)

	var out []ResidualShare
	left := residual
	for i, u := range users {
		amount := left
		if i < len(users)-1 {
			amount = residual.Mul(provided[u]).Div(total).RoundFloor(amm.FeeScale)
		}
		left = left.Sub(amount)
		if amount.IsPositive() {
			out = append(out, ResidualShare{AccountID: model.UserAccountID(u), Amount: amount})
		}
	}
	return out
}

func shortfall(owed, available decimal.Decimal) decimal.Decimal {
	if owed.GreaterThan(available) {
		return owed.Sub(available)
	}
	return decimal.Zero
}

func sortedUsers(holders map[string]*model.ContractPosition) []string {
	users := make([]string, 0, len(holders))
	for u := range holders {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
