// Package position derives user holdings from the bet and loan history of a
// market. Positions are never stored: they are a fold over immutable fills,
// so they cannot drift from the ledger.
package position

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/manaforge/market-engine/internal/amm"
	"github.com/manaforge/market-engine/internal/model"
)

var one = decimal.NewFromInt(1)

// Fold aggregates one user's bets and loans on one market into positions,
// in creation order. Bets of other users or markets are ignored.
func Fold(userID, contractID string, bets []model.Bet, loans []model.Loan) *model.ContractPosition {
	ordered := append([]model.Bet(nil), bets...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CreatedTime.Before(ordered[j].CreatedTime) })

	byOutcome := make(map[string]*model.Position)
	for _, b := range ordered {
		if b.UserID != userID || b.ContractID != contractID {
			continue
		}
		p, ok := byOutcome[b.Outcome]
		if !ok {
			p = &model.Position{UserID: userID, ContractID: contractID, Outcome: b.Outcome}
			byOutcome[b.Outcome] = p
		}
		p.Shares = p.Shares.Add(b.Shares)
		p.Invested = p.Invested.Add(b.Amount)
	}

	cp := &model.ContractPosition{UserID: userID, ContractID: contractID}
	outcomes := make([]string, 0, len(byOutcome))
	for o := range byOutcome {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		p := byOutcome[o]
		if p.Shares.Abs().LessThan(model.Epsilon) {
			p.Shares = decimal.Zero
		}
		cp.Positions = append(cp.Positions, *p)
		cp.Invested = cp.Invested.Add(p.Invested)
	}
	for _, l := range loans {
		if l.UserID == userID && l.ContractID == contractID {
			cp.LoanAmount = cp.LoanAmount.Add(l.Amount)
		}
	}
	cp.HasYesShares = cp.Shares(model.OutcomeYes).IsPositive()
	cp.HasNoShares = cp.Shares(model.OutcomeNo).IsPositive()
	return cp
}

// Value fills in what each position would pay if the market resolved now,
// and the resulting profit. For a resolved market the recorded resolution
// is used instead of the current probability.
func Value(market *model.Market, cp *model.ContractPosition) {
	cp.Value = decimal.Zero
	for i := range cp.Positions {
		p := &cp.Positions[i]
		p.Value = shareValue(market, p.Outcome).Mul(p.Shares).RoundFloor(amm.Scale)
		if market.IsResolved && market.Resolution != nil && market.Resolution.Outcome == model.ResolutionCancel {
			p.Value = p.Invested
		}
		p.Profit = p.Value.Sub(p.Invested)
		cp.Value = cp.Value.Add(p.Value)
	}
	cp.Profit = cp.Value.Sub(cp.Invested)
}

// shareValue is the mana one share of outcome is worth.
func shareValue(market *model.Market, outcome string) decimal.Decimal {
	if !market.IsResolved || market.Resolution == nil {
		return amm.Prob(market, outcome)
	}
	return ResolutionValue(market, market.Resolution, outcome)
}

// ResolutionValue is the payout per share of outcome under res.
// CANCEL returns zero; cancelled markets refund ledger deltas instead.
func ResolutionValue(market *model.Market, res *model.Resolution, outcome string) decimal.Decimal {
	switch res.Outcome {
	case model.ResolutionCancel:
		return decimal.Zero
	case model.ResolutionMKT:
		if market.IsBinary() {
			if outcome == model.OutcomeNo {
				return one.Sub(res.Prob)
			}
			return res.Prob
		}
		return res.Probs[outcome]
	}
	if res.Outcome == outcome {
		return one
	}
	return decimal.Zero
}

// Outstanding returns the shares held by all users per outcome: the
// liability the market's pool account must cover at resolution.
func Outstanding(bets []model.Bet) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, b := range bets {
		out[b.Outcome] = out[b.Outcome].Add(b.Shares)
	}
	return out
}

// Redeemable returns how many YES/NO pairs a binary position holds. Each
// pair is worth exactly 1 whatever the resolution, so it is cashed out.
func Redeemable(cp *model.ContractPosition) decimal.Decimal {
	yes, no := cp.Shares(model.OutcomeYes), cp.Shares(model.OutcomeNo)
	if !yes.IsPositive() || !no.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(yes, no)
}

// ByUser folds every user's position on a market.
func ByUser(contractID string, bets []model.Bet, loans []model.Loan) map[string]*model.ContractPosition {
	users := make(map[string]bool)
	for _, b := range bets {
		users[b.UserID] = true
	}
	for _, l := range loans {
		users[l.UserID] = true
	}
	out := make(map[string]*model.ContractPosition, len(users))
	for u := range users {
		out[u] = Fold(u, contractID, bets, loans)
	}
	return out
}
