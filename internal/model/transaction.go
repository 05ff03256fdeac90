package model

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Category is the closed set of ledger transaction kinds.
type Category string

const (
	CategoryTrade         Category = "TRADE"
	CategoryFee           Category = "FEE"
	CategoryLoan          Category = "LOAN"
	CategoryLoanRepayment Category = "LOAN_REPAYMENT"
	CategoryBonus         Category = "BONUS"
	CategorySubsidy       Category = "SUBSIDY"
	CategoryAnte          Category = "ANTE"
	CategoryLiquidity     Category = "LIQUIDITY"
	CategoryOrderEscrow   Category = "ORDER_ESCROW"
	CategoryOrderRefund   Category = "ORDER_REFUND"
	CategoryRedemption    Category = "REDEMPTION"
	CategoryPayout        Category = "PAYOUT"
	CategoryCancelRefund  Category = "CANCEL_REFUND"
)

// Settlement reports whether the category is written by the payout engine.
// Settlement transactions are excluded when computing a user's net trading
// delta for a cancelled market.
func (c Category) Settlement() bool {
	switch c {
	case CategoryPayout, CategoryCancelRefund, CategorySubsidy:
		return true
	}
	return false
}

// TxDetail is the category-specific payload of a transaction. The set of
// implementations is closed: only types in this package satisfy it.
type TxDetail interface {
	Category() Category
	// Contract returns the market the transaction belongs to, or "".
	Contract() string
	sealed()
}

// TradeDetail links a trade transaction to the bet it paid for.
type TradeDetail struct {
	ContractID string `json:"contract_id"`
	BetID      string `json:"bet_id"`
}

// FeeKind names who a fee is paid to.
type FeeKind string

const (
	FeePlatform FeeKind = "PLATFORM"
	FeeCreator  FeeKind = "CREATOR"
	FeeFlat     FeeKind = "FLAT"
)

type FeeDetail struct {
	ContractID string  `json:"contract_id"`
	BetID      string  `json:"bet_id"`
	Kind       FeeKind `json:"kind"`
}

type LoanDetail struct {
	ContractID string `json:"contract_id"`
	LoanID     string `json:"loan_id"`
}

type LoanRepaymentDetail struct {
	ContractID string `json:"contract_id"`
	LoanID     string `json:"loan_id,omitempty"`
}

type BonusDetail struct {
	Reason string `json:"reason"`
}

type SubsidyDetail struct {
	ContractID string `json:"contract_id"`
}

type AnteDetail struct {
	ContractID string `json:"contract_id"`
}

// LiquidityDetail covers provisions and the liquidity share of trading fees.
// ProvisionID is empty for fees.
type LiquidityDetail struct {
	ContractID  string `json:"contract_id"`
	ProvisionID string `json:"provision_id,omitempty"`
	BetID       string `json:"bet_id,omitempty"`
}

type OrderEscrowDetail struct {
	ContractID string `json:"contract_id"`
	OrderID    string `json:"order_id"`
}

type OrderRefundDetail struct {
	ContractID string `json:"contract_id"`
	OrderID    string `json:"order_id"`
}

type RedemptionDetail struct {
	ContractID string `json:"contract_id"`
	BetID      string `json:"bet_id"`
}

// PayoutKind separates winnings from the residual returned to liquidity
// providers or the bank.
type PayoutKind string

const (
	PayoutWinnings PayoutKind = "WINNINGS"
	PayoutResidual PayoutKind = "RESIDUAL"
)

type PayoutDetail struct {
	ContractID string     `json:"contract_id"`
	Outcome    string     `json:"outcome"`
	Kind       PayoutKind `json:"kind"`
}

type CancelRefundDetail struct {
	ContractID string `json:"contract_id"`
}

func (TradeDetail) Category() Category         { return CategoryTrade }
func (FeeDetail) Category() Category           { return CategoryFee }
func (LoanDetail) Category() Category          { return CategoryLoan }
func (LoanRepaymentDetail) Category() Category { return CategoryLoanRepayment }
func (BonusDetail) Category() Category         { return CategoryBonus }
func (SubsidyDetail) Category() Category       { return CategorySubsidy }
func (AnteDetail) Category() Category          { return CategoryAnte }
func (LiquidityDetail) Category() Category     { return CategoryLiquidity }
func (OrderEscrowDetail) Category() Category   { return CategoryOrderEscrow }
func (OrderRefundDetail) Category() Category   { return CategoryOrderRefund }
func (RedemptionDetail) Category() Category    { return CategoryRedemption }
func (PayoutDetail) Category() Category        { return CategoryPayout }
func (CancelRefundDetail) Category() Category  { return CategoryCancelRefund }

func (d TradeDetail) Contract() string         { return d.ContractID }
func (d FeeDetail) Contract() string           { return d.ContractID }
func (d LoanDetail) Contract() string          { return d.ContractID }
func (d LoanRepaymentDetail) Contract() string { return d.ContractID }
func (BonusDetail) Contract() string           { return "" }
func (d SubsidyDetail) Contract() string       { return d.ContractID }
func (d AnteDetail) Contract() string          { return d.ContractID }
func (d LiquidityDetail) Contract() string     { return d.ContractID }
func (d OrderEscrowDetail) Contract() string   { return d.ContractID }
func (d OrderRefundDetail) Contract() string   { return d.ContractID }
func (d RedemptionDetail) Contract() string    { return d.ContractID }
func (d PayoutDetail) Contract() string        { return d.ContractID }
func (d CancelRefundDetail) Contract() string  { return d.ContractID }

func (TradeDetail) sealed()         {}
func (FeeDetail) sealed()           {}
func (LoanDetail) sealed()          {}
func (LoanRepaymentDetail) sealed() {}
func (BonusDetail) sealed()         {}
func (SubsidyDetail) sealed()       {}
func (AnteDetail) sealed()          {}
func (LiquidityDetail) sealed()     {}
func (OrderEscrowDetail) sealed()   {}
func (OrderRefundDetail) sealed()   {}
func (RedemptionDetail) sealed()    {}
func (PayoutDetail) sealed()        {}
func (CancelRefundDetail) sealed()  {}

var (
	errNonPositiveAmount = errors.New("transaction amount must be positive")
	errSelfTransfer      = errors.New("transaction source and destination must differ")
	errMissingDetail     = errors.New("transaction detail is required")
)

// Transaction is an immutable ledger record moving Amount from FromID to ToID.
type Transaction struct {
	ID          string          `json:"id"`
	FromID      string          `json:"from_id"`
	ToID        string          `json:"to_id"`
	Amount      decimal.Decimal `json:"amount"`
	Category    Category        `json:"category"`
	Detail      TxDetail        `json:"detail"`
	CreatedTime time.Time       `json:"created_time"`
}

// NewTransaction validates and builds a transaction. The category is always
// taken from the detail, so the two cannot disagree.
func NewTransaction(id, fromID, toID string, amount decimal.Decimal, detail TxDetail, at time.Time) (Transaction, error) {
	if detail == nil {
		return Transaction{}, errMissingDetail
	}
	if !amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: %s", errNonPositiveAmount, amount)
	}
	if fromID == toID {
		return Transaction{}, fmt.Errorf("%w: %s", errSelfTransfer, fromID)
	}
	if _, err := KindOf(fromID); err != nil {
		return Transaction{}, err
	}
	if _, err := KindOf(toID); err != nil {
		return Transaction{}, err
	}
	return Transaction{
		ID:          id,
		FromID:      fromID,
		ToID:        toID,
		Amount:      amount,
		Category:    detail.Category(),
		Detail:      detail,
		CreatedTime: at,
	}, nil
}

// ContractID returns the market the transaction is tagged with, if any.
func (t Transaction) ContractID() string {
	if t.Detail == nil {
		return ""
	}
	return t.Detail.Contract()
}

// DeltaFor returns the signed balance change the transaction applies to accountID.
func (t Transaction) DeltaFor(accountID string) decimal.Decimal {
	switch accountID {
	case t.ToID:
		return t.Amount
	case t.FromID:
		return t.Amount.Neg()
	}
	return decimal.Zero
}

type transactionJSON struct {
	ID          string          `json:"id"`
	FromID      string          `json:"from_id"`
	ToID        string          `json:"to_id"`
	Amount      decimal.Decimal `json:"amount"`
	Category    Category        `json:"category"`
	Detail      json.RawMessage `json:"detail"`
	CreatedTime time.Time       `json:"created_time"`
}

// UnmarshalJSON restores the concrete detail type from the category.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var raw transactionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	detail, err := DecodeDetail(raw.Category, raw.Detail)
	if err != nil {
		return err
	}
	*t = Transaction{
		ID:          raw.ID,
		FromID:      raw.FromID,
		ToID:        raw.ToID,
		Amount:      raw.Amount,
		Category:    raw.Category,
		Detail:      detail,
		CreatedTime: raw.CreatedTime,
	}
	return nil
}

// DecodeDetail parses a stored detail payload for the given category.
func DecodeDetail(category Category, data []byte) (TxDetail, error) {
	var d TxDetail
	switch category {
	case CategoryTrade:
		d = &TradeDetail{}
	case CategoryFee:
		d = &FeeDetail{}
	case CategoryLoan:
		d = &LoanDetail{}
	case CategoryLoanRepayment:
		d = &LoanRepaymentDetail{}
	case CategoryBonus:
		d = &BonusDetail{}
	case CategorySubsidy:
		d = &SubsidyDetail{}
	case CategoryAnte:
		d = &AnteDetail{}
	case CategoryLiquidity:
		d = &LiquidityDetail{}
	case CategoryOrderEscrow:
		d = &OrderEscrowDetail{}
	case CategoryOrderRefund:
		d = &OrderRefundDetail{}
	case CategoryRedemption:
		d = &RedemptionDetail{}
	case CategoryPayout:
		d = &PayoutDetail{}
	case CategoryCancelRefund:
		d = &CancelRefundDetail{}
	default:
		return nil, fmt.Errorf("unknown transaction category %q", category)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, d); err != nil {
			return nil, fmt.Errorf("decode %s detail: %w", category, err)
		}
	}
	return deref(d), nil
}

// deref converts the pointer used for decoding back to the value type that
// constructors produce, so equality checks behave the same after a round trip.
func deref(d TxDetail) TxDetail {
	switch v := d.(type) {
	case *TradeDetail:
		return *v
	case *FeeDetail:
		return *v
	case *LoanDetail:
		return *v
	case *LoanRepaymentDetail:
		return *v
	case *BonusDetail:
		return *v
	case *SubsidyDetail:
		return *v
	case *AnteDetail:
		return *v
	case *LiquidityDetail:
		return *v
	case *OrderEscrowDetail:
		return *v
	case *OrderRefundDetail:
		return *v
	case *RedemptionDetail:
		return *v
	case *PayoutDetail:
		return *v
	case *CancelRefundDetail:
		return *v
	}
	return d
}
