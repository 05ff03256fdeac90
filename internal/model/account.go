package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountKind classifies ledger accounts.
type AccountKind string

const (
	AccountUser         AccountKind = "USER"
	AccountBank         AccountKind = "BANK"
	AccountContractPool AccountKind = "CONTRACT_POOL"
)

// BankAccountID is the single platform account. It is the only account
// allowed to go negative.
const BankAccountID = "bank"

const (
	userPrefix = "user:"
	poolPrefix = "pool:"
)

// Account is a ledger account. Balance is a materialisation maintained by the
// ledger; replaying the account's transactions must reproduce it.
type Account struct {
	ID        string          `json:"id"`
	Kind      AccountKind     `json:"kind"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// UserAccountID returns the ledger account id for a user.
func UserAccountID(userID string) string {
	return userPrefix + userID
}

// PoolAccountID returns the ledger account id holding a market's collateral.
func PoolAccountID(contractID string) string {
	return poolPrefix + contractID
}

// KindOf derives the account kind from an account id.
func KindOf(accountID string) (AccountKind, error) {
	switch {
	case accountID == BankAccountID:
		return AccountBank, nil
	case strings.HasPrefix(accountID, userPrefix) && len(accountID) > len(userPrefix):
		return AccountUser, nil
	case strings.HasPrefix(accountID, poolPrefix) && len(accountID) > len(poolPrefix):
		return AccountContractPool, nil
	default:
		return "", fmt.Errorf("unknown account id %q", accountID)
	}
}

// UserIDOf returns the user id behind a USER account id.
func UserIDOf(accountID string) (string, bool) {
	if !strings.HasPrefix(accountID, userPrefix) {
		return "", false
	}
	return strings.TrimPrefix(accountID, userPrefix), true
}

// MayGoNegative reports whether debits may overdraw the account.
func (k AccountKind) MayGoNegative() bool {
	return k == AccountBank
}
