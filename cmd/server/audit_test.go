package main

import (
	"bytes"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manaforge/market-engine/internal/ledger"
	"github.com/manaforge/market-engine/internal/model"
)

func TestRenderAudit_PrintsCorruptAccountsBeforeFailing(t *testing.T) {
	report := ledger.Report{
		Accounts: []ledger.AccountAudit{
			{AccountID: "bank", Kind: model.AccountBank, Stored: decimal.NewFromInt(-10), Replayed: decimal.NewFromInt(-10), Transactions: 1},
			{AccountID: "user:alice", Kind: model.AccountUser, Stored: decimal.NewFromInt(11), Replayed: decimal.NewFromInt(10), Transactions: 1},
		},
		Net:     decimal.NewFromInt(1),
		Corrupt: []string{"user:alice"},
	}

	var out bytes.Buffer
	err := renderAudit(&out, report, false)
	require.Error(t, err)
	assert.Contains(t, out.String(), "user:alice")
	assert.Contains(t, out.String(), "11.0000")
	assert.NotContains(t, out.String(), "-10.0000")
	assert.Contains(t, out.String(), "corrupt: 1")
}

func TestRenderAudit_CleanLedger(t *testing.T) {
	report := ledger.Report{
		Accounts: []ledger.AccountAudit{
			{AccountID: "bank", Kind: model.AccountBank, Stored: decimal.NewFromInt(-10), Replayed: decimal.NewFromInt(-10), Transactions: 1},
			{AccountID: "user:alice", Kind: model.AccountUser, Stored: decimal.NewFromInt(10), Replayed: decimal.NewFromInt(10), Transactions: 1},
		},
		Net: decimal.Zero,
	}

	var out bytes.Buffer
	require.NoError(t, renderAudit(&out, report, true))
	assert.Contains(t, out.String(), "user:alice")
	assert.Contains(t, out.String(), "corrupt: 0")
}
