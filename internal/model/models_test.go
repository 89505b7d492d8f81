package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockchainData_MergeIsAppendOnly(t *testing.T) {
	data := BlockchainData{
		DepositTxIDs:   []string{"0xaaa"},
		SettlementTxID: "0xsettle",
	}

	data.Merge(BlockchainData{
		DepositTxIDs:     []string{"0xaaa", "0xbbb"},
		ConfirmationTxID: "0xconfirm",
		SettlementTxID:   "0xother", // 已有值不被覆盖
	})

	assert.Equal(t, []string{"0xaaa", "0xbbb"}, data.DepositTxIDs)
	assert.Equal(t, "0xconfirm", data.ConfirmationTxID)
	assert.Equal(t, "0xsettle", data.SettlementTxID)
}

func TestBlockchainData_ScanRoundTrip(t *testing.T) {
	original := BlockchainData{
		RegistrationTxID: "0xreg",
		DepositTxIDs:     []string{"0xaaa"},
		TransferTxID:     "0xtransfer",
	}
	value, err := original.Value()
	require.NoError(t, err)

	var scanned BlockchainData
	require.NoError(t, scanned.Scan(value))
	assert.Equal(t, original, scanned)

	// NULL 列 -> 零值
	var empty BlockchainData
	require.NoError(t, empty.Scan(nil))
	assert.Equal(t, BlockchainData{}, empty)
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{StatusCompleted, StatusFailed, StatusCancelled, StatusExpired} {
		assert.True(t, IsTerminal(s), s)
	}
	for _, s := range []string{StatusPending, StatusConfirmed} {
		assert.False(t, IsTerminal(s), s)
	}
}
