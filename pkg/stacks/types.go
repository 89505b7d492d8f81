package stacks

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// 交易类型/状态，与索引服务返回的字符串一致
const (
	TxTypeTokenTransfer = "token_transfer"
	TxTypeContractCall  = "contract_call"

	TxStatusSuccess = "success"
	TxStatusPending = "pending"
)

// Transfer 是索引服务返回的一笔转账记录（已扁平化）
type Transfer struct {
	TxID      string
	Type      string
	Status    string
	Recipient string
	Amount    decimal.Decimal // micro-STX
}

// NetworkError 表示索引服务/节点的网络层失败（超时、非 2xx 等）。
// 404 不属于 NetworkError —— 地址无交易记录是正常情况。
type NetworkError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stacks: %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("stacks: %s %s: unexpected status %d", e.Op, e.URL, e.StatusCode)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// 索引服务 /extended/v1/address/{addr}/transactions 的响应结构
type transactionListResponse struct {
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
	Total   int             `json:"total"`
	Results []transactionJSON `json:"results"`
}

type transactionJSON struct {
	TxID          string             `json:"tx_id"`
	TxType        string             `json:"tx_type"`
	TxStatus      string             `json:"tx_status"`
	TokenTransfer *tokenTransferJSON `json:"token_transfer,omitempty"`
}

type tokenTransferJSON struct {
	RecipientAddress string `json:"recipient_address"`
	Amount           string `json:"amount"` // micro-STX, decimal string
	Memo             string `json:"memo"`
}

// 节点 /v2/transactions 的应答
type broadcastResponse struct {
	TxID   string `json:"txid"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type accountResponse struct {
	Nonce   uint64 `json:"nonce"`
	Balance string `json:"balance"`
}
