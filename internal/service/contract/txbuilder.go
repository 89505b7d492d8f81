package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// contractCall 合约调用的规范化载荷。字段顺序即签名字节序，
// 不要调整（序列化后直接进摘要）。
type contractCall struct {
	Type       string        `json:"type"`
	ContractID string        `json:"contract_id"`
	Function   string        `json:"function"`
	Args       []interface{} `json:"args"`
	Sender     string        `json:"sender"`
	Nonce      uint64        `json:"nonce"`
	Network    string        `json:"network"`
}

// tokenTransfer 原生 STX 转账的规范化载荷
type tokenTransfer struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"` // micro-STX, 十进制字符串
	Memo      string `json:"memo"`
	Nonce     uint64 `json:"nonce"`
	Network   string `json:"network"`
}

// signedEnvelope 广播给节点的最终信封
type signedEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"public_key"`
	Signature string          `json:"signature"`
}

func buildContractCall(key *btcec.PrivateKey, call contractCall) ([]byte, error) {
	call.Type = "contract_call"
	return sealPayload(key, call)
}

func buildTokenTransfer(key *btcec.PrivateKey, tt tokenTransfer) ([]byte, error) {
	tt.Type = "token_transfer"
	return sealPayload(key, tt)
}

// sealPayload 序列化 -> SHA256 摘要 -> ECDSA 签名 -> 封装信封
func sealPayload(key *btcec.PrivateKey, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("contract: marshal payload: %w", err)
	}

	digest := sha256.Sum256(raw)
	sig := ecdsa.Sign(key, digest[:])

	envelope := signedEnvelope{
		Payload:   raw,
		PublicKey: hex.EncodeToString(key.PubKey().SerializeCompressed()),
		Signature: hex.EncodeToString(sig.Serialize()),
	}
	out, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("contract: marshal envelope: %w", err)
	}
	return out, nil
}
