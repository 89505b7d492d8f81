package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/shopspring/decimal"

	"stx-gateway/pkg/address"
)

// NodeClient 是适配器对节点的全部依赖，stacks.Client 满足该接口。
type NodeClient interface {
	BroadcastTransaction(ctx context.Context, payload []byte) (string, error)
	GetAccountNonce(ctx context.Context, principal string) (uint64, error)
	CallReadOnly(ctx context.Context, contractID, function string, args []string) (json.RawMessage, error)
}

// 结算合约的函数名
const (
	fnRegisterPayment   = "register-payment"
	fnConfirmReceived   = "confirm-payment-received"
	fnSettlePayment     = "settle-payment"
	fnAuthorizeMerchant = "authorize-merchant"
	fnIsAuthorized      = "is-merchant-authorized"
)

// RegisterParams 注册支付的合约参数
type RegisterParams struct {
	PaymentID       string
	MerchantAddress string
	DepositAddress  string
	ExpectedAmount  decimal.Decimal
	Metadata        string
	ExpiresAt       time.Time
}

// TransferParams 价值转移参数。签名方是收款地址本身的私钥，
// 不是运营方密钥 —— 托管的签名权在链下 Key Vault 手里。
type TransferParams struct {
	FromAddress string
	ToAddress   string
	Amount      decimal.Decimal
	SigningKey  []byte // 原始 secp256k1 私钥, 调用方负责清零
	Memo        string
}

// Adapter 封装结算合约的四类链上操作。
// 每个操作 = 组装调用负载 -> 签名 -> 广播，失败只上报不重试；
// 重试节奏由对账循环掌握（下个周期重新尝试）。
type Adapter struct {
	node        NodeClient
	contractID  string
	operatorKey *btcec.PrivateKey
	operator    string // 运营方 principal
	network     string
	gen         *address.STXGenerator
}

func NewAdapter(node NodeClient, contractID string, operatorKey *btcec.PrivateKey, network string) (*Adapter, error) {
	if !strings.Contains(contractID, ".") {
		return nil, fmt.Errorf("contract: invalid contract id %q (want ADDR.name)", contractID)
	}
	gen := address.NewSTXGenerator(network)
	operator, err := gen.PubKeyToAddress(operatorKey.PubKey().SerializeCompressed())
	if err != nil {
		return nil, fmt.Errorf("contract: derive operator address: %w", err)
	}
	return &Adapter{
		node:        node,
		contractID:  contractID,
		operatorKey: operatorKey,
		operator:    operator,
		network:     network,
		gen:         gen,
	}, nil
}

// Operator 返回运营方 principal (合约调用的发送者)。
func (a *Adapter) Operator() string { return a.operator }

// RegisterPayment 在合约中登记一笔新支付。
func (a *Adapter) RegisterPayment(ctx context.Context, p RegisterParams) (string, error) {
	return a.contractCall(ctx, fnRegisterPayment, []interface{}{
		p.PaymentID,
		p.MerchantAddress,
		p.DepositAddress,
		p.ExpectedAmount.String(),
		p.Metadata,
		p.ExpiresAt.Unix(),
	})
}

// ConfirmReceived 将账本上观察到的到账金额登记进合约。
// 必须先于 settle 被打包，两者不能出现在同一个周期（nonce 冲突）。
func (a *Adapter) ConfirmReceived(ctx context.Context, paymentID string, received decimal.Decimal, sourceTxID string) (string, error) {
	return a.contractCall(ctx, fnConfirmReceived, []interface{}{
		paymentID,
		received.String(),
		sourceTxID,
	})
}

// Settle 指示合约完成结算记账。不移动资产（见 Transfer）。
func (a *Adapter) Settle(ctx context.Context, paymentID string) (string, error) {
	return a.contractCall(ctx, fnSettlePayment, []interface{}{paymentID})
}

// AuthorizeMerchant 提交商户授权交易，需要等待打包后才生效。
func (a *Adapter) AuthorizeMerchant(ctx context.Context, merchantAddr string, feePercent decimal.Decimal) (string, error) {
	return a.contractCall(ctx, fnAuthorizeMerchant, []interface{}{
		merchantAddr,
		feePercent.String(),
	})
}

// IsMerchantAuthorized 只读查询商户授权状态，不产生交易。
func (a *Adapter) IsMerchantAuthorized(ctx context.Context, merchantAddr string) (bool, error) {
	raw, err := a.node.CallReadOnly(ctx, a.contractID, fnIsAuthorized, []string{merchantAddr})
	if err != nil {
		return false, err
	}
	var result struct {
		Authorized bool `json:"authorized"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return false, fmt.Errorf("contract: decode authorization result: %w", err)
	}
	return result.Authorized, nil
}

// Transfer 执行真正的价值转移: 从一次性收款地址打款给商户。
// 用支付专属私钥签名，nonce 取自收款地址自身。
func (a *Adapter) Transfer(ctx context.Context, p TransferParams) (string, error) {
	if !p.Amount.IsPositive() {
		return "", fmt.Errorf("contract: transfer amount must be positive, got %s", p.Amount)
	}

	if len(p.SigningKey) != 32 {
		return "", fmt.Errorf("contract: invalid signing key length %d", len(p.SigningKey))
	}
	key, _ := btcec.PrivKeyFromBytes(p.SigningKey)

	derived, err := a.gen.PubKeyToAddress(key.PubKey().SerializeCompressed())
	if err != nil {
		return "", fmt.Errorf("contract: derive sender address: %w", err)
	}
	if derived != p.FromAddress {
		// 密钥和地址不匹配说明记录被污染，宁可失败也不能签
		return "", fmt.Errorf("contract: signing key does not control %s", p.FromAddress)
	}

	nonce, err := a.node.GetAccountNonce(ctx, p.FromAddress)
	if err != nil {
		return "", err
	}

	payload, err := buildTokenTransfer(key, tokenTransfer{
		Sender:    p.FromAddress,
		Recipient: p.ToAddress,
		Amount:    p.Amount.String(),
		Memo:      p.Memo,
		Nonce:     nonce,
		Network:   a.network,
	})
	if err != nil {
		return "", err
	}
	return a.node.BroadcastTransaction(ctx, payload)
}

// contractCall 以运营方身份组装并广播一次合约调用。
func (a *Adapter) contractCall(ctx context.Context, function string, args []interface{}) (string, error) {
	nonce, err := a.node.GetAccountNonce(ctx, a.operator)
	if err != nil {
		return "", err
	}

	payload, err := buildContractCall(a.operatorKey, contractCall{
		ContractID: a.contractID,
		Function:   function,
		Args:       args,
		Sender:     a.operator,
		Nonce:      nonce,
		Network:    a.network,
	})
	if err != nil {
		return "", err
	}
	return a.node.BroadcastTransaction(ctx, payload)
}
