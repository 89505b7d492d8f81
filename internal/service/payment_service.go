package service

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stx-gateway/internal/event"
	"stx-gateway/internal/model"
	"stx-gateway/internal/service/contract"
	"stx-gateway/internal/service/reconciler"
	"stx-gateway/internal/store"
	"stx-gateway/pkg/address"
	"stx-gateway/pkg/crypto_util"
	"stx-gateway/pkg/keyvault"
	"stx-gateway/pkg/logger"
	"stx-gateway/pkg/monitor"
	"stx-gateway/pkg/safe_random"
)

// PaymentRegistrar 合约侧的支付登记，contract.Adapter 满足该接口。
type PaymentRegistrar interface {
	RegisterPayment(ctx context.Context, p contract.RegisterParams) (string, error)
}

// CreatePaymentParams 创建支付的入参
type CreatePaymentParams struct {
	MerchantID  string
	BaseAmount  decimal.Decimal // 商户税前标价, micro-STX
	Description string
}

// PaymentService 支付登记服务。每笔支付生成独立密钥对和一次性
// 收款地址，私钥经 Key Vault 加密后随记录存储。
type PaymentService struct {
	store     *store.PaymentStore
	vault     *keyvault.Vault
	registrar PaymentRegistrar
	gen       *address.STXGenerator
	fees      reconciler.FeePolicy
	expiry    time.Duration
}

func NewPaymentService(st *store.PaymentStore, vault *keyvault.Vault, registrar PaymentRegistrar, gen *address.STXGenerator, fees reconciler.FeePolicy, expiry time.Duration) *PaymentService {
	return &PaymentService{
		store:     st,
		vault:     vault,
		registrar: registrar,
		gen:       gen,
		fees:      fees,
		expiry:    expiry,
	}
}

// CreatePayment 创建支付: 生成密钥对 -> 派生收款地址 -> 加密私钥
// -> 合约登记 -> 落库并发出 payment.created。
// 买家支付 expected = base + 平台费 + 手续费预留，结算后商户净得约等于 base。
func (s *PaymentService) CreatePayment(ctx context.Context, params CreatePaymentParams) (*model.Payment, error) {
	if !params.BaseAmount.IsPositive() {
		return nil, fmt.Errorf("payment: base amount must be positive, got %s", params.BaseAmount)
	}

	merchant, err := s.store.GetMerchant(ctx, params.MerchantID)
	if err != nil {
		return nil, err
	}

	suffix, err := safe_random.GenerateRandomHexString(16)
	if err != nil {
		return nil, fmt.Errorf("payment: generate id: %w", err)
	}
	paymentID := "pay_" + suffix

	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("payment: generate keypair: %w", err)
	}
	rawKey := key.Serialize()
	defer crypto_util.Zero(rawKey)

	depositAddr, err := s.gen.PubKeyToAddress(key.PubKey().SerializeCompressed())
	if err != nil {
		return nil, fmt.Errorf("payment: derive deposit address: %w", err)
	}

	encKey, err := s.vault.Encrypt(rawKey, paymentID)
	if err != nil {
		return nil, fmt.Errorf("payment: encrypt signing key: %w", err)
	}

	fee := s.fees.PlatformFee(params.BaseAmount, merchant.FeePercent)
	expected := params.BaseAmount.Add(fee).Add(s.fees.ReserveTotal())
	expiresAt := time.Now().Add(s.expiry)

	// 先上链登记再落库: 登记失败时不产生任何本地记录
	registerTx, err := s.registrar.RegisterPayment(ctx, contract.RegisterParams{
		PaymentID:       paymentID,
		MerchantAddress: merchant.StacksAddress,
		DepositAddress:  depositAddr,
		ExpectedAmount:  expected,
		Metadata:        params.Description,
		ExpiresAt:       expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("payment: register on contract: %w", err)
	}

	p := &model.Payment{
		PaymentID:           paymentID,
		MerchantID:          merchant.MerchantID,
		UniqueAddress:       depositAddr,
		EncryptedSigningKey: encKey,
		ExpectedAmount:      expected,
		BaseAmount:          params.BaseAmount,
		Status:              model.StatusPending,
		Description:         params.Description,
		BlockchainData:      model.BlockchainData{RegistrationTxID: registerTx},
		ExpiresAt:           expiresAt,
	}
	evt := &event.PaymentEvent{
		Event:          event.PaymentCreated,
		PaymentID:      paymentID,
		MerchantID:     merchant.MerchantID,
		Status:         model.StatusPending,
		ExpectedAmount: expected.String(),
		OccurredAtUnix: time.Now().Unix(),
	}
	if err := s.store.Create(ctx, p, evt); err != nil {
		return nil, fmt.Errorf("payment: persist: %w", err)
	}

	if monitor.Business != nil {
		monitor.Business.PaymentsCreatedTotal.Inc()
	}
	logger.Info("[Payment] 创建支付",
		zap.String("payment_id", paymentID),
		zap.String("merchant_id", merchant.MerchantID),
		zap.String("deposit_address", depositAddr),
		zap.String("expected", expected.String()))
	return p, nil
}

// GetPayment 查询支付记录
func (s *PaymentService) GetPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	return s.store.GetByPaymentID(ctx, paymentID)
}
