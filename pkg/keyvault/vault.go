package keyvault

import (
	"errors"
	"fmt"

	"lukechampine.com/blake3"

	"stx-gateway/pkg/crypto_util"
)

// 密钥派生上下文。支付 ID 拼接在后面，使每条密文只能在
// 它所属的支付记录下解开（防止密文被挪到别的记录上使用）。
const derivationContext = "stx-gateway/payment-signing-key/v1:"

var ErrEmptyPaymentID = errors.New("keyvault: payment id must not be empty")

// Vault 持有网关主种子，为每个支付派生独立的对称密钥。
// 派生密钥从不落盘，密文随支付记录存储。
type Vault struct {
	seed []byte
}

// New 创建 Vault。seed 至少 32 字节（通常来自运营方密钥库的 BIP-39 种子）。
func New(seed []byte) (*Vault, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("keyvault: seed too short (%d bytes, need >= 32)", len(seed))
	}
	s := make([]byte, len(seed))
	copy(s, seed)
	return &Vault{seed: s}, nil
}

// Encrypt 用 paymentID 派生的密钥加密原始签名私钥。
func (v *Vault) Encrypt(rawKey []byte, paymentID string) ([]byte, error) {
	key, err := v.deriveKey(paymentID)
	if err != nil {
		return nil, err
	}
	defer crypto_util.Zero(key)

	ct, err := crypto_util.EncryptAESGCM(key, rawKey)
	if err != nil {
		return nil, fmt.Errorf("keyvault: encrypt for payment %s: %w", paymentID, err)
	}
	return ct, nil
}

// Decrypt 解密签名私钥。paymentID 与加密时不一致会导致认证失败。
// 调用方必须在签名完成后立即对返回值调用 crypto_util.Zero。
func (v *Vault) Decrypt(ciphertext []byte, paymentID string) ([]byte, error) {
	key, err := v.deriveKey(paymentID)
	if err != nil {
		return nil, err
	}
	defer crypto_util.Zero(key)

	pt, err := crypto_util.DecryptAESGCM(key, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("keyvault: decrypt for payment %s: %w", paymentID, err)
	}
	return pt, nil
}

// OperatorKey 从主种子派生运营方签名私钥 (32 字节)。
// 与支付密钥使用不同的派生上下文，互不可达。
func (v *Vault) OperatorKey() []byte {
	key := make([]byte, 32)
	blake3.DeriveKey(key, "stx-gateway/operator-key/v1", v.seed)
	return key
}

// Close 清除内存中的主种子。
func (v *Vault) Close() {
	crypto_util.Zero(v.seed)
}

func (v *Vault) deriveKey(paymentID string) ([]byte, error) {
	if paymentID == "" {
		return nil, ErrEmptyPaymentID
	}
	key := make([]byte, 32)
	blake3.DeriveKey(key, derivationContext+paymentID, v.seed)
	return key, nil
}
