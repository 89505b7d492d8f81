package keystore

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/scrypt"

	"stx-gateway/pkg/crypto_util"
	"stx-gateway/pkg/safe_random"
)

// Keystore file for the gateway operator mnemonic. The mnemonic seeds both
// the operator signing key (contract calls) and the payment key vault, so the
// file format keeps the scrypt parameters alongside the ciphertext.

const (
	cipherName = "aes-256-gcm"
	kdfName    = "scrypt"

	scryptN = 1 << 18
	scryptR = 8
	scryptP = 1
	keyLen  = 32
	saltLen = 32
)

var ErrInvalidKeystore = errors.New("keystore: invalid file contents")

type CryptoParams struct {
	Cipher     string `json:"cipher"`
	Ciphertext string `json:"ciphertext"` // hex, nonce-prefixed
	KDF        string `json:"kdf"`
	Salt       string `json:"salt"` // hex
	N          int    `json:"n"`
	R          int    `json:"r"`
	P          int    `json:"p"`
}

type KeyJSON struct {
	Id      string       `json:"id"`
	Version int          `json:"version"`
	Crypto  CryptoParams `json:"crypto"`
}

// EncryptMnemonic 用口令加密助记词，返回可序列化的密钥库结构。
func EncryptMnemonic(mnemonic, password string) (*KeyJSON, error) {
	salt, err := safe_random.GenerateRandomBytes(saltLen)
	if err != nil {
		return nil, err
	}

	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("keystore: scrypt: %w", err)
	}
	defer crypto_util.Zero(key)

	ct, err := crypto_util.EncryptAESGCM(key, []byte(mnemonic))
	if err != nil {
		return nil, fmt.Errorf("keystore: encrypt: %w", err)
	}

	id, err := safe_random.GenerateRandomHexString(16)
	if err != nil {
		return nil, err
	}

	return &KeyJSON{
		Id:      id,
		Version: 1,
		Crypto: CryptoParams{
			Cipher:     cipherName,
			Ciphertext: hex.EncodeToString(ct),
			KDF:        kdfName,
			Salt:       hex.EncodeToString(salt),
			N:          scryptN,
			R:          scryptR,
			P:          scryptP,
		},
	}, nil
}

// DecryptMnemonic 用口令解出助记词。口令错误时 GCM 认证失败。
func DecryptMnemonic(k *KeyJSON, password string) (string, error) {
	if k == nil || k.Crypto.Cipher != cipherName || k.Crypto.KDF != kdfName {
		return "", ErrInvalidKeystore
	}

	salt, err := hex.DecodeString(k.Crypto.Salt)
	if err != nil {
		return "", ErrInvalidKeystore
	}
	ct, err := hex.DecodeString(k.Crypto.Ciphertext)
	if err != nil {
		return "", ErrInvalidKeystore
	}

	key, err := scrypt.Key([]byte(password), salt, k.Crypto.N, k.Crypto.R, k.Crypto.P, keyLen)
	if err != nil {
		return "", fmt.Errorf("keystore: scrypt: %w", err)
	}
	defer crypto_util.Zero(key)

	pt, err := crypto_util.DecryptAESGCM(key, ct)
	if err != nil {
		return "", fmt.Errorf("keystore: wrong password or corrupted file: %w", err)
	}
	return string(pt), nil
}

// SaveToFile 以 0600 权限落盘。
func (k *KeyJSON) SaveToFile(path string) error {
	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadFromFile 读取并解析密钥库文件。
func LoadFromFile(path string) (*KeyJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var k KeyJSON
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("keystore: parse %s: %w", path, err)
	}
	return &k, nil
}
