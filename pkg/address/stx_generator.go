package address

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// Stacks c32check 地址版本号（单签账户）
const (
	VersionMainnet byte = 22 // 'P' -> SP...
	VersionTestnet byte = 26 // 'T' -> ST...
)

// Crockford base32 变体，Stacks c32 使用的字母表
const c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// STXGenerator Stacks 地址生成器
type STXGenerator struct {
	version byte
}

// NewSTXGenerator network: "mainnet" or "testnet"
func NewSTXGenerator(network string) *STXGenerator {
	version := VersionTestnet
	if network == "mainnet" {
		version = VersionMainnet
	}
	return &STXGenerator{version: version}
}

// PubKeyToAddress 将压缩公钥 (33 bytes) 转换为 c32check 编码的 Stacks 地址。
// 流程: hash160(pubkey) -> 追加 4 字节双 SHA256 校验和 -> c32 编码 -> 'S' + 版本字符。
func (g *STXGenerator) PubKeyToAddress(pubKeyBytes []byte) (string, error) {
	if len(pubKeyBytes) != 33 {
		return "", fmt.Errorf("address: 需要压缩公钥 (33 字节), 实际 %d 字节", len(pubKeyBytes))
	}

	h160 := btcutil.Hash160(pubKeyBytes)
	checksum := c32Checksum(g.version, h160)

	payload := make([]byte, 0, len(h160)+4)
	payload = append(payload, h160...)
	payload = append(payload, checksum...)

	return "S" + string(c32Alphabet[g.version]) + c32Encode(payload), nil
}

// c32Checksum = sha256(sha256(version || data)) 的前 4 字节
func c32Checksum(version byte, data []byte) []byte {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, version)
	buf = append(buf, data...)

	first := sha256.Sum256(buf)
	second := sha256.Sum256(first[:])
	return second[:4]
}

// c32Encode 从低位起每 5 bit 映射一个字符，保留前导零字节。
func c32Encode(data []byte) string {
	var out []byte
	carry := 0
	carryBits := 0

	for i := len(data) - 1; i >= 0; i-- {
		carry |= int(data[i]) << carryBits
		carryBits += 8
		for carryBits >= 5 {
			out = append(out, c32Alphabet[carry&0x1f])
			carry >>= 5
			carryBits -= 5
		}
	}
	if carryBits > 0 {
		out = append(out, c32Alphabet[carry&0x1f])
	}

	// 去掉编码产生的前导 '0'
	for len(out) > 1 && out[len(out)-1] == '0' {
		out = out[:len(out)-1]
	}

	// 按原始数据的前导零字节补回 '0'
	for _, b := range data {
		if b != 0 {
			break
		}
		out = append(out, '0')
	}

	// out 是低位在前，反转成最终字符串
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}
