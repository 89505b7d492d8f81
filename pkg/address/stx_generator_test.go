package address

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

func TestPubKeyToAddress_Prefix(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub := priv.PubKey().SerializeCompressed()

	mainnet, err := NewSTXGenerator("mainnet").PubKeyToAddress(pub)
	if err != nil {
		t.Fatalf("mainnet 地址生成失败: %v", err)
	}
	if !strings.HasPrefix(mainnet, "SP") {
		t.Errorf("mainnet 地址应以 SP 开头, 得到 %s", mainnet)
	}

	testnet, err := NewSTXGenerator("testnet").PubKeyToAddress(pub)
	if err != nil {
		t.Fatalf("testnet 地址生成失败: %v", err)
	}
	if !strings.HasPrefix(testnet, "ST") {
		t.Errorf("testnet 地址应以 ST 开头, 得到 %s", testnet)
	}

	if mainnet == testnet {
		t.Error("不同网络的地址不应相同")
	}
}

func TestPubKeyToAddress_Deterministic(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub := priv.PubKey().SerializeCompressed()
	gen := NewSTXGenerator("testnet")

	a1, err := gen.PubKeyToAddress(pub)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := gen.PubKeyToAddress(pub)
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Errorf("同一公钥生成了不同地址: %s vs %s", a1, a2)
	}
}

func TestPubKeyToAddress_RejectsUncompressed(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewSTXGenerator("mainnet").PubKeyToAddress(priv.PubKey().SerializeUncompressed())
	if err == nil {
		t.Error("期望非压缩公钥报错")
	}
}

func TestPubKeyToAddress_ValidAlphabet(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	addr, err := NewSTXGenerator("mainnet").PubKeyToAddress(priv.PubKey().SerializeCompressed())
	if err != nil {
		t.Fatal(err)
	}
	for _, ch := range addr[2:] {
		if !strings.ContainsRune(c32Alphabet, ch) {
			t.Errorf("地址包含非法字符 %q: %s", ch, addr)
		}
	}
}
