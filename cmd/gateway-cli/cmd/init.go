package cmd

import (
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/spf13/cobra"
	"github.com/tyler-smith/go-bip39"

	"stx-gateway/pkg/address"
	"stx-gateway/pkg/crypto_util"
	"stx-gateway/pkg/keystore"
	"stx-gateway/pkg/keyvault"
)

var (
	initOutput   string
	initPassword string
	initNetwork  string
)

// initCmd 代表 init 命令
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "初始化运营方密钥库",
	Long: `生成一个新的 BIP-39 助记词，用口令加密后写入密钥库文件。
网关服务启动时从该文件加载运营方签名密钥。`,
	Run: func(cmd *cobra.Command, args []string) {
		if initPassword == "" {
			initPassword = os.Getenv("STACKS_PASSWORD")
		}
		if initPassword == "" {
			fmt.Println("错误: 必须提供口令 (--password 或环境变量 STACKS_PASSWORD)")
			os.Exit(1)
		}
		if _, err := os.Stat(initOutput); err == nil {
			fmt.Printf("错误: 密钥库文件 %s 已存在, 拒绝覆盖\n", initOutput)
			os.Exit(1)
		}

		// 1. 生成助记词 (24 words)
		entropy, err := bip39.NewEntropy(256)
		if err != nil {
			fmt.Printf("生成熵失败: %v\n", err)
			os.Exit(1)
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			fmt.Printf("生成助记词失败: %v\n", err)
			os.Exit(1)
		}

		// 2. 加密并写入密钥库
		encrypted, err := keystore.EncryptMnemonic(mnemonic, initPassword)
		if err != nil {
			fmt.Printf("加密助记词失败: %v\n", err)
			os.Exit(1)
		}
		if err := encrypted.SaveToFile(initOutput); err != nil {
			fmt.Printf("写入密钥库失败: %v\n", err)
			os.Exit(1)
		}

		// 3. 派生运营方账户地址
		principal, err := operatorPrincipal(mnemonic, initNetwork)
		if err != nil {
			fmt.Printf("派生运营方地址失败: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("---------------------------------------------------")
		fmt.Printf("助记词 (Mnemonic): \n%s\n", mnemonic)
		fmt.Println("---------------------------------------------------")
		fmt.Printf("密钥库文件: %s\n", initOutput)
		fmt.Printf("运营方账户 (%s): %s\n", initNetwork, principal)
		fmt.Println("---------------------------------------------------")
		fmt.Println("请妥善抄写并离线保管助记词！丢失口令后只能通过助记词恢复运营方密钥。")
	},
}

// operatorPrincipal 助记词 -> 种子 -> 运营方私钥 -> c32 地址
func operatorPrincipal(mnemonic, network string) (string, error) {
	seed := bip39.NewSeed(mnemonic, "")
	defer crypto_util.Zero(seed)

	vault, err := keyvault.New(seed)
	if err != nil {
		return "", err
	}
	defer vault.Close()

	raw := vault.OperatorKey()
	defer crypto_util.Zero(raw)
	key, _ := btcec.PrivKeyFromBytes(raw)

	gen := address.NewSTXGenerator(network)
	return gen.PubKeyToAddress(key.PubKey().SerializeCompressed())
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "operator.json", "密钥库输出路径")
	initCmd.Flags().StringVarP(&initPassword, "password", "p", "", "密钥库口令 (缺省读取 STACKS_PASSWORD)")
	initCmd.Flags().StringVar(&initNetwork, "network", "testnet", "网络: mainnet 或 testnet")
}
