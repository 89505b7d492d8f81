package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stx-gateway/pkg/keystore"
)

var (
	addrKeystore string
	addrPassword string
	addrNetwork  string
)

// addressCmd 代表 address 命令
var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "显示运营方账户地址",
	Long:  `解密密钥库并打印运营方的 Stacks 账户地址 (principal)。`,
	Run: func(cmd *cobra.Command, args []string) {
		if addrPassword == "" {
			addrPassword = os.Getenv("STACKS_PASSWORD")
		}
		if addrPassword == "" {
			fmt.Println("错误: 必须提供口令 (--password 或环境变量 STACKS_PASSWORD)")
			os.Exit(1)
		}

		encrypted, err := keystore.LoadFromFile(addrKeystore)
		if err != nil {
			fmt.Printf("读取密钥库失败: %v\n", err)
			os.Exit(1)
		}
		mnemonic, err := keystore.DecryptMnemonic(encrypted, addrPassword)
		if err != nil {
			fmt.Printf("解密密钥库失败: 口令错误或文件损坏 (%v)\n", err)
			os.Exit(1)
		}

		principal, err := operatorPrincipal(mnemonic, addrNetwork)
		if err != nil {
			fmt.Printf("派生运营方地址失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("运营方账户 (%s): %s\n", addrNetwork, principal)
	},
}

func init() {
	rootCmd.AddCommand(addressCmd)
	addressCmd.Flags().StringVarP(&addrKeystore, "keystore", "k", "operator.json", "密钥库路径")
	addressCmd.Flags().StringVarP(&addrPassword, "password", "p", "", "密钥库口令 (缺省读取 STACKS_PASSWORD)")
	addressCmd.Flags().StringVar(&addrNetwork, "network", "testnet", "网络: mainnet 或 testnet")
}
