package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd 代表基础命令，没有子命令时直接调用
var rootCmd = &cobra.Command{
	Use:   "gateway-cli",
	Short: "STX 支付网关运维工具",
	Long: `STX 支付网关的命令行运维工具。
支持初始化运营方密钥库、查看运营方账户地址、手动触发单笔支付对账。`,
}

// Execute 将所有子命令添加到根命令并设置标志
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
