package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var checkServer string

// checkCmd 代表 check 命令
var checkCmd = &cobra.Command{
	Use:   "check <payment-id>",
	Short: "手动触发一笔支付的对账",
	Long:  `调用网关的手动对账接口，立即查询账本并处理指定支付，打印观察结果。`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		paymentID := args[0]
		url := fmt.Sprintf("%s/api/v1/payments/%s/check", checkServer, paymentID)

		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Post(url, "application/json", bytes.NewReader(nil))
		if err != nil {
			fmt.Printf("请求网关失败: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		var body struct {
			Code int             `json:"code"`
			Msg  string          `json:"msg"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			fmt.Printf("解析响应失败: %v\n", err)
			os.Exit(1)
		}
		if body.Code != 0 {
			fmt.Printf("对账失败 (code=%d): %s\n", body.Code, body.Msg)
			os.Exit(1)
		}

		pretty, _ := json.MarshalIndent(body.Data, "", "  ")
		fmt.Printf("对账结果:\n%s\n", pretty)
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVarP(&checkServer, "server", "s", "http://localhost:8080", "网关服务地址")
}
