package stacks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultTimeout = 10 * time.Second
	defaultLimit   = 50
)

// Client 封装对链下索引服务（只读查询）和节点 RPC（广播）的访问。
// 每次调用都有独立的超时上限，慢地址不会拖垮整个对账周期。
type Client struct {
	apiURL     string
	nodeURL    string
	httpClient *http.Client
}

func NewClient(apiURL, nodeURL string) *Client {
	return &Client{
		apiURL:     apiURL,
		nodeURL:    nodeURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// ListTransfers 查询指定地址的交易记录，按索引服务的返回顺序。
// 404 视为 "该地址还没有任何交易"，返回空列表而非错误。
func (c *Client) ListTransfers(ctx context.Context, address string) ([]Transfer, error) {
	endpoint := fmt.Sprintf("%s/extended/v1/address/%s/transactions?limit=%d",
		c.apiURL, url.PathEscape(address), defaultLimit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "ListTransfers", URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{Op: "ListTransfers", URL: endpoint, StatusCode: resp.StatusCode}
	}

	var list transactionListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &NetworkError{Op: "ListTransfers", URL: endpoint, Err: fmt.Errorf("decode: %w", err)}
	}

	transfers := make([]Transfer, 0, len(list.Results))
	for _, tx := range list.Results {
		t := Transfer{
			TxID:   tx.TxID,
			Type:   tx.TxType,
			Status: tx.TxStatus,
		}
		if tx.TokenTransfer != nil {
			t.Recipient = tx.TokenTransfer.RecipientAddress
			amount, err := decimal.NewFromString(tx.TokenTransfer.Amount)
			if err != nil {
				// 索引服务返回了无法解析的金额，跳过该笔而不是让整个地址失败
				continue
			}
			t.Amount = amount
		}
		transfers = append(transfers, t)
	}
	return transfers, nil
}

// BroadcastTransaction 将已签名的交易负载提交给节点。
// 返回节点分配的 txid；节点拒绝时返回错误，由调用方决定重试策略。
func (c *Client) BroadcastTransaction(ctx context.Context, payload []byte) (string, error) {
	endpoint := c.nodeURL + "/v2/transactions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &NetworkError{Op: "BroadcastTransaction", URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &NetworkError{Op: "BroadcastTransaction", URL: endpoint, Err: err}
	}

	var br broadcastResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return "", &NetworkError{Op: "BroadcastTransaction", URL: endpoint, Err: fmt.Errorf("decode: %w", err)}
	}

	if resp.StatusCode != http.StatusOK || br.Error != "" {
		if br.Reason != "" {
			return "", fmt.Errorf("stacks: broadcast rejected: %s (%s)", br.Error, br.Reason)
		}
		return "", &NetworkError{Op: "BroadcastTransaction", URL: endpoint, StatusCode: resp.StatusCode}
	}
	return br.TxID, nil
}

// GetAccountNonce 查询账户当前 nonce，供合约调用签名使用。
func (c *Client) GetAccountNonce(ctx context.Context, principal string) (uint64, error) {
	endpoint := fmt.Sprintf("%s/v2/accounts/%s?proof=0", c.nodeURL, url.PathEscape(principal))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &NetworkError{Op: "GetAccountNonce", URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &NetworkError{Op: "GetAccountNonce", URL: endpoint, StatusCode: resp.StatusCode}
	}

	var acct accountResponse
	if err := json.NewDecoder(resp.Body).Decode(&acct); err != nil {
		return 0, &NetworkError{Op: "GetAccountNonce", URL: endpoint, Err: fmt.Errorf("decode: %w", err)}
	}
	return acct.Nonce, nil
}

// CallReadOnly 调用合约只读函数，返回原始 JSON 结果。
// 授权状态查询走这里，不产生链上交易。
func (c *Client) CallReadOnly(ctx context.Context, contractID, function string, args []string) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/v2/contracts/call-read/%s/%s", c.nodeURL, contractID, url.PathEscape(function))

	reqBody, err := json.Marshal(map[string]interface{}{
		"sender":    contractID,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "CallReadOnly", URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{Op: "CallReadOnly", URL: endpoint, StatusCode: resp.StatusCode}
	}

	var out struct {
		Okay   bool            `json:"okay"`
		Result json.RawMessage `json:"result"`
		Cause  string          `json:"cause"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &NetworkError{Op: "CallReadOnly", URL: endpoint, Err: fmt.Errorf("decode: %w", err)}
	}
	if !out.Okay {
		return nil, fmt.Errorf("stacks: read-only call %s failed: %s", function, out.Cause)
	}
	return out.Result, nil
}
