package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Memcmp getProgramAccounts 的 memcmp 过滤条件，Bytes 为 base58
type Memcmp struct {
	Offset int
	Bytes  string
}

// ProgramAccount 程序账户及其原始数据
type ProgramAccount struct {
	Pubkey string
	Owner  string
	Data   []byte
}

// SignatureStatus getSignatureStatuses 返回的单个状态
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC 错误 %d: %s", e.Code, e.Message)
}

// call 发送原始 JSON-RPC 请求并把 result 解析到 out
func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	jsonData, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      uuid.NewString(),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s 请求失败: HTTP %d", method, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("解析 %s 结果失败: %w", method, err)
	}
	return nil
}

// ProgramAccounts 按数据长度和 memcmp 条件扫描程序账户
func (c *Client) ProgramAccounts(ctx context.Context, program string, dataSize int, filters ...Memcmp) ([]ProgramAccount, error) {
	rpcFilters := make([]interface{}, 0, len(filters)+1)
	if dataSize > 0 {
		rpcFilters = append(rpcFilters, map[string]interface{}{"dataSize": dataSize})
	}
	for _, f := range filters {
		rpcFilters = append(rpcFilters, map[string]interface{}{
			"memcmp": map[string]interface{}{"offset": f.Offset, "bytes": f.Bytes},
		})
	}

	var result []struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Data     []string `json:"data"`
			Owner    string   `json:"owner"`
			Lamports uint64   `json:"lamports"`
		} `json:"account"`
	}
	err := c.call(ctx, "getProgramAccounts", []interface{}{
		program,
		map[string]interface{}{
			"encoding":   "base64",
			"commitment": "confirmed",
			"filters":    rpcFilters,
		},
	}, &result)
	if err != nil {
		return nil, err
	}

	accounts := make([]ProgramAccount, 0, len(result))
	for _, r := range result {
		if len(r.Account.Data) == 0 {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(r.Account.Data[0])
		if err != nil {
			return nil, fmt.Errorf("解码账户 %s 数据失败: %w", r.Pubkey, err)
		}
		accounts = append(accounts, ProgramAccount{Pubkey: r.Pubkey, Owner: r.Account.Owner, Data: data})
	}
	return accounts, nil
}

// SignatureStatus 查询单个交易签名的状态，未找到时返回 nil
func (c *Client) SignatureStatus(ctx context.Context, sig string) (*SignatureStatus, error) {
	var result struct {
		Value []*SignatureStatus `json:"value"`
	}
	err := c.call(ctx, "getSignatureStatuses", []interface{}{
		[]string{sig},
		map[string]interface{}{"searchTransactionHistory": false},
	}, &result)
	if err != nil {
		return nil, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return nil, nil
	}
	status := result.Value[0]
	if string(status.Err) == "null" {
		status.Err = nil
	}
	return status, nil
}
