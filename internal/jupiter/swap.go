package jupiter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/portto/solana-go-sdk/common"
	"github.com/portto/solana-go-sdk/types"
)

const DefaultEndpoint = "https://quote-api.jup.ag/v6"

var ErrNoRoute = errors.New("jupiter 没有可用的兑换路由")

// Sender 签名并发送兑换交易
type Sender interface {
	Payer() common.PublicKey
	SignMessage(msg []byte) []byte
	SendSigned(ctx context.Context, tx types.Transaction) (string, error)
}

// SwapResult 一次兑换的结果
type SwapResult struct {
	Signature  string
	InputMint  string
	OutputMint string
	InAmount   uint64
	OutAmount  uint64
}

// Client Jupiter 兑换 API
type Client struct {
	client   *http.Client
	endpoint string
	sender   Sender
}

func NewClient(endpoint string, sender Sender) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		endpoint: endpoint,
		sender:   sender,
	}
}

// quote 只解析用到的字段，其余字段原样转发给 /swap
type quote struct {
	InAmount  string            `json:"inAmount"`
	OutAmount string            `json:"outAmount"`
	RoutePlan []json.RawMessage `json:"routePlan"`
	raw       json.RawMessage
}

func (c *Client) quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*quote, error) {
	params := url.Values{}
	params.Set("inputMint", inputMint)
	params.Set("outputMint", outputMint)
	params.Set("amount", strconv.FormatUint(amount, 10))
	params.Set("slippageBps", strconv.Itoa(slippageBps))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/quote?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("获取兑换报价失败 (HTTP %d), input=%s, output=%s: %w", resp.StatusCode, inputMint, outputMint, ErrNoRoute)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	var q quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("解析报价失败: %w", err)
	}
	if len(q.RoutePlan) == 0 {
		return nil, fmt.Errorf("input=%s, output=%s: %w", inputMint, outputMint, ErrNoRoute)
	}
	q.raw = raw
	return &q, nil
}

func (c *Client) swapTransaction(ctx context.Context, q *quote) (types.Transaction, error) {
	jsonData, err := json.Marshal(map[string]interface{}{
		"quoteResponse":    q.raw,
		"userPublicKey":    c.sender.Payer().ToBase58(),
		"wrapAndUnwrapSol": true,
	})
	if err != nil {
		return types.Transaction{}, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/swap", bytes.NewBuffer(jsonData))
	if err != nil {
		return types.Transaction{}, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return types.Transaction{}, fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.Transaction{}, fmt.Errorf("获取兑换交易失败: HTTP %d", resp.StatusCode)
	}

	var result struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return types.Transaction{}, fmt.Errorf("解析响应失败: %w", err)
	}
	rawTx, err := base64.StdEncoding.DecodeString(result.SwapTransaction)
	if err != nil {
		return types.Transaction{}, fmt.Errorf("解码兑换交易失败: %w", err)
	}
	tx, err := types.TransactionDeserialize(rawTx)
	if err != nil {
		return types.Transaction{}, fmt.Errorf("反序列化兑换交易失败: %w", err)
	}
	return tx, nil
}

// SwapWithBestRoute 取最优路由报价，签名并发送兑换交易
func (c *Client) SwapWithBestRoute(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (SwapResult, error) {
	q, err := c.quote(ctx, inputMint, outputMint, amount, slippageBps)
	if err != nil {
		return SwapResult{}, err
	}

	tx, err := c.swapTransaction(ctx, q)
	if err != nil {
		return SwapResult{}, err
	}
	if len(tx.Signatures) == 0 {
		return SwapResult{}, fmt.Errorf("兑换交易缺少签名位")
	}
	msg, err := tx.Message.Serialize()
	if err != nil {
		return SwapResult{}, fmt.Errorf("序列化兑换消息失败: %w", err)
	}
	// 付款账户是手续费账户，占第一个签名位
	tx.Signatures[0] = c.sender.SignMessage(msg)

	sig, err := c.sender.SendSigned(ctx, tx)
	if err != nil {
		return SwapResult{}, fmt.Errorf("Jupiter 兑换失败: %w", err)
	}

	inAmount, _ := strconv.ParseUint(q.InAmount, 10, 64)
	outAmount, _ := strconv.ParseUint(q.OutAmount, 10, 64)
	return SwapResult{
		Signature:  sig,
		InputMint:  inputMint,
		OutputMint: outputMint,
		InAmount:   inAmount,
		OutAmount:  outAmount,
	}, nil
}
