package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/portto/solana-go-sdk/client"
	"github.com/portto/solana-go-sdk/common"
	"github.com/portto/solana-go-sdk/program/token"
	"github.com/portto/solana-go-sdk/types"
	"golang.org/x/time/rate"
)

// StakingProgramID Port 质押程序
const StakingProgramID = "stkarvwmSzv2BygN5e2LeTwimTczLWHCKPKGC2zVLiq"

// 质押账户布局: 1 字节版本 + 16 字节 + owner(32) + pool(32)
const (
	stakeAccountSize        = 233
	stakeAccountOwnerOffset = 1 + 16
	stakeAccountPoolOffset  = 1 + 16 + 32
	tokenAccountOwnerOffset = 32
)

var ErrConfirmTimeout = errors.New("等待交易确认超时")

// TokenAccount 付款账户拥有的代币账户
type TokenAccount struct {
	Address string
	Mint    string
	Amount  uint64
}

// Options Client 参数
type Options struct {
	Endpoint       string
	RateLimit      float64 // 每秒请求数，<=0 表示不限速
	StakingProgram string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Client 封装 Solana RPC 调用和交易提交，所有请求共享一个限速器
type Client struct {
	rpc      *client.Client
	http     *http.Client
	endpoint string
	limiter  *rate.Limiter
	payer    types.Account
	opts     Options
	logger   *slog.Logger
}

func NewClient(opts Options, payer types.Account, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StakingProgram == "" {
		opts.StakingProgram = StakingProgramID
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
		burst = int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		rpc:      client.NewClient(opts.Endpoint),
		http:     &http.Client{Timeout: 30 * time.Second},
		endpoint: opts.Endpoint,
		limiter:  rate.NewLimiter(limit, burst),
		payer:    payer,
		opts:     opts,
		logger:   logger,
	}
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("RPC 限速等待失败: %w", err)
	}
	return nil
}

// Payer 付款 (签名) 账户地址
func (c *Client) Payer() common.PublicKey {
	return c.payer.PublicKey
}

// Balance 账户的 lamports 余额
func (c *Client) Balance(ctx context.Context, addr string) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	balance, err := c.rpc.GetBalance(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("获取 %s 余额失败: %w", addr, err)
	}
	return balance, nil
}

// AccountData 返回账户的所有者程序和原始数据，账户不存在时 data 为空
func (c *Client) AccountData(ctx context.Context, addr string) (string, []byte, error) {
	if err := c.wait(ctx); err != nil {
		return "", nil, err
	}
	info, err := c.rpc.GetAccountInfo(ctx, addr)
	if err != nil {
		return "", nil, fmt.Errorf("获取账户 %s 失败: %w", addr, err)
	}
	return info.Owner.ToBase58(), info.Data, nil
}

// TokenBalance 读取代币账户当前余额
func (c *Client) TokenBalance(ctx context.Context, addr string) (uint64, error) {
	_, data, err := c.AccountData(ctx, addr)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("代币账户 %s 不存在", addr)
	}
	acc, err := token.TokenAccountFromData(data)
	if err != nil {
		return 0, fmt.Errorf("解析代币账户 %s 失败: %w", addr, err)
	}
	return acc.Amount, nil
}

// OwnedTokenAccounts 付款账户拥有的全部 SPL 代币账户
func (c *Client) OwnedTokenAccounts(ctx context.Context) ([]TokenAccount, error) {
	accounts, err := c.ProgramAccounts(ctx, common.TokenProgramID.ToBase58(), token.TokenAccountSize,
		Memcmp{Offset: tokenAccountOwnerOffset, Bytes: c.payer.PublicKey.ToBase58()})
	if err != nil {
		return nil, fmt.Errorf("获取代币账户列表失败: %w", err)
	}

	out := make([]TokenAccount, 0, len(accounts))
	for _, acc := range accounts {
		parsed, err := token.TokenAccountFromData(acc.Data)
		if err != nil {
			c.logger.Warn("跳过无法解析的代币账户", "account", acc.Pubkey, "err", err)
			continue
		}
		out = append(out, TokenAccount{
			Address: acc.Pubkey,
			Mint:    parsed.Mint.ToBase58(),
			Amount:  parsed.Amount,
		})
	}
	return out, nil
}

// StakingAccounts 仓位所有者在质押池中的质押账户
func (c *Client) StakingAccounts(ctx context.Context, owner, pool string) ([]string, error) {
	accounts, err := c.ProgramAccounts(ctx, c.opts.StakingProgram, stakeAccountSize,
		Memcmp{Offset: stakeAccountOwnerOffset, Bytes: owner},
		Memcmp{Offset: stakeAccountPoolOffset, Bytes: pool})
	if err != nil {
		return nil, fmt.Errorf("获取质押账户失败: %w", err)
	}
	keys := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		keys = append(keys, acc.Pubkey)
	}
	return keys, nil
}

func (c *Client) buildTransaction(ctx context.Context, ixs []types.Instruction, signers []types.Account) (types.Transaction, error) {
	if err := c.wait(ctx); err != nil {
		return types.Transaction{}, err
	}
	latest, err := c.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return types.Transaction{}, fmt.Errorf("获取最新区块哈希失败: %w", err)
	}

	tx, err := types.NewTransaction(types.NewTransactionParam{
		Message: types.NewMessage(types.NewMessageParam{
			FeePayer:        c.payer.PublicKey,
			RecentBlockhash: latest.Blockhash,
			Instructions:    ixs,
		}),
		Signers: append([]types.Account{c.payer}, signers...),
	})
	if err != nil {
		return types.Transaction{}, fmt.Errorf("构建交易失败: %w", err)
	}
	return tx, nil
}

// Submit 以付款账户为手续费账户签名并发送交易，extraSigners 为额外签名账户
func (c *Client) Submit(ctx context.Context, ixs []types.Instruction, extraSigners []types.Account) (string, error) {
	tx, err := c.buildTransaction(ctx, ixs, extraSigners)
	if err != nil {
		return "", err
	}
	return c.SendSigned(ctx, tx)
}

// SubmitAndConfirm 发送交易并等待确认
func (c *Client) SubmitAndConfirm(ctx context.Context, ixs []types.Instruction, extraSigners []types.Account) (string, error) {
	sig, err := c.Submit(ctx, ixs, extraSigners)
	if err != nil {
		return "", err
	}
	if err := c.Confirm(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

// SendSigned 发送已签名的交易，跳过预检
func (c *Client) SendSigned(ctx context.Context, tx types.Transaction) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	sig, err := c.rpc.SendTransactionWithConfig(ctx, tx, client.SendTransactionConfig{
		SkipPreflight: true,
	})
	if err != nil {
		return "", fmt.Errorf("发送交易失败: %w", err)
	}
	return sig, nil
}

// SignMessage 用付款账户签名消息
func (c *Client) SignMessage(msg []byte) []byte {
	return c.payer.Sign(msg)
}

// Confirm 轮询签名状态直到 confirmed / finalized、交易失败或超时
func (c *Client) Confirm(ctx context.Context, sig string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		status, err := c.SignatureStatus(ctx, sig)
		if err != nil {
			c.logger.Info("查询交易状态失败，稍后重试", "signature", sig, "err", err)
		} else if status != nil {
			if status.Err != nil {
				return fmt.Errorf("交易 %s 执行失败: %v", sig, status.Err)
			}
			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("交易 %s: %w", sig, ErrConfirmTimeout)
		case <-ticker.C:
		}
	}
}
