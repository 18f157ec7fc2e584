package port

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"port-liquidator/internal/chain"
	"port-liquidator/internal/lending"
)

// 主网地址
const (
	MainnetProgramID     = "Port7uDYB3wk6GJAw4KT1WpTeMtSu9bTcChBHkX2LfR"
	MainnetLendingMarket = "6T4XxKerq744sSuj3jaoV6QiZ8acirf4TrPwQzHAoSy5"
)

// AccountScanner 按条件扫描程序账户
type AccountScanner interface {
	ProgramAccounts(ctx context.Context, program string, dataSize int, filters ...chain.Memcmp) ([]chain.ProgramAccount, error)
}

// Provider 从链上读取借贷市场的 reserve 和仓位
type Provider struct {
	accounts AccountScanner
	program  string
	market   string
	names    map[string]string // asset mint -> 显示名称
	logger   *slog.Logger
}

func NewProvider(accounts AccountScanner, program, market string, names map[string]string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{accounts: accounts, program: program, market: market, names: names, logger: logger}
}

// Reserves 借贷市场的全部 reserve，按 id 排序
func (p *Provider) Reserves(ctx context.Context) ([]lending.Reserve, error) {
	accounts, err := p.accounts.ProgramAccounts(ctx, p.program, ReserveLen,
		chain.Memcmp{Offset: ReserveMarketOffset, Bytes: p.market})
	if err != nil {
		return nil, fmt.Errorf("获取 reserve 账户失败: %w", err)
	}

	reserves := make([]lending.Reserve, 0, len(accounts))
	for _, acc := range accounts {
		r, err := DecodeReserve(acc.Pubkey, acc.Data)
		if errors.Is(err, ErrUninitialized) {
			continue
		}
		if err != nil {
			return nil, err
		}
		r.Name = p.names[r.AssetMint]
		reserves = append(reserves, r)
	}
	sort.Slice(reserves, func(i, j int) bool { return reserves[i].ID < reserves[j].ID })
	return reserves, nil
}

// Positions 借贷市场的全部仓位。无法解析的账户记录日志后跳过。
func (p *Provider) Positions(ctx context.Context) ([]lending.Position, error) {
	accounts, err := p.accounts.ProgramAccounts(ctx, p.program, ObligationLen,
		chain.Memcmp{Offset: ObligationMarketOffset, Bytes: p.market})
	if err != nil {
		return nil, fmt.Errorf("获取仓位账户失败: %w", err)
	}

	positions := make([]lending.Position, 0, len(accounts))
	for _, acc := range accounts {
		pos, err := DecodeObligation(acc.Pubkey, acc.Data)
		if errors.Is(err, ErrUninitialized) {
			continue
		}
		if err != nil {
			p.logger.Warn("跳过无法解析的仓位账户", "position", acc.Pubkey, "err", err)
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}
