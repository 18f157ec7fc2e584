package wallet

import (
	"context"
	"fmt"
	"log/slog"

	"port-liquidator/internal/chain"
	"port-liquidator/internal/lending"

	"github.com/portto/solana-go-sdk/common"
	"github.com/portto/solana-go-sdk/program/associated_token_account"
	"github.com/portto/solana-go-sdk/types"
)

// Entry 付款账户在某个 mint 下的代币账户
type Entry struct {
	Address  string
	Mint     string
	Balance  uint64
	Decimals uint8
}

// Map mint -> 代币账户。只由主循环使用，不加锁。
type Map struct {
	entries map[string]Entry
}

func NewMap() *Map {
	return &Map{entries: make(map[string]Entry)}
}

func (m *Map) Get(mint string) (Entry, bool) {
	e, ok := m.entries[mint]
	return e, ok
}

func (m *Map) Set(e Entry) {
	m.entries[e.Mint] = e
}

// SetBalance 更新已存在账户的余额
func (m *Map) SetBalance(mint string, balance uint64) bool {
	e, ok := m.entries[mint]
	if !ok {
		return false
	}
	e.Balance = balance
	m.entries[mint] = e
	return true
}

func (m *Map) Len() int {
	return len(m.entries)
}

// Provisioner 读取并创建付款账户的代币账户
type Provisioner interface {
	Payer() common.PublicKey
	OwnedTokenAccounts(ctx context.Context) ([]chain.TokenAccount, error)
	SubmitAndConfirm(ctx context.Context, ixs []types.Instruction, extraSigners []types.Account) (string, error)
}

// Prepare 启动时构建 WalletMap：同一 mint 有多个账户时取余额最大的，
// 每个 reserve 的资产 mint 和凭证 mint 缺少账户时创建关联代币账户。
func Prepare(ctx context.Context, p Provisioner, reserves []lending.Reserve, logger *slog.Logger) (*Map, error) {
	if logger == nil {
		logger = slog.Default()
	}

	owned, err := p.OwnedTokenAccounts(ctx)
	if err != nil {
		return nil, err
	}

	decimals := make(map[string]uint8)
	var mints []string
	for _, r := range reserves {
		for _, mint := range []string{r.AssetMint, r.ShareMint} {
			if _, ok := decimals[mint]; !ok {
				mints = append(mints, mint)
			}
			decimals[mint] = r.Decimals
		}
	}

	wallets := NewMap()
	for _, acc := range owned {
		if cur, ok := wallets.Get(acc.Mint); ok && cur.Balance >= acc.Amount {
			continue
		}
		wallets.Set(Entry{Address: acc.Address, Mint: acc.Mint, Balance: acc.Amount, Decimals: decimals[acc.Mint]})
	}

	payer := p.Payer()
	for _, mint := range mints {
		if _, ok := wallets.Get(mint); ok {
			continue
		}
		mintKey := common.PublicKeyFromString(mint)
		ata, _, err := common.FindAssociatedTokenAddress(payer, mintKey)
		if err != nil {
			return nil, fmt.Errorf("计算 %s 的关联代币账户失败: %w", mint, err)
		}

		logger.Info("创建代币账户", "mint", mint, "account", ata.ToBase58())
		ix := associated_token_account.CreateAssociatedTokenAccount(associated_token_account.CreateAssociatedTokenAccountParam{
			Funder:                 payer,
			Owner:                  payer,
			Mint:                   mintKey,
			AssociatedTokenAccount: ata,
		})
		if _, err := p.SubmitAndConfirm(ctx, []types.Instruction{ix}, nil); err != nil {
			return nil, fmt.Errorf("创建 %s 的代币账户失败: %w", mint, err)
		}
		wallets.Set(Entry{Address: ata.ToBase58(), Mint: mint, Decimals: decimals[mint]})
	}

	logger.Info("代币账户准备完成", "wallets", wallets.Len(), "owned", len(owned))
	return wallets, nil
}
