package liquidator

import (
	"context"
	"fmt"
	"log/slog"

	"port-liquidator/internal/lending"
	"port-liquidator/internal/port"
	"port-liquidator/internal/wallet"

	"github.com/portto/solana-go-sdk/common"
	"github.com/portto/solana-go-sdk/program/token"
	"github.com/portto/solana-go-sdk/types"
)

// Redeemer 把凭证账户中的余额赎回为底层资产
type Redeemer struct {
	chain   Chain
	builder Builder
	logger  *slog.Logger
}

func NewRedeemer(chain Chain, builder Builder, logger *slog.Logger) *Redeemer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redeemer{chain: chain, builder: builder, logger: logger}
}

// RedeemAll 依次处理每个 reserve，单个 reserve 失败不影响其余 reserve
func (r *Redeemer) RedeemAll(ctx context.Context, reserves []lending.Reserve, wallets *wallet.Map) []lending.Outcome {
	outcomes := make([]lending.Outcome, 0, len(reserves))
	for _, reserve := range reserves {
		out := r.Redeem(ctx, reserve, wallets)
		if out.Failed() {
			r.logger.Warn("赎回失败", "reserve", reserve.ID, "name", displayName(reserve), "err", out.Err)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// Redeem 赎回单个 reserve 凭证账户的全部余额，余额为零时不发送交易
func (r *Redeemer) Redeem(ctx context.Context, reserve lending.Reserve, wallets *wallet.Map) lending.Outcome {
	fail := func(op string, err error) lending.Outcome {
		return lending.Outcome{
			Kind: lending.UnitRedeem,
			ID:   reserve.ID,
			Err:  lending.NewUnitError(lending.UnitRedeem, reserve.ID, op, err),
		}
	}

	shareWallet, ok := wallets.Get(reserve.ShareMint)
	if !ok {
		return fail("select-wallet", fmt.Errorf("凭证 %s: %w", reserve.ShareMint, lending.ErrWalletMissing))
	}
	assetWallet, ok := wallets.Get(reserve.AssetMint)
	if !ok {
		return fail("select-wallet", fmt.Errorf("资产 %s: %w", reserve.AssetMint, lending.ErrWalletMissing))
	}

	balance, err := r.chain.TokenBalance(ctx, shareWallet.Address)
	if err != nil {
		return fail("read-share-wallet", err)
	}
	wallets.SetBalance(reserve.ShareMint, balance)
	if balance == 0 {
		return lending.Outcome{Kind: lending.UnitRedeem, ID: reserve.ID, Skipped: true}
	}

	payer := r.chain.Payer()
	authority := types.NewAccount()
	shareKey := common.PublicKeyFromString(shareWallet.Address)
	ixs := []types.Instruction{
		token.Approve(token.ApproveParam{
			From:   shareKey,
			To:     authority.PublicKey,
			Auth:   payer,
			Amount: balance,
		}),
		r.builder.RefreshReserve(reserve),
		r.builder.RedeemCollateral(port.RedeemParams{
			Amount:            balance,
			ShareWallet:       shareKey,
			AssetWallet:       common.PublicKeyFromString(assetWallet.Address),
			Reserve:           reserve,
			TransferAuthority: authority.PublicKey,
		}),
	}

	sig, err := r.chain.Submit(ctx, ixs, []types.Account{authority})
	if err != nil {
		return fail("submit", err)
	}
	r.logger.Warn("凭证已赎回", "reserve", reserve.ID, "name", displayName(reserve), "amount", balance, "signature", sig)

	if after, err := r.chain.TokenBalance(ctx, shareWallet.Address); err == nil {
		wallets.SetBalance(reserve.ShareMint, after)
	}
	return lending.Outcome{
		Kind:      lending.UnitRedeem,
		ID:        reserve.ID,
		Signature: sig,
		Detail:    fmt.Sprintf("赎回 %d 个 %s 凭证", balance, displayName(reserve)),
	}
}
