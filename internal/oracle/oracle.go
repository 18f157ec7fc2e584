package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"port-liquidator/internal/lending"

	"github.com/shopspring/decimal"
)

// 主网预言机程序地址
const (
	PythProgram          = "FsJ3A3u2vn5cTVofAjvy6y5kwABJAqYWpe4975bi2epH"
	SwitchboardV1Program = "DtmE9D2CSB4L5D6A15mraeEjrGMm6auWVzgaD8hK2tZM"
	SwitchboardV2Program = "SW1TCH7qEPTdLsDHRgPuMQjbQxKdH2aBStViMFnt64f"
)

// Kind 预言机类型
type Kind string

const (
	KindNone    Kind = "none"
	KindPyth    Kind = "PYTH"
	KindSBV1    Kind = "SB-V1"
	KindSBV2    Kind = "SB-V2"
	KindUnknown Kind = "unknown"
)

// AccountReader 读取链上账户的所有者程序和原始数据
type AccountReader interface {
	AccountData(ctx context.Context, addr string) (owner string, data []byte, err error)
}

// Programs 各预言机格式对应的所有者程序
type Programs struct {
	Pyth          string
	SwitchboardV1 string
	SwitchboardV2 string
}

func MainnetPrograms() Programs {
	return Programs{
		Pyth:          PythProgram,
		SwitchboardV1: SwitchboardV1Program,
		SwitchboardV2: SwitchboardV2Program,
	}
}

// Reader 解析 reserve 的 USD 价格
type Reader struct {
	accounts AccountReader
	programs Programs
	logger   *slog.Logger
}

func NewReader(accounts AccountReader, programs Programs, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{accounts: accounts, programs: programs, logger: logger}
}

// Price 返回 reserve 当前每单位资产的 USD 价格。没有预言机时使用标记价格。
func (r *Reader) Price(ctx context.Context, reserve lending.Reserve) (decimal.Decimal, error) {
	if !reserve.HasOracle() {
		return reserve.MarkPrice, nil
	}

	owner, data, err := r.accounts.AccountData(ctx, reserve.Oracle)
	if err != nil {
		return decimal.Zero, fmt.Errorf("读取预言机账户 %s 失败: %w", reserve.Oracle, err)
	}
	if len(data) == 0 {
		return decimal.Zero, fmt.Errorf("预言机账户 %s 没有数据: %w", reserve.Oracle, lending.ErrNoPrice)
	}

	switch owner {
	case r.programs.Pyth:
		return parsePythPrice(data)
	case r.programs.SwitchboardV1:
		price, err := parseSwitchboardV1(data)
		if errors.Is(err, errUnknownAccountType) || errors.Is(err, errEmptyFeed) {
			// 未知账户类型或空数据视为没有价格，退回标记价格
			r.logger.Info("switchboard-v1 没有可用价格，使用标记价格",
				"reserve", reserve.ID, "oracle", reserve.Oracle, "type", data[0], "err", err)
			return reserve.MarkPrice, nil
		}
		return price, err
	case r.programs.SwitchboardV2:
		return parseSwitchboardV2(data)
	}

	return decimal.Zero, fmt.Errorf("reserve %s 的预言机 %s (owner %s): %w",
		reserve.ID, reserve.Oracle, owner, lending.ErrUnrecognizedOracle)
}

// Prices 为所有 reserve 定价，任何一个失败都会中止
func (r *Reader) Prices(ctx context.Context, reserves []lending.Reserve) (lending.PriceIndex, error) {
	prices := make(lending.PriceIndex, len(reserves))
	for _, reserve := range reserves {
		price, err := r.Price(ctx, reserve)
		if err != nil {
			return nil, err
		}
		prices[reserve.ID] = price
	}
	return prices, nil
}

// Describe 返回 reserve 预言机的类型，用于检查 reserve 配置
func (r *Reader) Describe(ctx context.Context, reserve lending.Reserve) (Kind, error) {
	if !reserve.HasOracle() {
		return KindNone, nil
	}
	owner, _, err := r.accounts.AccountData(ctx, reserve.Oracle)
	if err != nil {
		return KindUnknown, fmt.Errorf("读取预言机账户 %s 失败: %w", reserve.Oracle, err)
	}
	switch owner {
	case r.programs.Pyth:
		return KindPyth, nil
	case r.programs.SwitchboardV1:
		return KindSBV1, nil
	case r.programs.SwitchboardV2:
		return KindSBV2, nil
	default:
		return KindUnknown, nil
	}
}
