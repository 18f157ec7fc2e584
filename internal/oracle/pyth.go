package oracle

import (
	"encoding/binary"
	"fmt"

	"port-liquidator/internal/lending"

	"github.com/shopspring/decimal"
)

// Pyth v2 价格账户布局
const (
	pythMagic          = 0xa1b2c3d4
	pythVersion        = 2
	pythTypePrice      = 3
	pythStatusTrading  = 1
	pythExponentOffset = 20
	pythAggPriceOffset = 208
	pythAggConfOffset  = 216
	pythAggStatus      = 224
	pythMinLen         = 240
)

// PythPrice 价格账户中的聚合价格
type PythPrice struct {
	Exponent   int32
	Price      int64
	Confidence uint64
	Status     uint32
}

func decodePyth(data []byte) (PythPrice, error) {
	if len(data) < pythMinLen {
		return PythPrice{}, fmt.Errorf("pyth 账户数据长度不足: %d", len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != pythMagic {
		return PythPrice{}, fmt.Errorf("pyth 账户 magic 不匹配")
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != pythVersion {
		return PythPrice{}, fmt.Errorf("不支持的 pyth 版本: %d", v)
	}
	if t := binary.LittleEndian.Uint32(data[8:12]); t != pythTypePrice {
		return PythPrice{}, fmt.Errorf("pyth 账户不是价格账户: type=%d", t)
	}
	return PythPrice{
		Exponent:   int32(binary.LittleEndian.Uint32(data[pythExponentOffset:])),
		Price:      int64(binary.LittleEndian.Uint64(data[pythAggPriceOffset:])),
		Confidence: binary.LittleEndian.Uint64(data[pythAggConfOffset:]),
		Status:     binary.LittleEndian.Uint32(data[pythAggStatus:]),
	}, nil
}

func parsePythPrice(data []byte) (decimal.Decimal, error) {
	p, err := decodePyth(data)
	if err != nil {
		return decimal.Zero, err
	}
	// 非交易状态下 pyth 不发布价格
	if p.Status != pythStatusTrading {
		return decimal.Zero, fmt.Errorf("pyth 价格状态 %d: %w", p.Status, lending.ErrNoPrice)
	}
	return decimal.New(p.Price, p.Exponent), nil
}
