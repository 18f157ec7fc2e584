package oracle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"

	"port-liquidator/internal/lending"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"
)

// switchboard-v1 账户首字节为账户类型
const (
	sbv1TypeAggregator      = 1
	sbv1TypeParseOptimized  = 2
	sbv1OptimizedMinPayload = 104
)

// AggregatorState / RoundResult / Configs 的 protobuf 字段号
const (
	aggFieldConfigs            protowire.Number = 2
	aggFieldCurrentRoundResult protowire.Number = 5
	aggFieldLastRoundResult    protowire.Number = 6

	cfgFieldMinConfirmations protowire.Number = 2

	roundFieldNumSuccess         protowire.Number = 1
	roundFieldNumError           protowire.Number = 2
	roundFieldResult             protowire.Number = 3
	roundFieldRoundOpenSlot      protowire.Number = 4
	roundFieldRoundOpenTimestamp protowire.Number = 5
	roundFieldMinResponse        protowire.Number = 6
	roundFieldMaxResponse        protowire.Number = 7
)

var (
	errUnknownAccountType = errors.New("switchboard-v1 账户类型无效")
	errEmptyFeed          = errors.New("switchboard-v1 parse-optimized 账户没有价格数据")
)

// RoundResult switchboard-v1 一轮聚合结果
type RoundResult struct {
	NumSuccess         int32
	NumError           int32
	Result             float64
	HasResult          bool
	RoundOpenSlot      uint64
	RoundOpenTimestamp int64
	MinResponse        float64
	MaxResponse        float64
}

// AggregatorState switchboard-v1 聚合器中用到的字段
type AggregatorState struct {
	MinConfirmations int32
	HasConfigs       bool
	CurrentRound     *RoundResult
	LastRound        *RoundResult
}

// OptimizedRound parse-optimized 账户的定长布局
type OptimizedRound struct {
	Parent          [32]byte
	Result          RoundResult
	DecimalMantissa *big.Int
	DecimalScale    uint64
}

func parseSwitchboardV1(data []byte) (decimal.Decimal, error) {
	switch data[0] {
	case sbv1TypeAggregator:
		state, err := decodeAggregatorState(data[1:])
		if err != nil {
			return decimal.Zero, err
		}
		round, err := state.ConfirmedRound()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromFloat(round.Result), nil
	case sbv1TypeParseOptimized:
		round, err := decodeOptimizedRound(data)
		if err != nil {
			return decimal.Zero, err
		}
		if !round.Result.HasResult || round.Result.Result == 0 {
			return decimal.Zero, errEmptyFeed
		}
		return decimal.NewFromFloat(round.Result.Result), nil
	default:
		return decimal.Zero, errUnknownAccountType
	}
}

// ConfirmedRound 当前轮成功数达到最小确认数时使用当前轮，否则退回上一轮
func (s AggregatorState) ConfirmedRound() (*RoundResult, error) {
	if !s.HasConfigs || s.MinConfirmations == 0 {
		return nil, fmt.Errorf("switchboard-v1 账户配置无效: %w", lending.ErrNoPrice)
	}
	round := s.CurrentRound
	if round == nil || round.NumSuccess == 0 || round.NumSuccess < s.MinConfirmations {
		round = s.LastRound
		if round == nil {
			return nil, fmt.Errorf("switchboard-v1 当前轮结果无效: %w", lending.ErrNoPrice)
		}
	}
	// 结果为 0 视为没有价格
	if !round.HasResult || round.Result == 0 {
		return nil, fmt.Errorf("switchboard-v1 当前轮没有价格数据: %w", lending.ErrNoPrice)
	}
	return round, nil
}

// decodeAggregatorState 解析带长度前缀的 AggregatorState
func decodeAggregatorState(buf []byte) (AggregatorState, error) {
	var state AggregatorState
	msg, n := protowire.ConsumeBytes(buf)
	if n < 0 {
		return state, fmt.Errorf("解析 switchboard-v1 聚合器长度失败: %w", protowire.ParseError(n))
	}

	err := walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == aggFieldConfigs && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			state.HasConfigs = true
			minConf, err := decodeMinConfirmations(v)
			if err != nil {
				return 0, err
			}
			state.MinConfirmations = minConf
			return n, nil
		case (num == aggFieldCurrentRoundResult || num == aggFieldLastRoundResult) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			round, err := decodeRoundResult(v)
			if err != nil {
				return 0, err
			}
			if num == aggFieldCurrentRoundResult {
				state.CurrentRound = &round
			} else {
				state.LastRound = &round
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return state, err
}

func decodeMinConfirmations(msg []byte) (int32, error) {
	var minConf int32
	err := walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == cfgFieldMinConfirmations && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			minConf = int32(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return minConf, err
}

func decodeRoundResult(msg []byte) (RoundResult, error) {
	var round RoundResult
	err := walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case roundFieldNumSuccess:
				round.NumSuccess = int32(v)
			case roundFieldNumError:
				round.NumError = int32(v)
			case roundFieldRoundOpenSlot:
				round.RoundOpenSlot = v
			case roundFieldRoundOpenTimestamp:
				round.RoundOpenTimestamp = int64(v)
			}
			return n, nil
		case typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			f := math.Float64frombits(v)
			switch num {
			case roundFieldResult:
				round.Result = f
				round.HasResult = true
			case roundFieldMinResponse:
				round.MinResponse = f
			case roundFieldMaxResponse:
				round.MaxResponse = f
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return round, err
}

// walkFields 遍历消息的每个字段，fn 返回消费的字节数
func walkFields(msg []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return fmt.Errorf("解析 protobuf 字段失败: %w", protowire.ParseError(n))
		}
		msg = msg[n:]
		m, err := fn(num, typ, msg)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("解析 protobuf 字段 %d 失败: %w", num, protowire.ParseError(m))
		}
		msg = msg[m:]
	}
	return nil
}

// decodeOptimizedRound 按固定偏移解析 parse-optimized 账户，data 包含首字节的账户类型
func decodeOptimizedRound(data []byte) (OptimizedRound, error) {
	buf := data[1:]
	if len(buf) < sbv1OptimizedMinPayload {
		return OptimizedRound{}, fmt.Errorf("switchboard-v1 parse-optimized 账户数据长度无效: %d", len(buf))
	}

	var round OptimizedRound
	copy(round.Parent[:], buf[0:32])
	round.Result = RoundResult{
		NumSuccess:         int32(binary.LittleEndian.Uint32(buf[32:36])),
		NumError:           int32(binary.LittleEndian.Uint32(buf[36:40])),
		Result:             math.Float64frombits(binary.LittleEndian.Uint64(buf[40:48])),
		HasResult:          true,
		RoundOpenSlot:      binary.LittleEndian.Uint64(buf[48:56]),
		RoundOpenTimestamp: int64(binary.LittleEndian.Uint64(buf[56:64])),
		MinResponse:        math.Float64frombits(binary.LittleEndian.Uint64(buf[64:72])),
		MaxResponse:        math.Float64frombits(binary.LittleEndian.Uint64(buf[72:80])),
	}
	round.DecimalMantissa = leInt128(buf[80:96])
	round.DecimalScale = binary.LittleEndian.Uint64(buf[96:104])
	return round, nil
}

// switchboard-v2 AggregatorAccountData 中用到的偏移 (含 8 字节 discriminator)
const (
	sbv2MinOracleResultsOffset = 236
	sbv2RoundOffset            = 341
	sbv2RoundNumSuccessOffset  = sbv2RoundOffset
	sbv2RoundNumErrorOffset    = sbv2RoundOffset + 4
	sbv2RoundOpenSlotOffset    = sbv2RoundOffset + 9
	sbv2RoundResultOffset      = sbv2RoundOffset + 25
	sbv2RoundScaleOffset       = sbv2RoundResultOffset + 16
	sbv2MinLen                 = sbv2RoundScaleOffset + 4
)

// ConfirmedRoundV2 最近确认轮的结果
type ConfirmedRoundV2 struct {
	MinOracleResults uint32
	NumSuccess       uint32
	NumError         uint32
	RoundOpenSlot    uint64
	Mantissa         *big.Int
	Scale            uint32
}

func (r ConfirmedRoundV2) Price() decimal.Decimal {
	return decimal.NewFromBigInt(r.Mantissa, -int32(r.Scale))
}

func decodeSwitchboardV2(data []byte) (ConfirmedRoundV2, error) {
	if len(data) < sbv2MinLen {
		return ConfirmedRoundV2{}, fmt.Errorf("switchboard-v2 账户数据长度不足: %d", len(data))
	}
	return ConfirmedRoundV2{
		MinOracleResults: binary.LittleEndian.Uint32(data[sbv2MinOracleResultsOffset:]),
		NumSuccess:       binary.LittleEndian.Uint32(data[sbv2RoundNumSuccessOffset:]),
		NumError:         binary.LittleEndian.Uint32(data[sbv2RoundNumErrorOffset:]),
		RoundOpenSlot:    binary.LittleEndian.Uint64(data[sbv2RoundOpenSlotOffset:]),
		Mantissa:         leInt128(data[sbv2RoundResultOffset : sbv2RoundResultOffset+16]),
		Scale:            binary.LittleEndian.Uint32(data[sbv2RoundScaleOffset:]),
	}, nil
}

func parseSwitchboardV2(data []byte) (decimal.Decimal, error) {
	round, err := decodeSwitchboardV2(data)
	if err != nil {
		return decimal.Zero, err
	}
	if round.MinOracleResults > round.NumSuccess {
		return decimal.Zero, fmt.Errorf("switchboard-v2 当前轮结果无效 (%d/%d): %w",
			round.NumSuccess, round.MinOracleResults, lending.ErrNoPrice)
	}
	return round.Price(), nil
}

// leInt128 小端序有符号 128 位整数
func leInt128(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i := range b {
		be[len(b)-1-i] = b[i]
	}
	v := new(big.Int).SetBytes(be)
	if len(be) > 0 && be[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8)))
	}
	return v
}
