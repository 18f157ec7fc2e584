package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mr-tron/base58"
	"github.com/portto/solana-go-sdk/types"
)

// LoadKeypair 读取签名密钥文件。支持 JSON 字符串形式的 base58 私钥，
// 以及 solana-keygen 生成的 JSON 字节数组。
func LoadKeypair(path string) (types.Account, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.Account{}, fmt.Errorf("读取密钥文件失败: %w", err)
	}
	return ParseKeypair(raw)
}

func ParseKeypair(raw []byte) (types.Account, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return types.Account{}, fmt.Errorf("密钥文件为空")
	}

	var secret []byte
	switch raw[0] {
	case '"':
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return types.Account{}, fmt.Errorf("解析密钥字符串失败: %w", err)
		}
		decoded, err := base58.Decode(encoded)
		if err != nil {
			return types.Account{}, fmt.Errorf("base58 解码密钥失败: %w", err)
		}
		secret = decoded
	case '[':
		var ints []int
		if err := json.Unmarshal(raw, &ints); err != nil {
			return types.Account{}, fmt.Errorf("解析密钥数组失败: %w", err)
		}
		secret = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return types.Account{}, fmt.Errorf("密钥数组第 %d 个元素越界: %d", i, v)
			}
			secret[i] = byte(v)
		}
	default:
		decoded, err := base58.Decode(string(raw))
		if err != nil {
			return types.Account{}, fmt.Errorf("base58 解码密钥失败: %w", err)
		}
		secret = decoded
	}

	account, err := types.AccountFromBytes(secret)
	if err != nil {
		return types.Account{}, fmt.Errorf("无效的私钥: %w", err)
	}
	return account, nil
}
