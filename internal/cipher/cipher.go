// Package cipher 票据落盘前的加密与签名
package cipher

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/pu-ac-cn/uac-ticket/internal/config"
)

// ErrCipherOperation 加解密或验签失败
var ErrCipherOperation = errors.New("票据加解密失败")

// Executor 加解密执行器
type Executor interface {
	// Encode 加密（及签名）明文
	Encode(plain []byte) ([]byte, error)
	// Decode 验签并解密密文
	Decode(data []byte) ([]byte, error)
	// Enabled 是否实际执行了变换
	Enabled() bool
}

type noopExecutor struct{}

// Noop 返回不做任何变换的执行器
func Noop() Executor {
	return noopExecutor{}
}

func (noopExecutor) Encode(plain []byte) ([]byte, error) { return plain, nil }
func (noopExecutor) Decode(data []byte) ([]byte, error)  { return data, nil }
func (noopExecutor) Enabled() bool                       { return false }

// DigestID 计算票据 ID 摘要，加密存储时作为存储键
func DigestID(id string) string {
	sum := blake3.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// FromConfig 根据配置构建执行器
func FromConfig(cfg config.CryptoConfig) (Executor, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	var (
		exec Executor
		err  error
	)
	switch cfg.Alg {
	case "", "aead":
		key, decodeErr := base64.StdEncoding.DecodeString(cfg.EncryptionKey)
		if decodeErr != nil {
			return nil, fmt.Errorf("解析加密密钥失败: %w", decodeErr)
		}
		exec, err = NewAEAD(key)
	case "age":
		exec, err = NewAge(cfg.AgeIdentity)
	default:
		return nil, fmt.Errorf("不支持的加密算法: %s", cfg.Alg)
	}
	if err != nil {
		return nil, err
	}

	if cfg.SigningKey == "" {
		return exec, nil
	}
	signingKey, err := base64.StdEncoding.DecodeString(cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("解析签名密钥失败: %w", err)
	}
	return NewSigned(exec, signingKey)
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCipherOperation, op, err)
}
