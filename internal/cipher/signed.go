package cipher

import (
	"crypto/subtle"
	"errors"

	"github.com/zeebo/blake3"
)

const macSize = 32

// SignedExecutor 在内层执行器输出后附加 BLAKE3 keyed MAC
type SignedExecutor struct {
	inner Executor
	key   []byte
}

// NewSigned 使用 32 字节签名密钥包装执行器
func NewSigned(inner Executor, key []byte) (*SignedExecutor, error) {
	if len(key) != 32 {
		return nil, wrap("初始化签名", errors.New("签名密钥必须为 32 字节"))
	}
	return &SignedExecutor{inner: inner, key: key}, nil
}

// Encode 加密后签名
func (e *SignedExecutor) Encode(plain []byte) ([]byte, error) {
	data, err := e.inner.Encode(plain)
	if err != nil {
		return nil, err
	}
	mac, err := e.mac(data)
	if err != nil {
		return nil, err
	}
	return append(data, mac...), nil
}

// Decode 验签后解密
func (e *SignedExecutor) Decode(data []byte) ([]byte, error) {
	if len(data) < macSize {
		return nil, wrap("验签", errors.New("数据长度不足"))
	}
	body, sig := data[:len(data)-macSize], data[len(data)-macSize:]
	want, err := e.mac(body)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(sig, want) != 1 {
		return nil, wrap("验签", errors.New("签名不匹配"))
	}
	return e.inner.Decode(body)
}

// Enabled 始终为 true
func (e *SignedExecutor) Enabled() bool { return true }

func (e *SignedExecutor) mac(data []byte) ([]byte, error) {
	h, err := blake3.NewKeyed(e.key)
	if err != nil {
		return nil, wrap("初始化签名", err)
	}
	h.Write(data)
	return h.Sum(nil), nil
}
