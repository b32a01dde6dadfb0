package cipher

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// AEADExecutor 基于 XChaCha20-Poly1305 的对称加密执行器
//
// 输出格式：nonce(24) || ciphertext || tag(16)
type AEADExecutor struct {
	aead cipher.AEAD
}

// NewAEAD 使用 32 字节密钥创建执行器
func NewAEAD(key []byte) (*AEADExecutor, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, wrap("初始化 AEAD", err)
	}
	return &AEADExecutor{aead: aead}, nil
}

// Encode 加密
func (e *AEADExecutor) Encode(plain []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plain)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, wrap("生成随机数", err)
	}
	return e.aead.Seal(nonce, nonce, plain, nil), nil
}

// Decode 解密
func (e *AEADExecutor) Decode(data []byte) ([]byte, error) {
	ns := e.aead.NonceSize()
	if len(data) < ns+e.aead.Overhead() {
		return nil, wrap("解密", errors.New("密文长度不足"))
	}
	plain, err := e.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, wrap("解密", err)
	}
	return plain, nil
}

// Enabled 始终为 true
func (e *AEADExecutor) Enabled() bool { return true }
