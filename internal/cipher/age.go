package cipher

import (
	"bytes"
	"io"

	"filippo.io/age"
)

// AgeExecutor 基于 age X25519 的加密执行器
type AgeExecutor struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewAge 使用 AGE-SECRET-KEY-1... 格式私钥创建执行器
func NewAge(identity string) (*AgeExecutor, error) {
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, wrap("解析 age 私钥", err)
	}
	return &AgeExecutor{identity: id, recipient: id.Recipient()}, nil
}

// Encode 加密
func (e *AgeExecutor) Encode(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, e.recipient)
	if err != nil {
		return nil, wrap("创建 age 加密器", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, wrap("写入明文", err)
	}
	if err := w.Close(); err != nil {
		return nil, wrap("完成 age 加密", err)
	}
	return buf.Bytes(), nil
}

// Decode 解密
func (e *AgeExecutor) Decode(data []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(data), e.identity)
	if err != nil {
		return nil, wrap("age 解密", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, wrap("读取明文", err)
	}
	return plain, nil
}

// Enabled 始终为 true
func (e *AgeExecutor) Enabled() bool { return true }
