package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pu-ac-cn/uac-ticket/internal/config"
)

// TestNewClient 测试 Redis 客户端创建
func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), &config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer Close(client)

	assert.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	assert.Equal(t, "v", mustGet(t, mr, "k"))
}

// TestNewClient_Unreachable 测试无法连接时返回错误
func TestNewClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewClient(context.Background(), &config.RedisConfig{Addr: addr})
	assert.Error(t, err)
}

// TestCloseNil 测试关闭未初始化的客户端
func TestCloseNil(t *testing.T) {
	assert.NoError(t, Close(nil))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
