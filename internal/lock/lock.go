// Package lock 集群范围的分布式锁，用于串行化过期票据清理等维护任务
package lock

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-ticket/internal/metrics"
)

// ErrLockUnavailable 锁被其他节点持有
var ErrLockUnavailable = errors.New("锁已被其他节点持有")

// Locker 分布式锁后端
//
// Acquire 在锁不存在、已过期或已由 holder 持有时成功，成功后锁的过期时间为 now+timeout；
// 返回错误时 ok 恒为 false。Release 仅删除 holder 自己持有的锁，其他情况为空操作。
type Locker interface {
	Acquire(ctx context.Context, appID, holder string, timeout time.Duration) (bool, error)
	Release(ctx context.Context, appID, holder string) error
}

// LockingStrategy 绑定应用 ID、节点标识和超时时间的加锁策略
type LockingStrategy struct {
	locker   Locker
	appID    string
	uniqueID string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewLockingStrategy 创建加锁策略
func NewLockingStrategy(locker Locker, appID, uniqueID string, timeout time.Duration, logger *zap.Logger) *LockingStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockingStrategy{
		locker:   locker,
		appID:    appID,
		uniqueID: uniqueID,
		timeout:  timeout,
		logger:   logger.With(zap.String("app_id", appID), zap.String("holder", uniqueID)),
	}
}

// AppID 锁对应的应用 ID
func (s *LockingStrategy) AppID() string {
	return s.appID
}

// UniqueID 当前节点标识
func (s *LockingStrategy) UniqueID() string {
	return s.uniqueID
}

// Acquire 尝试加锁，存储错误按未获得锁处理
func (s *LockingStrategy) Acquire(ctx context.Context) bool {
	ok, err := s.locker.Acquire(ctx, s.appID, s.uniqueID, s.timeout)
	switch {
	case err != nil:
		s.logger.Warn("加锁失败", zap.Error(err))
		metrics.RecordLockAcquire(s.appID, "error")
		return false
	case !ok:
		s.logger.Debug("锁已被其他节点持有")
		metrics.RecordLockAcquire(s.appID, "unavailable")
		return false
	}
	s.logger.Debug("已获得锁", zap.Duration("timeout", s.timeout))
	metrics.RecordLockAcquire(s.appID, "acquired")
	return true
}

// Release 释放锁，失败只记录日志，锁会在过期后被其他节点回收
func (s *LockingStrategy) Release(ctx context.Context) {
	if err := s.locker.Release(ctx, s.appID, s.uniqueID); err != nil {
		s.logger.Warn("释放锁失败", zap.Error(err))
		return
	}
	s.logger.Debug("已释放锁")
}

// WithLock 持锁执行 fn，未获得锁时返回 ErrLockUnavailable；无论 fn 结果如何都会释放锁
func (s *LockingStrategy) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.Acquire(ctx) {
		return ErrLockUnavailable
	}
	// 调用方取消后仍需释放
	defer s.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}

// DefaultUniqueID 节点标识：优先使用配置的名称，其次主机名，都没有时生成随机标识
func DefaultUniqueID(configured string) string {
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "node-" + uuid.New().String()
}
