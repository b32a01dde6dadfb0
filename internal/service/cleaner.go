package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-ticket/internal/lock"
	"github.com/pu-ac-cn/uac-ticket/internal/metrics"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// CleanerState 清理任务状态
type CleanerState int32

// 清理任务状态：Idle -> Acquiring -> Running -> Releasing -> Idle
const (
	CleanerIdle CleanerState = iota
	CleanerAcquiring
	CleanerRunning
	CleanerReleasing
)

func (s CleanerState) String() string {
	switch s {
	case CleanerIdle:
		return "idle"
	case CleanerAcquiring:
		return "acquiring"
	case CleanerRunning:
		return "running"
	case CleanerReleasing:
		return "releasing"
	default:
		return "unknown"
	}
}

// CleanerStats 单次清理结果
type CleanerStats struct {
	Removed    int64         // 删除的票据数
	Failed     int64         // 删除或读取失败的票据数
	Unreadable int64         // 无法解密且仍在保留期内的记录数
	Skipped    bool          // 其他节点持锁，本轮跳过
	Duration   time.Duration // 耗时
}

// CleanerConfig 清理任务配置
type CleanerConfig struct {
	Enabled        bool
	StartDelay     time.Duration // 首次执行前的延迟
	RepeatInterval time.Duration // 执行间隔

	// UnreadableRetention 无法解密的记录自创建起保留的时长，之后按存储键删除
	UnreadableRetention time.Duration
}

// Cleaner 过期票据清理任务，多节点间通过分布式锁保证同一时刻只有一个节点执行
type Cleaner struct {
	registry TicketRegistry
	strategy *lock.LockingStrategy
	config   *CleanerConfig
	clock    clockwork.Clock
	logger   *zap.Logger

	state      atomic.Int32
	mu         sync.Mutex
	lastRun    *CleanerStats
	unreadable map[string]struct{} // 已记录过日志的无法解密记录
}

// NewCleaner 创建清理任务
func NewCleaner(registry TicketRegistry, strategy *lock.LockingStrategy, cfg *CleanerConfig, clk clockwork.Clock, logger *zap.Logger) *Cleaner {
	if cfg == nil {
		cfg = &CleanerConfig{Enabled: true}
	}
	if cfg.StartDelay <= 0 {
		cfg.StartDelay = 20 * time.Second
	}
	if cfg.RepeatInterval <= 0 {
		cfg.RepeatInterval = 2 * time.Minute
	}
	if cfg.UnreadableRetention <= 0 {
		cfg.UnreadableRetention = 24 * time.Hour
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{
		registry:   registry,
		strategy:   strategy,
		config:     cfg,
		clock:      clk,
		logger:     logger.With(zap.String("app_id", strategy.AppID())),
		unreadable: make(map[string]struct{}),
	}
}

// State 当前状态
func (c *Cleaner) State() CleanerState {
	return CleanerState(c.state.Load())
}

func (c *Cleaner) setState(s CleanerState) {
	c.state.Store(int32(s))
}

// LastRun 最近一次清理结果
func (c *Cleaner) LastRun() (CleanerStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastRun == nil {
		return CleanerStats{}, false
	}
	return *c.lastRun, true
}

// Clean 执行一次清理；未获得锁时跳过本轮，不视为错误
func (c *Cleaner) Clean(ctx context.Context) (CleanerStats, error) {
	start := time.Now()
	var stats CleanerStats

	c.setState(CleanerAcquiring)
	defer c.setState(CleanerIdle)

	err := c.strategy.WithLock(ctx, func(ctx context.Context) error {
		c.setState(CleanerRunning)
		defer c.setState(CleanerReleasing)
		return c.run(ctx, &stats)
	})
	stats.Duration = time.Since(start)

	switch {
	case errors.Is(err, lock.ErrLockUnavailable):
		stats.Skipped = true
		c.logger.Debug("其他节点正在清理，跳过本轮")
		metrics.RecordCleanerRun("skipped", 0, start)
		return stats, nil
	case err != nil:
		c.logger.Error("清理过期票据失败", zap.Int64("removed", stats.Removed), zap.Error(err))
		metrics.RecordCleanerRun("error", stats.Removed, start)
	default:
		if stats.Removed > 0 || stats.Failed > 0 {
			c.logger.Info("清理过期票据完成",
				zap.Int64("removed", stats.Removed),
				zap.Int64("failed", stats.Failed),
				zap.Int64("unreadable", stats.Unreadable),
				zap.Duration("duration", stats.Duration),
			)
		}
		metrics.RecordCleanerRun("success", stats.Removed, start)
	}

	c.mu.Lock()
	c.lastRun = &stats
	c.mu.Unlock()
	return stats, err
}

// run 先按绝对过期时间批量删除，再逐个删除其余已过期的票据；单个票据失败不中断本轮
func (c *Cleaner) run(ctx context.Context, stats *CleanerStats) error {
	n, err := c.registry.DeleteExpired(ctx)
	if err != nil {
		c.logger.Warn("批量删除过期票据失败", zap.Error(err))
	}
	stats.Removed += n

	now := c.clock.Now()
	for t, err := range c.registry.Tickets(ctx, func(t *model.Ticket) bool { return t.IsExpired(now) }) {
		if err != nil {
			if errors.Is(err, ErrStorage) || ctx.Err() != nil {
				return err
			}
			var unreadable *UnreadableRecordError
			if errors.As(err, &unreadable) {
				c.removeUnreadable(ctx, unreadable, now, stats)
				continue
			}
			stats.Failed++
			c.logger.Warn("读取票据失败", zap.Error(err))
			continue
		}

		deleted, err := c.registry.DeleteTicket(ctx, t.ID)
		if err != nil {
			stats.Failed++
			c.logger.Warn("删除过期票据失败", zap.String("ticket_id", t.ID), zap.Error(err))
			continue
		}
		if deleted {
			stats.Removed++
		}
	}
	return nil
}

// removeUnreadable 无法解密的记录超过保留期后按存储键删除；保留期内只在首次发现时记录日志
func (c *Cleaner) removeUnreadable(ctx context.Context, e *UnreadableRecordError, now time.Time, stats *CleanerStats) {
	if now.Sub(e.CreationTime) < c.config.UnreadableRetention {
		stats.Unreadable++
		c.mu.Lock()
		_, seen := c.unreadable[e.Key]
		c.unreadable[e.Key] = struct{}{}
		c.mu.Unlock()
		if !seen {
			c.logger.Error("票据记录无法解密",
				zap.String("storage_key", e.Key),
				zap.Time("creation_time", e.CreationTime),
				zap.Duration("retention", c.config.UnreadableRetention),
				zap.Error(e.Err),
			)
		}
		return
	}

	deleted, err := c.registry.DeleteRecord(ctx, e.Key)
	if err != nil {
		stats.Failed++
		c.logger.Warn("删除无法解密的票据记录失败", zap.String("storage_key", e.Key), zap.Error(err))
		return
	}
	c.mu.Lock()
	delete(c.unreadable, e.Key)
	c.mu.Unlock()
	if deleted {
		stats.Removed++
		c.logger.Warn("已删除无法解密的票据记录", zap.String("storage_key", e.Key), zap.Time("creation_time", e.CreationTime))
	}
}

// Start 按配置的延迟与间隔周期执行清理，直到 ctx 取消
func (c *Cleaner) Start(ctx context.Context) error {
	if !c.config.Enabled {
		c.logger.Info("过期票据清理已禁用")
		return nil
	}
	c.logger.Info("过期票据清理已启动",
		zap.Duration("start_delay", c.config.StartDelay),
		zap.Duration("repeat_interval", c.config.RepeatInterval),
	)

	timer := time.NewTimer(c.config.StartDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			c.Clean(ctx)
			timer.Reset(c.config.RepeatInterval)
		}
	}
}
