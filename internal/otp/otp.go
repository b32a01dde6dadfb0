// Package otp 已使用的一次性验证码仓库，用于拒绝重放
package otp

import (
	"context"
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// Repository 一次性令牌仓库
//
// 存储故障在仓库内部记录日志后吞掉：Store 为空操作，Exists 返回 false，Claim 返回 true。
// 这意味着存储不可用期间验证码可能被重放，换取认证流程不被缓存故障阻塞。
type Repository interface {
	// Store 记录用户已使用的验证码，同一用户的多个验证码累积保存直到过期
	Store(ctx context.Context, token *model.OneTimeToken)
	// Exists 验证码是否在有效期内被使用过
	Exists(ctx context.Context, userID string, token int) bool
	// Claim 原子地检查并记录，验证码首次使用返回 true，重放返回 false
	Claim(ctx context.Context, token *model.OneTimeToken) bool
	// Clean 主动清除已过期的记录
	Clean(ctx context.Context)
	// Size 当前缓存的用户数
	Size(ctx context.Context) int
}

// RunCleaner 按 interval 周期调用 Clean，直到 ctx 取消
func RunCleaner(ctx context.Context, repo Repository, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			repo.Clean(ctx)
		}
	}
}
