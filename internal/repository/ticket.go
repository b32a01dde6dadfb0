// Package repository 数据访问层
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// 票据存储错误定义
var (
	ErrTicketNotFound  = errors.New("票据不存在")
	ErrTicketExists    = errors.New("票据已存在")
	ErrVersionConflict = errors.New("票据版本冲突")
)

// TicketStore 票据持久化接口，与具体后端无关
type TicketStore interface {
	// Insert 新增记录，ID 已存在时返回 ErrTicketExists
	Insert(ctx context.Context, rec *model.TicketRecord) error
	// Get 获取记录，不存在时返回 ErrTicketNotFound
	Get(ctx context.Context, id string) (*model.TicketRecord, error)
	// CompareAndSwap 仅当存储中的版本等于 rec.Version 时写入，成功后 rec.Version 加一；
	// 版本不一致返回 ErrVersionConflict，记录不存在返回 ErrTicketNotFound
	CompareAndSwap(ctx context.Context, rec *model.TicketRecord) error
	// Delete 删除记录，返回是否确实删除
	Delete(ctx context.Context, id string) (bool, error)
	// DeleteExpired 批量删除绝对过期时间早于 now 的记录
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// Scan 逐条遍历记录，fn 返回 false 时停止
	Scan(ctx context.Context, fn func(rec *model.TicketRecord) bool) error
	// Count 记录总数
	Count(ctx context.Context) (int64, error)
}

func cloneRecord(rec *model.TicketRecord) *model.TicketRecord {
	c := *rec
	c.Body = append([]byte(nil), rec.Body...)
	if rec.ExpiresAt != nil {
		t := *rec.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
