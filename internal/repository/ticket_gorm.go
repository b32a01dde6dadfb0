package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

const scanBatchSize = 200

var errStopScan = errors.New("stop scan")

// gormTicketStore 关系型数据库票据存储
type gormTicketStore struct {
	db *gorm.DB
}

// NewGormTicketStore 创建关系型数据库票据存储
func NewGormTicketStore(db *gorm.DB) TicketStore {
	return &gormTicketStore{db: db}
}

// Insert 新增记录，依赖主键冲突保证唯一
func (s *gormTicketStore) Insert(ctx context.Context, rec *model.TicketRecord) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTicketExists
	}
	return nil
}

// Get 根据 ID 获取记录
func (s *gormTicketStore) Get(ctx context.Context, id string) (*model.TicketRecord, error) {
	var rec model.TicketRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// CompareAndSwap 带版本条件的更新
func (s *gormTicketStore) CompareAndSwap(ctx context.Context, rec *model.TicketRecord) error {
	result := s.db.WithContext(ctx).Model(&model.TicketRecord{}).
		Where("id = ? AND version = ?", rec.ID, rec.Version).
		Updates(map[string]any{
			"body":       rec.Body,
			"expires_at": rec.ExpiresAt,
			"version":    rec.Version + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&model.TicketRecord{}).Where("id = ?", rec.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrTicketNotFound
		}
		return ErrVersionConflict
	}
	rec.Version++
	return nil
}

// Delete 删除记录
func (s *gormTicketStore) Delete(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&model.TicketRecord{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DeleteExpired 批量删除已过绝对过期时间的记录
func (s *gormTicketStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Delete(&model.TicketRecord{})
	return result.RowsAffected, result.Error
}

// Scan 按主键分批遍历
func (s *gormTicketStore) Scan(ctx context.Context, fn func(rec *model.TicketRecord) bool) error {
	var batch []*model.TicketRecord
	err := s.db.WithContext(ctx).FindInBatches(&batch, scanBatchSize, func(tx *gorm.DB, _ int) error {
		for _, rec := range batch {
			if !fn(rec) {
				return errStopScan
			}
		}
		return nil
	}).Error
	if errors.Is(err, errStopScan) {
		return nil
	}
	return err
}

// Count 记录总数
func (s *gormTicketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.TicketRecord{}).Count(&count).Error
	return count, err
}
