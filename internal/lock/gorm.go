package lock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// gormLocker 基于 locks 表的分布式锁
//
// 先按主键插入，冲突后再用带条件的 UPDATE 抢占过期锁或续期自己的锁，
// 两步都依赖数据库的行级原子性，RowsAffected 决定是否获得锁。
type gormLocker struct {
	db    *gorm.DB
	clock clockwork.Clock
}

// NewGormLocker 创建数据库锁
func NewGormLocker(db *gorm.DB, clk clockwork.Clock) Locker {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &gormLocker{db: db, clock: clk}
}

func (l *gormLocker) Acquire(ctx context.Context, appID, holder string, timeout time.Duration) (bool, error) {
	now := l.clock.Now().UTC()
	exp := now.Add(timeout)

	rec := &model.LockRecord{ApplicationID: appID, UniqueID: holder, LockExpirationTime: &exp}
	result := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	result = l.db.WithContext(ctx).Model(&model.LockRecord{}).
		Where("application_id = ? AND (unique_id = ? OR lock_expiration_time IS NULL OR lock_expiration_time < ?)", appID, holder, now).
		Updates(map[string]any{
			"unique_id":            holder,
			"lock_expiration_time": exp,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (l *gormLocker) Release(ctx context.Context, appID, holder string) error {
	return l.db.WithContext(ctx).
		Where("application_id = ? AND unique_id = ?", appID, holder).
		Delete(&model.LockRecord{}).Error
}
