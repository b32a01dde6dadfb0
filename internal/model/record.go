package model

import "time"

// TicketRecord 票据持久化记录
//
// Body 为编码并加密后的票据；启用加密时 ID 为票据 ID 的摘要。
type TicketRecord struct {
	ID           string     `json:"id" gorm:"type:varchar(255);primaryKey"`
	Type         string     `json:"type" gorm:"type:varchar(16);index;not null"`
	Body         []byte     `json:"body" gorm:"not null"`
	CreationTime time.Time  `json:"creation_time" gorm:"not null"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" gorm:"index"`
	Version      int64      `json:"version" gorm:"not null;default:0"`
}

// TableName 表名
func (TicketRecord) TableName() string {
	return "tickets"
}

// ExpiredAt 是否已超过绝对过期时间
func (r *TicketRecord) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// LockRecord 分布式锁记录
type LockRecord struct {
	ApplicationID      string     `json:"application_id" gorm:"column:application_id;type:varchar(128);primaryKey"`
	UniqueID           string     `json:"unique_id" gorm:"column:unique_id;type:varchar(255)"`
	LockExpirationTime *time.Time `json:"lock_expiration_time" gorm:"column:lock_expiration_time"`
}

// TableName 表名
func (LockRecord) TableName() string {
	return "locks"
}

// IsExpired 检查锁是否已过期
func (l *LockRecord) IsExpired(now time.Time) bool {
	return l.LockExpirationTime == nil || now.After(*l.LockExpirationTime)
}

// IsHeldBy 检查锁是否由指定持有者持有
func (l *LockRecord) IsHeldBy(holder string) bool {
	return l.UniqueID == holder
}
