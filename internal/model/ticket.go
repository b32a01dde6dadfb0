// Package model 数据模型定义
package model

import (
	"slices"
	"time"
)

// TicketType 票据类型
type TicketType string

// 票据类型常量，同时作为票据 ID 前缀
const (
	TypeTGT TicketType = "TGT" // Ticket Granting Ticket
	TypeST  TicketType = "ST"  // Service Ticket
	TypePGT TicketType = "PGT" // Proxy Granting Ticket
	TypePT  TicketType = "PT"  // Proxy Ticket
)

// Valid 检查票据类型是否受支持
func (t TicketType) Valid() bool {
	switch t {
	case TypeTGT, TypeST, TypePGT, TypePT:
		return true
	}
	return false
}

// Granting 是否为可签发子票据的类型
func (t TicketType) Granting() bool {
	return t == TypeTGT || t == TypePGT
}

// Ticket 票据
type Ticket struct {
	ID           string           `json:"id" cbor:"id"`
	Type         TicketType       `json:"type" cbor:"type"`
	Payload      []byte           `json:"payload,omitempty" cbor:"payload,omitempty"` // 认证上下文，落盘前加密
	Policy       ExpirationPolicy `json:"policy" cbor:"policy"`
	CreationTime time.Time        `json:"creation_time" cbor:"creation_time"`
	LastUsedTime time.Time        `json:"last_used_time" cbor:"last_used_time"`
	UsageCount   int              `json:"usage_count" cbor:"usage_count"`
	Consumed     bool             `json:"consumed" cbor:"consumed"`
	Expired      bool             `json:"expired" cbor:"expired"` // 显式标记过期（如登出）
	ParentID     string           `json:"parent_id,omitempty" cbor:"parent_id,omitempty"`
	Service      string           `json:"service,omitempty" cbor:"service,omitempty"`
	Descendants  []string         `json:"descendants,omitempty" cbor:"descendants,omitempty"`

	// Version 读取时的存储版本，UpdateTicket 据此做条件写入，不参与编码
	Version int64 `json:"-" cbor:"-"`
}

// NewTicket 创建票据
func NewTicket(id string, typ TicketType, policy ExpirationPolicy, payload []byte, now time.Time) *Ticket {
	return &Ticket{
		ID:           id,
		Type:         typ,
		Payload:      payload,
		Policy:       policy,
		CreationTime: now,
		LastUsedTime: now,
	}
}

// IsExpired 检查票据是否过期
func (t *Ticket) IsExpired(now time.Time) bool {
	return t.Expired || t.Policy.IsExpired(t, now)
}

// MarkExpired 标记票据过期
func (t *Ticket) MarkExpired() {
	t.Expired = true
}

// SingleUse 是否为限次使用的票据
func (t *Ticket) SingleUse() bool {
	return t.Policy.NumberOfUses > 0
}

// Use 记录一次使用，达到次数上限后标记为已消费
func (t *Ticket) Use(now time.Time) {
	t.UsageCount++
	t.LastUsedTime = now
	if t.SingleUse() && t.UsageCount >= t.Policy.NumberOfUses {
		t.Consumed = true
	}
}

// HardDeadline 返回票据的绝对过期时间，零值表示无法预先确定
func (t *Ticket) HardDeadline() time.Time {
	return t.Policy.HardDeadline(t)
}

// AddDescendant 记录签发的子票据
func (t *Ticket) AddDescendant(id string) {
	if !slices.Contains(t.Descendants, id) {
		t.Descendants = append(t.Descendants, id)
	}
}

// Clone 深拷贝票据
func (t *Ticket) Clone() *Ticket {
	c := *t
	c.Payload = slices.Clone(t.Payload)
	c.Descendants = slices.Clone(t.Descendants)
	return &c
}
