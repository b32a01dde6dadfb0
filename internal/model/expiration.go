package model

import "time"

// PolicyKind 过期策略类型
type PolicyKind string

// 过期策略常量
const (
	PolicyNever       PolicyKind = "never"        // 永不过期
	PolicyAlways      PolicyKind = "always"       // 始终过期
	PolicyTimeout     PolicyKind = "timeout"      // 空闲超时
	PolicyHardTimeout PolicyKind = "hard_timeout" // 绝对超时
	PolicyTGT         PolicyKind = "tgt_default"  // 空闲超时 + 绝对超时
	PolicyMultiUse    PolicyKind = "multi_use"    // 使用次数 + 有效期
)

// ExpirationPolicy 过期策略，按 Kind 分派
//
// TimeToLive 对 timeout 为空闲时长，对 hard_timeout、multi_use 为自创建起的有效期，
// 对 tgt_default 为最长存活时间；TimeToKill 仅用于 tgt_default 的空闲时长。
type ExpirationPolicy struct {
	Kind         PolicyKind    `json:"kind" cbor:"kind"`
	TimeToLive   time.Duration `json:"time_to_live,omitempty" cbor:"ttl,omitempty"`
	TimeToKill   time.Duration `json:"time_to_kill,omitempty" cbor:"ttk,omitempty"`
	NumberOfUses int           `json:"number_of_uses,omitempty" cbor:"uses,omitempty"`
}

// NeverExpires 永不过期策略
func NeverExpires() ExpirationPolicy {
	return ExpirationPolicy{Kind: PolicyNever}
}

// AlwaysExpires 始终过期策略
func AlwaysExpires() ExpirationPolicy {
	return ExpirationPolicy{Kind: PolicyAlways}
}

// IdleTimeout 空闲超时策略
func IdleTimeout(idle time.Duration) ExpirationPolicy {
	return ExpirationPolicy{Kind: PolicyTimeout, TimeToLive: idle}
}

// HardTimeout 绝对超时策略
func HardTimeout(ttl time.Duration) ExpirationPolicy {
	return ExpirationPolicy{Kind: PolicyHardTimeout, TimeToLive: ttl}
}

// TicketGrantingPolicy TGT 默认策略
func TicketGrantingPolicy(maxTimeToLive, timeToKill time.Duration) ExpirationPolicy {
	return ExpirationPolicy{Kind: PolicyTGT, TimeToLive: maxTimeToLive, TimeToKill: timeToKill}
}

// MultiUse 限次使用策略，ST 默认 uses=1
func MultiUse(uses int, ttl time.Duration) ExpirationPolicy {
	return ExpirationPolicy{Kind: PolicyMultiUse, TimeToLive: ttl, NumberOfUses: uses}
}

// IsExpired 判断票据在 now 时刻是否过期
//
// multi_use 的次数耗尽由 Ticket.Consumed 表达，不视为过期，以便重放时能区分“已消费”。
func (p ExpirationPolicy) IsExpired(t *Ticket, now time.Time) bool {
	switch p.Kind {
	case PolicyNever:
		return false
	case PolicyAlways:
		return true
	case PolicyTimeout:
		return now.After(t.LastUsedTime.Add(p.TimeToLive))
	case PolicyHardTimeout, PolicyMultiUse:
		return now.After(t.CreationTime.Add(p.TimeToLive))
	case PolicyTGT:
		if p.TimeToLive > 0 && now.After(t.CreationTime.Add(p.TimeToLive)) {
			return true
		}
		return p.TimeToKill > 0 && now.After(t.LastUsedTime.Add(p.TimeToKill))
	default:
		// 未知策略按过期处理
		return true
	}
}

// HardDeadline 返回不依赖使用情况的绝对过期时间，零值表示未知
func (p ExpirationPolicy) HardDeadline(t *Ticket) time.Time {
	switch p.Kind {
	case PolicyAlways:
		return t.CreationTime
	case PolicyHardTimeout, PolicyMultiUse:
		return t.CreationTime.Add(p.TimeToLive)
	case PolicyTGT:
		if p.TimeToLive > 0 {
			return t.CreationTime.Add(p.TimeToLive)
		}
	}
	return time.Time{}
}
