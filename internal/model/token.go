package model

import "time"

// OneTimeToken 已使用的一次性验证码
type OneTimeToken struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Token    int       `json:"token"`
	IssuedAt time.Time `json:"issued_at"`
}
