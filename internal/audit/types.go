// Package audit は認証イベントの監査ログ機能を提供します。
package audit

import "time"

// Kind は監査イベントの種別を表します。
type Kind string

const (
	KindLoginSucceeded Kind = "login_succeeded"
	KindLoginFailed    Kind = "login_failed"
	KindLoginLocked    Kind = "login_locked"
	KindLogout         Kind = "logout"
)

// Event は1件の認証イベントを表します。
type Event struct {
	EventID    string    `json:"eventId"`
	Kind       Kind      `json:"kind"`
	Email      string    `json:"email,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	ClientIP   string    `json:"clientIp,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}
