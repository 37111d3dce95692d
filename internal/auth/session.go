package auth

import (
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// SessionCookieName はセッションクッキーの名前です。
	SessionCookieName = "tb_session"

	sessionKeyUserID     = "auth_user_id"
	sessionKeyMarker     = "session_marker"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ContextUserKey は、ハンドラー間でログイン済みユーザーIDを共有するためのキーです。
const ContextUserKey = "auth.user_id"

// SessionIssuer はセッションの確立と破棄を担います。
// セッション固定化攻撃を防ぐため、確立時は既存のセッション状態を必ず破棄し、
// 新しいセッションマーカーを払い出します。
type SessionIssuer struct{}

// Establish は認証済みユーザーのセッションを確立します。
// 既にセッションがあっても値を引き継がず、常に作り直します。
func (SessionIssuer) Establish(c *gin.Context, userID string) error {
	session := sessions.Default(c)
	session.Clear()

	now := time.Now()
	session.Set(sessionKeyUserID, userID)
	session.Set(sessionKeyMarker, uuid.NewString())
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	return session.Save()
}

// Teardown はセッションを破棄し、クッキーを失効させます。
// セッションが無い状態で呼ばれても安全です（冪等）。
func (SessionIssuer) Teardown(c *gin.Context) error {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{
		Path:   "/",
		MaxAge: -1,
	})
	return session.Save()
}

// RequireLogin はセッションを検証するミドルウェアを返します。
// 有効期限・アイドルタイムアウトを超えたセッションは破棄して 401 を返します。
func RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		userID, ok := session.Get(sessionKeyUserID).(string)
		if !ok || userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "Authentication required.",
			})
			return
		}

		now := time.Now()
		issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
		lastActive := readUnix(session.Get(sessionKeyLastActive))

		if issuedAt.IsZero() || now.Sub(issuedAt) > maxSessionLifetime {
			session.Clear()
			_ = session.Save()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "SESSION_EXPIRED",
				"message": "Session has expired.",
			})
			return
		}

		if lastActive.IsZero() || now.Sub(lastActive) > idleTimeout {
			session.Clear()
			_ = session.Save()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "SESSION_IDLE_TIMEOUT",
				"message": "Session timed out due to inactivity.",
			})
			return
		}

		session.Set(sessionKeyLastActive, now.Unix())
		_ = session.Save()
		c.Set(ContextUserKey, userID)
		c.Next()
	}
}

// SessionUserID はセッションに記録されたユーザーIDを返します。
// 未ログインの場合は空文字を返します。
func SessionUserID(c *gin.Context) string {
	if id, ok := c.Get(ContextUserKey); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	session := sessions.Default(c)
	if id, ok := session.Get(sessionKeyUserID).(string); ok {
		return id
	}
	return ""
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}
