package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/team-board/internal/audit"
	"github.com/yourusername/team-board/internal/users"
)

const (
	// GenericCredentialsMessage は資格情報エラーの共通メッセージです。
	// メール未登録とパスワード不一致で文言を変えない（列挙攻撃対策）。
	GenericCredentialsMessage = "The credentials you entered are incorrect."

	// LoginSuccessMessage はログイン成功時のメッセージです。
	LoginSuccessMessage = "Login successful"
)

var (
	loginWindow      = 15 * time.Minute
	lockDuration     = 10 * time.Minute
	maxLoginAttempts = 5
)

// AuditRecorder は認証イベントを記録します。記録は fire-and-forget で、
// 認証フローの成否には影響しません。
type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event)
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager はログイン・ログアウト・ユーザー取得のリクエスト処理をまとめた構造体です。
// 1リクエストの流れは CSRF検証（ミドルウェア）→ 資格情報検証 → セッション確立 の順で、
// 手前の段階で失敗したリクエストは後段に到達しません。
type Manager struct {
	creds    *users.CredentialStore
	registry users.Registry
	issuer   SessionIssuer
	recorder AuditRecorder

	lock     sync.Mutex
	attempts map[string]*attemptState
}

// NewManager は認証マネージャーを作成します。recorder は nil でも構いません。
func NewManager(registry users.Registry, recorder AuditRecorder) *Manager {
	return &Manager{
		creds:    users.NewCredentialStore(registry),
		registry: registry,
		recorder: recorder,
		attempts: make(map[string]*attemptState),
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login は POST /auth/login のハンドラーです。
// 資格情報エラーはフィールド単位の 422 で返します。成功時はセッションを
// 必ず作り直してから 200 を返します（ログインは冪等ではありません）。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"message": "The given data was invalid.",
			"errors": gin.H{
				"email": []string{"The email field is required."},
			},
		})
		return
	}

	if errs := validateLoginRequest(&req); len(errs) > 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"message": "The given data was invalid.",
			"errors":  errs,
		})
		return
	}

	ip := c.ClientIP()
	if retryAfter := m.checkLock(ip); retryAfter > 0 {
		m.record(c, audit.Event{Kind: audit.KindLoginLocked, Email: req.Email, ClientIP: ip})
		// Retry-After は秒数またはHTTP-Date形式が推奨されているため秒数で返す
		c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "Too many login attempts. Please try again later.",
		})
		return
	}

	user, ok := m.creds.Verify(c.Request.Context(), req.Email, req.Password)
	if !ok {
		m.recordFailure(ip)
		m.record(c, audit.Event{Kind: audit.KindLoginFailed, Email: req.Email, ClientIP: ip})
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"message": GenericCredentialsMessage,
			"errors": gin.H{
				"email": []string{GenericCredentialsMessage},
			},
		})
		return
	}

	m.resetAttempts(ip)

	if err := m.issuer.Establish(c, user.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "Failed to save session.",
		})
		return
	}

	m.record(c, audit.Event{Kind: audit.KindLoginSucceeded, Email: user.Email, UserID: user.ID, ClientIP: ip})
	c.JSON(http.StatusOK, gin.H{
		"message": LoginSuccessMessage,
		"user":    user,
	})
}

// Logout は POST /logout のハンドラーです。
// セッションが無くても 200 を返します（冪等）。
func (m *Manager) Logout(c *gin.Context) {
	userID := SessionUserID(c)

	if err := m.issuer.Teardown(c); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "Failed to clear session.",
		})
		return
	}

	if userID != "" {
		m.record(c, audit.Event{Kind: audit.KindLogout, UserID: userID, ClientIP: c.ClientIP()})
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// CurrentUser は GET /api/user のハンドラーです。RequireLogin の後段で動きます。
// セッションは有効でもユーザーがレジストリから消えている場合は 401 にします。
func (m *Manager) CurrentUser(c *gin.Context) {
	userID := SessionUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHORIZED",
			"message": "Authentication required.",
		})
		return
	}

	user, err := m.registry.FindByID(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "REGISTRY_ERROR",
			"message": "Failed to look up user.",
		})
		return
	}
	if user == nil {
		_ = m.issuer.Teardown(c)
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHORIZED",
			"message": "Authentication required.",
		})
		return
	}

	c.JSON(http.StatusOK, user)
}

func validateLoginRequest(req *loginRequest) map[string][]string {
	errs := make(map[string][]string)
	if strings.TrimSpace(req.Email) == "" {
		errs["email"] = append(errs["email"], "The email field is required.")
	}
	if req.Password == "" {
		errs["password"] = append(errs["password"], "The password field is required.")
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (m *Manager) record(c *gin.Context, event audit.Event) {
	if m.recorder == nil {
		return
	}
	m.recorder.Record(c.Request.Context(), event)
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := time.Now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return time.Until(state.lockedUntil)
}

func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := time.Now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}

	remaining := maxLoginAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}
