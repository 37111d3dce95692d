package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/team-board/internal/audit"
	"github.com/yourusername/team-board/internal/users"
)

type stubRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *stubRecorder) Record(ctx context.Context, event audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *stubRecorder) kinds() []audit.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]audit.Kind, len(r.events))
	for i, event := range r.events {
		kinds[i] = event.Kind
	}
	return kinds
}

// countingRegistry は資格情報の検証が行われたかどうかを数えます。
type countingRegistry struct {
	users.Registry
	mu               sync.Mutex
	findByEmailCalls int
}

func (r *countingRegistry) FindByEmail(ctx context.Context, email string) (*users.User, string, error) {
	r.mu.Lock()
	r.findByEmailCalls++
	r.mu.Unlock()
	return r.Registry.FindByEmail(ctx, email)
}

func newAuthRouter(t *testing.T) (*gin.Engine, *countingRegistry, *stubRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	memory := users.NewMemoryRegistry()
	hash, err := users.HashPassword("password123")
	if err != nil {
		t.Fatalf("HashPassword returned error: %v", err)
	}
	if _, err := memory.Register(context.Background(), "Test User", "test@example.com", hash); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	registry := &countingRegistry{Registry: memory}
	recorder := &stubRecorder{}
	manager := NewManager(registry, recorder)
	csrf := NewCsrfGuard(false)

	router := gin.New()
	store := cookie.NewStore([]byte("test-session-secret"))
	store.Options(sessions.Options{Path: "/", MaxAge: SessionMaxAgeSeconds(), HttpOnly: true})
	router.Use(sessions.Sessions(SessionCookieName, store))

	router.GET("/auth/csrf-cookie", csrf.Issue)
	router.POST("/auth/login", csrf.Verify(), manager.Login)
	router.POST("/logout", csrf.Verify(), manager.Logout)
	api := router.Group("/api")
	api.Use(RequireLogin())
	api.GET("/user", manager.CurrentUser)

	return router, registry, recorder
}

func primeCsrf(t *testing.T, router *gin.Engine) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/csrf-cookie", nil))
	for _, c := range rec.Result().Cookies() {
		if c.Name == CsrfCookieName {
			return c
		}
	}
	t.Fatal("expected XSRF-TOKEN cookie")
	return nil
}

func postLogin(router *gin.Engine, csrf *http.Cookie, email, password string, extra ...*http.Cookie) *httptest.ResponseRecorder {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if csrf != nil {
		req.AddCookie(csrf)
		req.Header.Set(CsrfHeaderName, csrf.Value)
	}
	for _, c := range extra {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	return nil
}

type loginResponse struct {
	Message string              `json:"message"`
	User    users.User          `json:"user"`
	Errors  map[string][]string `json:"errors"`
}

func TestLoginSuccess(t *testing.T) {
	router, _, recorder := newAuthRouter(t)
	csrf := primeCsrf(t, router)

	rec := postLogin(router, csrf, "test@example.com", "password123")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}

	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Message != LoginSuccessMessage {
		t.Fatalf("unexpected message: %q", resp.Message)
	}
	if resp.User.Email != "test@example.com" {
		t.Fatalf("unexpected user email: %q", resp.User.Email)
	}

	session := sessionCookie(rec)
	if session == nil {
		t.Fatal("expected session cookie to be set")
	}

	// セッションクッキーで認証済みユーザーを取得できる
	req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
	req.AddCookie(session)
	userRec := httptest.NewRecorder()
	router.ServeHTTP(userRec, req)
	if userRec.Code != http.StatusOK {
		t.Fatalf("unexpected status from /api/user: %d body=%s", userRec.Code, userRec.Body.String())
	}
	var fetched users.User
	if err := json.Unmarshal(userRec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("failed to parse user: %v", err)
	}
	if fetched.Email != "test@example.com" {
		t.Fatalf("unexpected fetched email: %q", fetched.Email)
	}

	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != audit.KindLoginSucceeded {
		t.Fatalf("unexpected audit events: %v", kinds)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	router, _, recorder := newAuthRouter(t)
	csrf := primeCsrf(t, router)

	rec := postLogin(router, csrf, "test@example.com", "wrongpassword")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}

	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Errors["email"]) != 1 || resp.Errors["email"][0] != GenericCredentialsMessage {
		t.Fatalf("unexpected errors: %#v", resp.Errors)
	}
	if sessionCookie(rec) != nil {
		t.Fatal("expected no session cookie on failed login")
	}

	// ログインに失敗した後の認証済みエンドポイントは 401
	userRec := httptest.NewRecorder()
	router.ServeHTTP(userRec, httptest.NewRequest(http.MethodGet, "/api/user", nil))
	if userRec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 from /api/user, got %d", userRec.Code)
	}

	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != audit.KindLoginFailed {
		t.Fatalf("unexpected audit events: %v", kinds)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	router, _, _ := newAuthRouter(t)
	csrf := primeCsrf(t, router)

	wrongPassword := postLogin(router, csrf, "test@example.com", "wrongpassword")
	unknownEmail := postLogin(router, csrf, "nobody@example.com", "password123")

	if wrongPassword.Code != unknownEmail.Code {
		t.Fatalf("status differs: %d vs %d", wrongPassword.Code, unknownEmail.Code)
	}
	if !bytes.Equal(wrongPassword.Body.Bytes(), unknownEmail.Body.Bytes()) {
		t.Fatalf("bodies differ: %s vs %s", wrongPassword.Body.String(), unknownEmail.Body.String())
	}
}

func TestLoginValidation(t *testing.T) {
	router, registry, _ := newAuthRouter(t)
	csrf := primeCsrf(t, router)

	rec := postLogin(router, csrf, "", "password123")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Errors["email"]) == 0 {
		t.Fatalf("expected email validation error, got %#v", resp.Errors)
	}
	if registry.findByEmailCalls != 0 {
		t.Fatalf("expected no credential lookup on validation failure, got %d", registry.findByEmailCalls)
	}
}

func TestCsrfFailurePrecedesCredentialCheck(t *testing.T) {
	router, registry, _ := newAuthRouter(t)

	// CSRFクッキーもヘッダーも無しでログイン
	rec := postLogin(router, nil, "test@example.com", "password123")
	if rec.Code != StatusPageExpired {
		t.Fatalf("expected %d, got %d", StatusPageExpired, rec.Code)
	}
	if registry.findByEmailCalls != 0 {
		t.Fatalf("expected credential store to be untouched, got %d calls", registry.findByEmailCalls)
	}
}

func TestLoginRegeneratesSession(t *testing.T) {
	router, _, _ := newAuthRouter(t)
	csrf := primeCsrf(t, router)

	first := postLogin(router, csrf, "test@example.com", "password123")
	firstCookie := sessionCookie(first)
	if firstCookie == nil {
		t.Fatal("expected session cookie on first login")
	}

	// 既存セッションを持ったまま再ログインしてもセッションは作り直される
	second := postLogin(router, csrf, "test@example.com", "password123", firstCookie)
	secondCookie := sessionCookie(second)
	if secondCookie == nil {
		t.Fatal("expected session cookie on second login")
	}
	if secondCookie.Value == firstCookie.Value {
		t.Fatal("expected session value to change on re-login")
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	router, _, recorder := newAuthRouter(t)
	csrf := primeCsrf(t, router)

	login := postLogin(router, csrf, "test@example.com", "password123")
	session := sessionCookie(login)
	if session == nil {
		t.Fatal("expected session cookie")
	}

	logout := func(withSession bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/logout", nil)
		req.AddCookie(csrf)
		req.Header.Set(CsrfHeaderName, csrf.Value)
		if withSession {
			req.AddCookie(session)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	if rec := logout(true); rec.Code != http.StatusOK {
		t.Fatalf("unexpected status on first logout: %d", rec.Code)
	}
	// セッションが無い状態でのログアウトも成功する
	if rec := logout(false); rec.Code != http.StatusOK {
		t.Fatalf("unexpected status on second logout: %d", rec.Code)
	}

	// ログアウト後（クッキー削除後）の認証済みエンドポイントは 401
	userRec := httptest.NewRecorder()
	router.ServeHTTP(userRec, httptest.NewRequest(http.MethodGet, "/api/user", nil))
	if userRec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", userRec.Code)
	}

	kinds := recorder.kinds()
	if len(kinds) != 2 || kinds[0] != audit.KindLoginSucceeded || kinds[1] != audit.KindLogout {
		t.Fatalf("unexpected audit events: %v", kinds)
	}
}

func TestLoginLockout(t *testing.T) {
	router, _, _ := newAuthRouter(t)
	csrf := primeCsrf(t, router)

	for i := 0; i < maxLoginAttempts; i++ {
		rec := postLogin(router, csrf, "test@example.com", "wrongpassword")
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("attempt %d: unexpected status %d", i+1, rec.Code)
		}
	}

	// ロック中は正しい資格情報でも 429
	rec := postLogin(router, csrf, "test@example.com", "password123")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 while locked, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestCurrentUserGoneFromRegistry(t *testing.T) {
	router, registry, _ := newAuthRouter(t)
	csrf := primeCsrf(t, router)

	login := postLogin(router, csrf, "test@example.com", "password123")
	session := sessionCookie(login)
	if session == nil {
		t.Fatal("expected session cookie")
	}

	// 同じメールで登録し直すと旧IDのレコードは消える
	hash, err := users.HashPassword("password123")
	if err != nil {
		t.Fatalf("HashPassword returned error: %v", err)
	}
	if _, err := registry.Register(context.Background(), "Replacement", "test@example.com", hash); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
	req.AddCookie(session)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for vanished user, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestLockoutIsPerClient(t *testing.T) {
	router, _, _ := newAuthRouter(t)
	csrf := primeCsrf(t, router)

	body, _ := json.Marshal(map[string]string{"email": "test@example.com", "password": "wrongpassword"})
	for i := 0; i < maxLoginAttempts; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "198.51.100.7:1234"
		req.AddCookie(csrf)
		req.Header.Set(CsrfHeaderName, csrf.Value)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("attempt %d: unexpected status %d", i+1, rec.Code)
		}
	}

	// 別のクライアントIPはロックの影響を受けない
	okBody, _ := json.Marshal(map[string]string{"email": "test@example.com", "password": "password123"})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(okBody))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = fmt.Sprintf("%s:%d", "203.0.113.9", 4321)
	req.AddCookie(csrf)
	req.Header.Set(CsrfHeaderName, csrf.Value)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected other client to log in, got %d", rec.Code)
	}
}
