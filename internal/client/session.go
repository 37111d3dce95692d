package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/yourusername/team-board/internal/auth"
	"github.com/yourusername/team-board/internal/users"
)

const (
	// markerHeader はスクリプトからの呼び出しであることをサーバーに伝えます。
	markerHeader      = "X-Requested-With"
	markerHeaderValue = "XMLHttpRequest"

	// generalErrorKey は画面全体に出すエラーメッセージのキーです。
	generalErrorKey = "general"

	loginFailedMessage = "Login failed. Try again."

	defaultTimeout = 10 * time.Second
)

// Credential はログインフォームの入力値です。検証の呼び出しを超えて保持しません。
type Credential struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Navigator は画面遷移を実行します。ルート名は routes.go の定数を使います。
type Navigator interface {
	Navigate(routeName string)
}

// NavigatorFunc は関数を Navigator として使うためのアダプターです。
type NavigatorFunc func(routeName string)

// Navigate は f(routeName) を呼び出します。
func (f NavigatorFunc) Navigate(routeName string) { f(routeName) }

// Options は Session の構成です。
type Options struct {
	// BaseURL はバックエンドAPIのベースURLです（必須）。
	BaseURL string
	// Snapshots はユーザースナップショットの保存先です。nil なら永続化しません。
	Snapshots SnapshotStore
	// Navigator は画面遷移先です。nil なら遷移は無視されます。
	Navigator Navigator
	// Timeout はHTTPリクエストのタイムアウトです。0 なら既定値を使います。
	Timeout time.Duration
}

// Session はクライアント側の認証状態機械です。
// 「認証済みかどうか」の唯一の情報源としてUI各所から共有される前提で、
// 外部へは読み取り専用のアクセサと操作メソッドのみを公開します。
type Session struct {
	base      *url.URL
	http      *http.Client
	jar       http.CookieJar
	snapshots SnapshotStore
	navigator Navigator

	mu      sync.Mutex
	user    *users.User
	loading bool
	errors  map[string][]string
}

// NewSession は Session を作成します。
func NewSession(opts Options) (*Session, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Session{
		base: base,
		http: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
		jar:       jar,
		snapshots: opts.Snapshots,
		navigator: opts.Navigator,
		errors:    make(map[string][]string),
	}, nil
}

// User は現在のユーザーのコピーを返します。未認証なら nil です。
func (s *Session) User() *users.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	user := *s.user
	return &user
}

// IsAuthenticated は最後に確認できた状態で認証済みかどうかを返します。
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user != nil
}

// Loading はリクエスト実行中かどうかを返します。
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Errors は直近の操作のエラーメッセージのコピーを返します。
func (s *Session) Errors() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.errors))
	for k, v := range s.errors {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Guard はナビゲーションガードの判定を返します。
func (s *Session) Guard(route Route) Decision {
	return DecideNavigation(route, s.IsAuthenticated())
}

// Login は資格情報でログインします。
// 流れ: CSRFクッキーの準備 → ログインPOST → 認証済みユーザー取得。
// ログイン応答にもユーザーが含まれますが、セッションが実際に有効かを
// 確認するため、認証必須エンドポイントからの取得結果を正とします。
// loading は成功・失敗のどの経路でも必ず false に戻ります。
func (s *Session) Login(ctx context.Context, cred Credential) error {
	s.mu.Lock()
	s.loading = true
	s.errors = make(map[string][]string)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	}()

	if err := s.ensureCsrfCookie(ctx); err != nil {
		s.setGeneralError(loginFailedMessage)
		return err
	}

	if apiErr := s.doJSON(ctx, http.MethodPost, "/auth/login", cred, nil); apiErr != nil {
		if apiErr.Kind == KindInvalidCredentials && len(apiErr.Fields) > 0 {
			s.setFieldErrors(apiErr.Fields)
		} else {
			s.setGeneralError(loginFailedMessage)
		}
		return apiErr
	}

	var user users.User
	if apiErr := s.doJSON(ctx, http.MethodGet, "/api/user", nil, &user); apiErr != nil {
		s.setGeneralError(loginFailedMessage)
		return apiErr
	}

	s.setUser(&user)
	return nil
}

// Logout はログアウトします。サーバー呼び出しが失敗しても（ネットワーク
// 障害を含め）ローカルの状態とスナップショットは必ずクリアし、ログイン
// ルートへ遷移します。UIは常にログアウト済みになります。
func (s *Session) Logout(ctx context.Context) {
	_ = s.doJSON(ctx, http.MethodPost, "/logout", nil, nil)

	s.signOutLocally()
	s.navigateTo(RouteLogin)
}

// FetchUser は認証済みユーザーを取得します。
// 失敗（401・ネットワーク障害を問わず）はサーバー側セッションの失効を
// 意味するものとして、ローカル状態とスナップショットをクリアします。
func (s *Session) FetchUser(ctx context.Context) error {
	var user users.User
	if apiErr := s.doJSON(ctx, http.MethodGet, "/api/user", nil, &user); apiErr != nil {
		s.signOutLocally()
		return apiErr
	}

	s.setUser(&user)
	return nil
}

// RestoreUser はアプリ起動時にスナップショットからユーザーを楽観的に
// 復元します。サーバーには問い合わせず、loading も変更しません。壊れた
// スナップショットは破棄して保存先からも削除します。復元後の裏取りは
// 後続の FetchUser に委ねます。
func (s *Session) RestoreUser() {
	if s.snapshots == nil {
		return
	}
	data, err := s.snapshots.Load()
	if err != nil || len(data) == 0 {
		return
	}

	var user users.User
	if err := json.Unmarshal(data, &user); err != nil || user.ID == "" || user.Email == "" {
		_ = s.snapshots.Clear()
		return
	}

	s.mu.Lock()
	s.user = &user
	s.mu.Unlock()
}

// ensureCsrfCookie はCSRFトークンクッキーが無ければ発行エンドポイントを叩きます。
func (s *Session) ensureCsrfCookie(ctx context.Context) error {
	if s.csrfToken() != "" {
		return nil
	}
	if apiErr := s.doJSON(ctx, http.MethodGet, "/auth/csrf-cookie", nil, nil); apiErr != nil {
		return apiErr
	}
	return nil
}

// csrfToken はクッキージャーから現在のCSRFトークンを読み取ります。
// トークンはサーバー側の方針で入れ替わることがあるため、リクエストの
// たびに読み直します。
func (s *Session) csrfToken() string {
	for _, cookie := range s.jar.Cookies(s.base) {
		if cookie.Name == auth.CsrfCookieName {
			return cookie.Value
		}
	}
	return ""
}

type apiResponse struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

// doJSON は1往復のJSONリクエストを実行し、失敗を APIError に分類します。
// 401 を観測した場合は、どの呼び出しであってもローカル状態をクリアして
// ログインルートへ遷移します（全体に効く応答インターセプター相当）。
func (s *Session) doJSON(ctx context.Context, method, path string, body, out any) *APIError {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &APIError{Kind: KindNetworkOrUnknown, Message: err.Error()}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.base.JoinPath(path).String(), reader)
	if err != nil {
		return &APIError{Kind: KindNetworkOrUnknown, Message: err.Error()}
	}
	req.Header.Set(markerHeader, markerHeaderValue)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !isSafeMethod(method) {
		if token := s.csrfToken(); token != "" {
			req.Header.Set(auth.CsrfHeaderName, token)
		}
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return &APIError{Kind: KindNetworkOrUnknown, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return &APIError{Kind: KindNetworkOrUnknown, Message: err.Error()}
			}
		}
		return nil
	}

	apiErr := &APIError{
		Kind:   classifyStatus(resp.StatusCode),
		Status: resp.StatusCode,
	}
	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err == nil {
		apiErr.Message = parsed.Message
		apiErr.Fields = parsed.Errors
	}

	if apiErr.Kind == KindUnauthenticated {
		s.signOutLocally()
		s.navigateTo(RouteLogin)
	}
	return apiErr
}

func (s *Session) setUser(user *users.User) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()

	if s.snapshots != nil && user != nil {
		if data, err := json.Marshal(user); err == nil {
			_ = s.snapshots.Save(data)
		}
	}
}

func (s *Session) signOutLocally() {
	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()

	if s.snapshots != nil {
		_ = s.snapshots.Clear()
	}
}

func (s *Session) setFieldErrors(fields map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = make(map[string][]string, len(fields))
	for k, v := range fields {
		s.errors[k] = append([]string(nil), v...)
	}
}

func (s *Session) setGeneralError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = map[string][]string{generalErrorKey: {message}}
}

func (s *Session) navigateTo(routeName string) {
	if s.navigator != nil {
		s.navigator.Navigate(routeName)
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
