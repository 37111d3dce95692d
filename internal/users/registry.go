// Package users はユーザーレジストリと資格情報の検証を提供します。
package users

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// User は認証済みユーザーのAPI表現です。パスワードハッシュは含めません。
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// record はレジストリ内部のユーザー表現です。
type record struct {
	User
	PasswordHash string `json:"passwordHash"`
}

// Registry はユーザーの検索と登録を提供します。
type Registry interface {
	// FindByEmail はメールアドレスでユーザーを検索します。
	// 見つからない場合は (nil, nil) を返します。
	FindByEmail(ctx context.Context, email string) (*User, string, error)
	// FindByID はIDでユーザーを検索します。見つからない場合は (nil, nil) を返します。
	FindByID(ctx context.Context, id string) (*User, error)
	// Register はユーザーを登録します。メールアドレスは小文字に正規化されます。
	Register(ctx context.Context, name, email, passwordHash string) (*User, error)
}

// CredentialStore は資格情報を検証します。副作用はありません。
type CredentialStore struct {
	registry Registry
}

// NewCredentialStore は CredentialStore を作成します。
func NewCredentialStore(registry Registry) *CredentialStore {
	return &CredentialStore{registry: registry}
}

// Verify はメールアドレスとパスワードの組を検証します。
// メールアドレスが未登録の場合とパスワード不一致の場合を呼び出し側が
// 区別できないよう、どちらも (nil, false) に畳み込みます。
func (s *CredentialStore) Verify(ctx context.Context, email, password string) (*User, bool) {
	user, hash, err := s.registry.FindByEmail(ctx, normalizeEmail(email))
	if err != nil || user == nil {
		// 未登録メールでも応答時間が大きく変わらないようダミー比較を行う
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return nil, false
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, false
	}
	return user, true
}

// dummyHash は有効な形式のbcryptハッシュです。存在しないユーザーへの比較に使います。
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MemoryRegistry はインメモリのユーザーレジストリです。開発とテストで使用します。
type MemoryRegistry struct {
	mu      sync.RWMutex
	byEmail map[string]*record
	byID    map[string]*record
}

// NewMemoryRegistry は空の MemoryRegistry を作成します。
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byEmail: make(map[string]*record),
		byID:    make(map[string]*record),
	}
}

// FindByEmail はメールアドレスでユーザーを検索します。
func (r *MemoryRegistry) FindByEmail(ctx context.Context, email string) (*User, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, "", nil
	}
	user := rec.User
	return &user, rec.PasswordHash, nil
}

// FindByID はIDでユーザーを検索します。
func (r *MemoryRegistry) FindByID(ctx context.Context, id string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	user := rec.User
	return &user, nil
}

// Register はユーザーを登録します。同じメールアドレスは上書きされます。
func (r *MemoryRegistry) Register(ctx context.Context, name, email, passwordHash string) (*User, error) {
	rec := &record{
		User: User{
			ID:    uuid.NewString(),
			Name:  name,
			Email: normalizeEmail(email),
		},
		PasswordHash: passwordHash,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byEmail[rec.Email]; ok {
		delete(r.byID, prev.ID)
	}
	r.byEmail[rec.Email] = rec
	r.byID[rec.ID] = rec

	user := rec.User
	return &user, nil
}

// HashPassword は平文パスワードをbcryptでハッシュ化します。
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
