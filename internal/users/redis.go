package users

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	userKeyPrefix  = "user:"
	emailKeyPrefix = "user:email:"
)

// RedisRegistry はユーザーを Redis に保存するレジストリです。
type RedisRegistry struct {
	rdb *redis.Client
}

// NewRedisRegistry は RedisRegistry を作成します。
func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

// FindByEmail はメールアドレスでユーザーを検索します。
func (r *RedisRegistry) FindByEmail(ctx context.Context, email string) (*User, string, error) {
	id, err := r.rdb.Get(ctx, emailKey(normalizeEmail(email))).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, "", nil
		}
		return nil, "", err
	}
	rec, err := r.load(ctx, id)
	if err != nil || rec == nil {
		return nil, "", err
	}
	user := rec.User
	return &user, rec.PasswordHash, nil
}

// FindByID はIDでユーザーを検索します。
func (r *RedisRegistry) FindByID(ctx context.Context, id string) (*User, error) {
	rec, err := r.load(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	user := rec.User
	return &user, nil
}

// Register はユーザーを登録します。同じメールアドレスは上書きされます。
func (r *RedisRegistry) Register(ctx context.Context, name, email, passwordHash string) (*User, error) {
	rec := &record{
		User: User{
			ID:    uuid.NewString(),
			Name:  name,
			Email: normalizeEmail(email),
		},
		PasswordHash: passwordHash,
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	// 既存の同一メールのレコードは参照を付け替えるだけで残骸を残さない
	if prevID, err := r.rdb.Get(ctx, emailKey(rec.Email)).Result(); err == nil && prevID != "" {
		if err := r.rdb.Del(ctx, userKey(prevID)).Err(); err != nil {
			return nil, err
		}
	}

	if err := r.rdb.Set(ctx, userKey(rec.ID), payload, 0).Err(); err != nil {
		return nil, err
	}
	if err := r.rdb.Set(ctx, emailKey(rec.Email), rec.ID, 0).Err(); err != nil {
		return nil, err
	}

	user := rec.User
	return &user, nil
}

func (r *RedisRegistry) load(ctx context.Context, id string) (*record, error) {
	if id == "" {
		return nil, fmt.Errorf("user id is required")
	}
	data, err := r.rdb.Get(ctx, userKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func userKey(id string) string {
	return userKeyPrefix + id
}

func emailKey(email string) string {
	return emailKeyPrefix + email
}
