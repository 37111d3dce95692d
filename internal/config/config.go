// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// セッション設定
	SessionSecret string // セッションクッキー署名用の秘密鍵

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ユーザーレジストリ設定
	UsersRedisURL string // ユーザーレジストリ用Redis接続URL（空ならインメモリ）

	// 初期ユーザー（開発用シード）
	SeedUserName         string // シードユーザーの表示名
	SeedUserEmail        string // シードユーザーのメールアドレス
	SeedUserPasswordHash string // bcryptでハッシュ化されたシードユーザーのパスワード

	// 監査ログ設定
	AuditRedisURL    string // 監査ログ用Redis接続URL（Asynqと共用）
	AuditRetainHours int    // 監査レコードの保持時間（時間）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// セッション設定
		SessionSecret: getEnv("SESSION_SECRET", ""),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ユーザーレジストリ設定
		UsersRedisURL: getEnv("USERS_REDIS_URL", ""),

		// 初期ユーザー
		SeedUserName:         getEnv("SEED_USER_NAME", ""),
		SeedUserEmail:        getEnv("SEED_USER_EMAIL", ""),
		SeedUserPasswordHash: getEnv("SEED_USER_PASSWORD_HASH", ""),

		// 監査ログ設定
		AuditRedisURL:    getEnv("AUDIT_REDIS_URL", ""),
		AuditRetainHours: getEnvAsInt("AUDIT_RETAIN_HOURS", 72),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発ではシードユーザーは任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.UsersRedisURL == "" && c.SeedUserEmail == "" {
			return fmt.Errorf("USERS_REDIS_URL or SEED_USER_EMAIL is required in release mode")
		}
		if c.SeedUserEmail != "" && c.SeedUserPasswordHash == "" {
			return fmt.Errorf("SEED_USER_PASSWORD_HASH is required when SEED_USER_EMAIL is set")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
