// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/team-board/internal/audit"
	"github.com/yourusername/team-board/internal/auth"
	"github.com/yourusername/team-board/internal/config"
	"github.com/yourusername/team-board/internal/users"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"X-Requested-With",
		auth.CsrfHeaderName, // CSRF保護用ヘッダー
	}
	router.Use(cors.New(corsConfig))

	// ユーザーレジストリの準備
	registry, err := setupRegistry(cfg)
	if err != nil {
		log.Fatalf("Failed to set up user registry: %v", err)
	}

	// 監査ログの準備（AUDIT_REDIS_URL 未設定なら無効）
	auditManager, err := setupAudit(cfg)
	if err != nil {
		log.Fatalf("Failed to set up audit log: %v", err)
	}
	var recorder auth.AuditRecorder
	if auditManager != nil {
		auditManager.StartWorkers()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = auditManager.Shutdown(ctx)
		}()
		recorder = auditManager
	}

	// ルーティングの設定
	setupRoutes(router, cfg, registry, recorder)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "team-board-api",
		"version": "0.1.0",
	})
}

// setupRegistry はユーザーレジストリを構築し、設定にあればシードユーザーを登録します。
func setupRegistry(cfg *config.Config) (users.Registry, error) {
	var registry users.Registry
	if cfg.UsersRedisURL != "" {
		opt, err := redis.ParseURL(cfg.UsersRedisURL)
		if err != nil {
			return nil, err
		}
		registry = users.NewRedisRegistry(redis.NewClient(opt))
	} else {
		registry = users.NewMemoryRegistry()
	}

	if cfg.SeedUserEmail != "" && cfg.SeedUserPasswordHash != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := registry.Register(ctx, cfg.SeedUserName, cfg.SeedUserEmail, cfg.SeedUserPasswordHash); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// setupAudit は監査ログのストアとワーカーを構築します。
func setupAudit(cfg *config.Config) (*audit.Manager, error) {
	if cfg.AuditRedisURL == "" {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.AuditRedisURL)
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(cfg.AuditRetainHours) * time.Hour
	store := audit.NewStore(redis.NewClient(opt), ttl)
	return audit.NewManager(cfg.AuditRedisURL, store, log.Default())
}

// setupRoutes は認証周りの配線を行います。
// ログインは CSRF検証 → 資格情報検証 → セッション確立 の順になるよう、
// CSRFミドルウェアをハンドラーの手前に置きます。
func setupRoutes(router *gin.Engine, cfg *config.Config, registry users.Registry, recorder auth.AuditRecorder) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	manager := auth.NewManager(registry, recorder)
	csrf := auth.NewCsrfGuard(cfg.GinMode == gin.ReleaseMode)

	authRoutes := router.Group("/auth")
	{
		authRoutes.GET("/csrf-cookie", csrf.Issue)
		authRoutes.POST("/login", csrf.Verify(), manager.Login)
	}

	router.POST("/logout", csrf.Verify(), manager.Logout)

	api := router.Group("/api")
	api.Use(auth.RequireLogin())
	{
		api.GET("/user", manager.CurrentUser)
	}
}
