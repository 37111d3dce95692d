package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// CsrfCookieName はクライアントが読み取れるCSRFトークンクッキーの名前です。
	CsrfCookieName = "XSRF-TOKEN"
	// CsrfHeaderName はクッキー値をミラーするリクエストヘッダーの名前です。
	CsrfHeaderName = "X-XSRF-TOKEN"

	// StatusPageExpired はCSRF不一致時に返すステータスコードです（419相当）。
	StatusPageExpired = 419

	csrfTokenBytes = 32
)

// CsrfGuard はダブルサブミット方式のCSRF保護を提供します。
// トークンはクライアントが読めるクッキーとして発行し、変更系リクエストでは
// 同じ値をヘッダーで送り返させて、両者の一致のみを検証します。
type CsrfGuard struct {
	secureCookie bool
}

// NewCsrfGuard は CsrfGuard を作成します。
func NewCsrfGuard(secureCookie bool) *CsrfGuard {
	return &CsrfGuard{secureCookie: secureCookie}
}

// Issue は GET /auth/csrf-cookie のハンドラーです。
// 有効なトークンクッキーが既にあれば何もしません（冪等）。
func (g *CsrfGuard) Issue(c *gin.Context) {
	if token, err := c.Cookie(CsrfCookieName); err == nil && validToken(token) {
		c.Status(http.StatusNoContent)
		return
	}

	token, err := generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "Failed to generate CSRF token.",
		})
		return
	}

	g.setCookie(c, token)
	c.Status(http.StatusNoContent)
}

// Verify は変更系リクエストのCSRFトークンを検証するミドルウェアです。
// クッキー値とヘッダー値の等価性のみを確認します。不一致は資格情報の
// 検証より前に 419 で打ち切られます。
func (g *CsrfGuard) Verify() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		cookieToken, err := c.Cookie(CsrfCookieName)
		if err != nil || cookieToken == "" {
			c.AbortWithStatusJSON(StatusPageExpired, gin.H{
				"code":    "CSRF_MISSING",
				"message": "CSRF token is missing.",
			})
			return
		}

		headerToken := c.GetHeader(CsrfHeaderName)
		if subtle.ConstantTimeCompare([]byte(cookieToken), []byte(headerToken)) != 1 {
			c.AbortWithStatusJSON(StatusPageExpired, gin.H{
				"code":    "CSRF_INVALID",
				"message": "CSRF token mismatch.",
			})
			return
		}

		c.Next()
	}
}

func (g *CsrfGuard) setCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	// JavaScriptから読み取ってヘッダーへ写す前提なので HttpOnly にはしない
	c.SetCookie(CsrfCookieName, token, SessionMaxAgeSeconds(), "/", "", g.secureCookie, false)
}

func generateToken() (string, error) {
	buf := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func validToken(token string) bool {
	if len(token) != csrfTokenBytes*2 {
		return false
	}
	if _, err := hex.DecodeString(token); err != nil {
		return false
	}
	return true
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
