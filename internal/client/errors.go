// Package client はバックエンドの認証APIに対するクライアント側の
// セッション状態機械とナビゲーションガードを提供します。
package client

import (
	"fmt"
	"net/http"
)

// ErrorKind は認証フローの失敗種別を表します。
// 呼び出し側がステータスコードを直接見て分岐しなくて済むよう、
// プロトコルハンドラー境界でこの型に畳み込みます。
type ErrorKind int

const (
	// KindNetworkOrUnknown はネットワーク障害やその他の失敗です。自動リトライはしません。
	KindNetworkOrUnknown ErrorKind = iota
	// KindCsrfMismatch はCSRFヘッダーの欠落・不一致です。自動リトライはしません。
	KindCsrfMismatch
	// KindInvalidCredentials は資格情報エラー（422相当）です。
	KindInvalidCredentials
	// KindUnauthenticated はセッションの失効・不在（401）です。
	KindUnauthenticated
)

// String は種別名を返します。
func (k ErrorKind) String() string {
	switch k {
	case KindCsrfMismatch:
		return "csrf_mismatch"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindUnauthenticated:
		return "unauthenticated"
	default:
		return "network_or_unknown"
	}
}

// APIError はサーバー応答から分類した失敗を表します。
type APIError struct {
	Kind    ErrorKind
	Status  int
	Message string
	// Fields は 422 応答に含まれるフィールド単位のエラーメッセージです。
	Fields map[string][]string
}

// Error は error インターフェースを満たします。
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}

// statusPageExpired はLaravel互換のCSRFエラーコードです。
const statusPageExpired = 419

// classifyStatus はHTTPステータスコードを失敗種別へ写像します。
func classifyStatus(status int) ErrorKind {
	switch status {
	case statusPageExpired, http.StatusForbidden:
		return KindCsrfMismatch
	case http.StatusUnprocessableEntity:
		return KindInvalidCredentials
	case http.StatusUnauthorized:
		return KindUnauthenticated
	default:
		return KindNetworkOrUnknown
	}
}
