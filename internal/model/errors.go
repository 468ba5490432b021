// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, upstream, google, system
	Action   string // ユーザー向け対処方法

	// UpstreamStatus は上流（Blackboard/Google）が返したHTTPステータス。上流起因でない場合は0。
	UpstreamStatus int
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.UpstreamStatus != 0 {
		return fmt.Sprintf("[%s] %s (upstream status %d)", e.Code, e.Message, e.UpstreamStatus)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNoInitialCookies     = "NO_INITIAL_COOKIES"
	ErrCodeNonceMissing         = "NONCE_MISSING"
	ErrCodeInvalidCredentials   = "INVALID_CREDENTIALS"
	ErrCodeAuthorizationExpired = "AUTHORIZATION_EXPIRED"
	ErrCodeUpstreamGateway      = "UPSTREAM_GATEWAY_FAILURE"
	ErrCodeArgumentInvalid      = "ARGUMENT_INVALID"
	ErrCodeSSRFRejected         = "SSRF_REJECTED"
	ErrCodeAccountNotLinked     = "ACCOUNT_NOT_LINKED"
	ErrCodeRefreshUnavailable   = "REFRESH_UNAVAILABLE"
	ErrCodeTokenRefreshFailed   = "TOKEN_REFRESH_FAILED"
	ErrCodeHandshakeExpired     = "HANDSHAKE_EXPIRED"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
)

// HasCode はerrがAPIErrorであり、指定コードを持つかを判定する。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewNoInitialCookiesError はログインページがCookieを返さなかった場合のエラーを生成する。
func NewNoInitialCookiesError() *APIError {
	return &APIError{
		Code:     ErrCodeNoInitialCookies,
		Message:  "ログインページから初期Cookieを取得できませんでした。",
		Category: "upstream",
		Action:   "しばらく待ってから再度ログインしてください。",
	}
}

// NewNonceMissingError はログインフォームにnonceが含まれなかった場合のエラーを生成する。
func NewNonceMissingError() *APIError {
	return &APIError{
		Code:     ErrCodeNonceMissing,
		Message:  "ログインフォームのnonceを取得できませんでした。",
		Category: "upstream",
		Action:   "しばらく待ってから再度ログインしてください。",
	}
}

// NewInvalidCredentialsError はログイン失敗エラーを生成する。
// 上流のHTMLエラーページの内容は含めない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "ログインに失敗しました。",
		Category: "auth",
		Action:   "ユーザー名とパスワードを確認してください。",
	}
}

// NewAuthorizationExpiredError はBlackboardセッションが拒否された場合のエラーを生成する。
func NewAuthorizationExpiredError(status int) *APIError {
	return &APIError{
		Code:           ErrCodeAuthorizationExpired,
		Message:        "セッションが無効または期限切れです。",
		Category:       "auth",
		Action:         "ログインし直してください。",
		UpstreamStatus: status,
	}
}

// NewUpstreamGatewayError は上流APIが想定外のステータスを返した場合のエラーを生成する。
func NewUpstreamGatewayError(status int) *APIError {
	return &APIError{
		Code:           ErrCodeUpstreamGateway,
		Message:        fmt.Sprintf("上流APIがエラーを返しました: %d", status),
		Category:       "upstream",
		Action:         "しばらく待ってから再度お試しください。",
		UpstreamStatus: status,
	}
}

// NewUpstreamError は上流の非2xxステータスを分類してエラーを生成する。
// 401/403は認可切れ、それ以外はゲートウェイ失敗として扱う。
func NewUpstreamError(status int) *APIError {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return NewAuthorizationExpiredError(status)
	}
	return NewUpstreamGatewayError(status)
}

// NewArgumentInvalidError は必須入力が欠けている場合のエラーを生成する。
func NewArgumentInvalidError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeArgumentInvalid,
		Message:  fmt.Sprintf("入力が不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewSSRFRejectedError は許可されていないホストへの画像取得を拒否した場合のエラーを生成する。
func NewSSRFRejectedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFRejected,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "Blackboardの画像URLを指定してください。",
	}
}

// NewAccountNotLinkedError はGoogleアカウント未連携エラーを生成する。
func NewAccountNotLinkedError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotLinked,
		Message:  "Googleカレンダーと連携されていません。",
		Category: "google",
		Action:   "/api/auth/google/connect からGoogleアカウントを連携してください。",
	}
}

// NewRefreshUnavailableError はリフレッシュトークンが存在しない場合のエラーを生成する。
func NewRefreshUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeRefreshUnavailable,
		Message:  "リフレッシュトークンがありません。",
		Category: "google",
		Action:   "Googleアカウントを再連携してください。",
	}
}

// NewTokenRefreshFailedError はアクセストークンの更新失敗エラーを生成する。
func NewTokenRefreshFailedError(status int) *APIError {
	return &APIError{
		Code:           ErrCodeTokenRefreshFailed,
		Message:        "Googleアクセストークンの更新に失敗しました。",
		Category:       "google",
		Action:         "しばらく待ってから再度お試しください。解決しない場合はGoogleアカウントを再連携してください。",
		UpstreamStatus: status,
	}
}

// NewHandshakeExpiredError は認可フローのstateが無効または期限切れの場合のエラーを生成する。
func NewHandshakeExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeHandshakeExpired,
		Message:  "stateトークンが無効または期限切れです。",
		Category: "google",
		Action:   "/api/auth/google/connect から認可フローをやり直してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
