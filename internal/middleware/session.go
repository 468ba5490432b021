// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"net/http"

	"github.com/hitoshi/micuatri/internal/model"
)

// SessionHeaderName はBlackboardセッションのCookie文字列を運ぶリクエストヘッダー。
const SessionHeaderName = "X-Session-Cookie"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// credentialContextKey はリクエストコンテキストにBlackboardセッションを格納するためのキー。
var credentialContextKey = contextKey("session_credential")

// NewSessionMiddleware はリクエストからBlackboardセッションを読み取り、
// リクエストコンテキストに注入するミドルウェアを返す。
// X-Session-Cookieヘッダーを優先し、安全なメソッドに限りCookieヘッダーも受け付ける。
// セッションがないリクエストには401 Unauthorizedを返す。
// セッションの有効性は上流への呼び出し時に判明するため、ここでは検証しない。
func NewSessionMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, ok := CredentialFromRequest(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthorizationExpiredError(0))
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithCredential(r.Context(), cred)))
		})
	}
}

// CredentialFromRequest はリクエストヘッダーからBlackboardセッションを取り出す。
// 画像の<img>要素のようにヘッダーを付けられない取得のため、
// GET/HEADではCookieヘッダーをそのままセッションとして扱う。
func CredentialFromRequest(r *http.Request) (model.SessionCredential, bool) {
	if raw := r.Header.Get(SessionHeaderName); raw != "" {
		cred := model.ParseSessionCredential(raw)
		if !cred.IsEmpty() {
			return cred, true
		}
	}
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		if raw := r.Header.Get("Cookie"); raw != "" {
			cred := model.ParseSessionCredential(raw)
			if !cred.IsEmpty() {
				return cred, true
			}
		}
	}
	return model.SessionCredential{}, false
}

// CredentialFromContext はリクエストコンテキストからBlackboardセッションを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func CredentialFromContext(ctx context.Context) (model.SessionCredential, bool) {
	cred, ok := ctx.Value(credentialContextKey).(model.SessionCredential)
	if !ok || cred.IsEmpty() {
		return model.SessionCredential{}, false
	}
	return cred, true
}

// ContextWithCredential はコンテキストにBlackboardセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithCredential(ctx context.Context, cred model.SessionCredential) context.Context {
	return context.WithValue(ctx, credentialContextKey, cred)
}
