// Package google はGoogleアカウント連携とGoogleカレンダーへのエクスポートを提供する。
package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/micuatri/internal/model"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// OAuthScopes は連携時に要求するスコープ。
var OAuthScopes = []string{
	calendar.CalendarEventsScope,
	"openid",
	"email",
	"profile",
}

// OAuthConfig はGoogle OAuthプロバイダーの設定。
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	APIEndpoint string // userinfo APIのベースURL

	// HTTPClient はトークンエンドポイントとuserinfo APIの呼び出しに使う。
	// nilの場合はTimeoutを設定したクライアントを生成する。
	HTTPClient *http.Client
	// Timeout は1回の呼び出しのタイムアウト。HTTPClientがnilの場合のみ使う。
	Timeout time.Duration
}

const defaultOAuthTimeout = 15 * time.Second

// OAuthProvider はGoogle OAuth 2.0の認可コードフローとトークン更新を提供する。
type OAuthProvider struct {
	conf        *oauth2.Config
	apiEndpoint string
	httpClient  *http.Client
}

// NewOAuthProvider はOAuthProviderを生成する。
func NewOAuthProvider(cfg OAuthConfig) *OAuthProvider {
	endpoint := googleoauth.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	// client_id/client_secretはフォーム本文で送る
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultOAuthTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &OAuthProvider{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       OAuthScopes,
		},
		apiEndpoint: cfg.APIEndpoint,
		httpClient:  httpClient,
	}
}

// AuthCodeURL はGoogleの同意画面URLを生成する。
// リフレッシュトークンを確実に受け取るためオフラインアクセスと再同意を要求する。
func (p *OAuthProvider) AuthCodeURL(state string) string {
	return p.conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange は認可コードをトークンに交換し、Googleアカウント情報を取得する。
func (p *OAuthProvider) Exchange(ctx context.Context, code string) (*model.GoogleAccount, error) {
	if code == "" {
		return nil, model.NewArgumentInvalidError("code is required")
	}

	ctx = p.withHTTPClient(ctx)

	token, err := p.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	subject, email := idTokenClaims(token)
	if subject == "" {
		subject, email, err = p.fetchUserInfo(ctx, token)
		if err != nil {
			return nil, err
		}
	}

	return &model.GoogleAccount{
		GoogleID:          subject,
		Email:             email,
		AccessToken:       token.AccessToken,
		RefreshToken:      token.RefreshToken,
		AccessTokenExpiry: token.Expiry,
		Scopes:            grantedScopes(token),
	}, nil
}

// Refresh はリフレッシュトークンで新しいアクセストークンを取得する。
// 上流が拒否した場合はTokenRefreshFailedエラーを返す。
func (p *OAuthProvider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, model.NewRefreshUnavailableError()
	}

	ctx = p.withHTTPClient(ctx)
	token, err := p.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		status := 0
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		slog.Warn("google token refresh failed",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		return nil, model.NewTokenRefreshFailedError(status)
	}
	return token, nil
}

// fetchUserInfo はuserinfo APIからGoogleアカウントのIDとメールアドレスを取得する。
func (p *OAuthProvider) fetchUserInfo(ctx context.Context, token *oauth2.Token) (string, string, error) {
	opts := []option.ClientOption{
		option.WithHTTPClient(oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))),
	}
	if p.apiEndpoint != "" {
		opts = append(opts, option.WithEndpoint(p.apiEndpoint))
	}
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return "", "", fmt.Errorf("failed to create userinfo service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch user info: %w", err)
	}
	if info.Id == "" {
		return "", "", fmt.Errorf("empty id in user info response")
	}
	return info.Id, info.Email, nil
}

// idTokenClaims はトークンレスポンスのid_tokenからsubとemailを読み出す。
// id_tokenはトークンエンドポイントから直接受け取ったものなので署名検証は行わない。
// 読み出せない場合は空文字列を返す。
func idTokenClaims(token *oauth2.Token) (string, string) {
	raw, _ := token.Extra("id_token").(string)
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return "", ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return "", ""
	}
	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", ""
	}
	return claims.Sub, claims.Email
}

func (p *OAuthProvider) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// grantedScopes はトークンレスポンスのscopeを分解する。含まれない場合は要求したスコープを返す。
func grantedScopes(token *oauth2.Token) []string {
	raw, _ := token.Extra("scope").(string)
	if fields := strings.Fields(raw); len(fields) > 0 {
		return fields
	}
	out := make([]string, len(OAuthScopes))
	copy(out, OAuthScopes)
	return out
}
