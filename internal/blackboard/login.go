package blackboard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/micuatri/internal/metrics"
	"github.com/hitoshi/micuatri/internal/model"
)

// Authenticate はBlackboardへのスクリプトログインを行い、セッションCookieを返す。
//
// 手順:
//  1. ログインページを未認証でGETし、Set-Cookieを全て取得する（無ければNoInitialCookies）
//  2. HTMLからnonceを抽出する（無ければNonceMissing）
//  3. 取得したCookieを付けてフォームをPOSTする（リダイレクトは追跡しない）
//  4. 302/303/307のみを成功とし、追加のSet-Cookieを蓄積する
//
// それ以外のステータスはInvalidCredentialsとし、上流のHTMLは返さない。
func (c *Client) Authenticate(ctx context.Context, username, password string) (model.SessionCredential, error) {
	cred, err := c.authenticate(ctx, username, password)
	if err != nil {
		c.metrics.RecordLogin(metrics.ResultFailure)
		return model.SessionCredential{}, err
	}
	c.metrics.RecordLogin(metrics.ResultSuccess)
	return cred, nil
}

func (c *Client) authenticate(ctx context.Context, username, password string) (model.SessionCredential, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return model.SessionCredential{}, model.NewArgumentInvalidError("username and password are required")
	}

	hc := c.newHTTPClient(false)
	loginURL := c.baseURL + loginPath

	initial, nonce, err := c.fetchLoginPage(ctx, hc, loginURL)
	if err != nil {
		return model.SessionCredential{}, err
	}

	form := url.Values{}
	form.Set("user_id", username)
	form.Set("password", password)
	form.Set("action", "login")
	form.Set("new_loc", "")
	form.Set(nonceFieldName, nonce)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return model.SessionCredential{}, fmt.Errorf("ログインリクエストの作成に失敗しました: %w", err)
	}
	setBrowserHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", initial.Header())
	req.Header.Set("Referer", loginURL)
	req.Header.Set("Origin", c.baseURL)

	started := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Error("Blackboardログインの送信に失敗しました", slog.String("error", err.Error()))
		return model.SessionCredential{}, fmt.Errorf("ログインの送信に失敗しました: %w", err)
	}
	defer resp.Body.Close()
	// エラーページの本文は読み捨てる。
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageSize))
	c.observe(endpointLoginPost, resp.StatusCode, started)

	switch resp.StatusCode {
	case http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
	default:
		c.logger.Info("Blackboardログインが拒否されました", slog.Int("http_status", resp.StatusCode))
		return model.SessionCredential{}, model.NewInvalidCredentialsError()
	}

	return initial.Merge(parseSetCookies(resp.Header)...), nil
}

// fetchLoginPage はログインページを取得し、初期CookieとnonceをSessionCredentialとして返す。
func (c *Client) fetchLoginPage(ctx context.Context, hc *http.Client, loginURL string) (model.SessionCredential, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loginURL, nil)
	if err != nil {
		return model.SessionCredential{}, "", fmt.Errorf("ログインページリクエストの作成に失敗しました: %w", err)
	}
	setBrowserHeaders(req)

	started := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Error("Blackboardログインページの取得に失敗しました", slog.String("error", err.Error()))
		return model.SessionCredential{}, "", fmt.Errorf("ログインページの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()
	c.observe(endpointLoginPage, resp.StatusCode, started)

	initial := model.NewSessionCredential(parseSetCookies(resp.Header)...)
	if initial.IsEmpty() {
		return model.SessionCredential{}, "", model.NewNoInitialCookiesError()
	}

	nonce := extractInputValue(io.LimitReader(resp.Body, maxPageSize), nonceFieldName)
	if nonce == "" {
		return model.SessionCredential{}, "", model.NewNonceMissingError()
	}

	return initial, nonce, nil
}

// parseSetCookies はSet-Cookieヘッダーから名前と値の組を取り出す。
// 属性（Path, HttpOnly等）は捨て、最初の";"より前だけを使う。
func parseSetCookies(h http.Header) []model.Cookie {
	var cookies []model.Cookie
	for _, raw := range h.Values("Set-Cookie") {
		pair, _, _ := strings.Cut(raw, ";")
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		cookies = append(cookies, model.Cookie{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return cookies
}

func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "*/*")
}
