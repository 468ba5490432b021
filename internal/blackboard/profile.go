package blackboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/micuatri/internal/model"
)

// ResolveProfile はセッションCookieで認証済みユーザーのプロフィールを取得する。
// 非2xxはステータスを保持したエラーを返す。欠けているフィールドは空文字列になる。
func (c *Client) ResolveProfile(ctx context.Context, cred model.SessionCredential) (*model.UserProfile, error) {
	if cred.IsEmpty() {
		return nil, model.NewArgumentInvalidError("session credential is required")
	}

	body, err := c.getJSON(ctx, endpointProfile, c.baseURL+profilePath, cred)
	if err != nil {
		return nil, err
	}

	var tree map[string]any
	if err := json.Unmarshal(body, &tree); err != nil {
		return nil, fmt.Errorf("プロフィールのパースに失敗しました: %w", err)
	}

	avatar := lookupString(tree, "avatar", "viewUrl")
	if avatar == "" {
		avatar = lookupString(tree, "avatar", "source")
	}

	return &model.UserProfile{
		GivenName:   lookupString(tree, "name", "given"),
		FamilyName:  lookupString(tree, "name", "family"),
		DisplayName: lookupString(tree, "name", "preferredDisplayName"),
		Email:       lookupString(tree, "contact", "email"),
		AvatarURL:   avatar,
	}, nil
}

// getJSON はセッションCookieを付けてGETし、2xxの場合に本文を返す。
func (c *Client) getJSON(ctx context.Context, endpoint, rawURL string, cred model.SessionCredential) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Cookie", cred.Header())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", browserUserAgent)

	started := time.Now()
	resp, err := c.newHTTPClient(false).Do(req)
	if err != nil {
		c.logger.Error("Blackboard APIの呼び出しに失敗しました",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("Blackboard APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()
	c.observe(endpoint, resp.StatusCode, started)

	// 期限切れのセッションはログインページへのリダイレクトで返る
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		c.logger.Warn("Blackboard APIがログインページへリダイレクトしました",
			slog.String("endpoint", endpoint),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, model.NewAuthorizationExpiredError(resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Blackboard APIがエラーを返しました",
			slog.String("endpoint", endpoint),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, model.NewUpstreamError(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスの読み取りに失敗しました: %w", err)
	}
	return body, nil
}

// lookupString はJSONツリーをキーの順に辿り、文字列値を返す。
// 途中のキーが無い場合や文字列でない場合は空文字列を返す。
func lookupString(tree map[string]any, keys ...string) string {
	var cur any = tree
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[k]
	}
	s, _ := cur.(string)
	return s
}
