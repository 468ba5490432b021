package blackboard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// fallbackImageType は許可リストにないContent-Typeの置き換え先。
const fallbackImageType = "image/jpeg"

// allowedImageTypes は中継時にそのまま返す画像MIMEタイプ。
var allowedImageTypes = map[string]struct{}{
	"image/png":     {},
	"image/jpeg":    {},
	"image/gif":     {},
	"image/webp":    {},
	"image/svg+xml": {},
}

// RelayedImage は中継した画像レスポンス。
// Statusが2xxでない場合、Dataは空になる。
type RelayedImage struct {
	Status      int
	ContentType string
	Data        []byte
}

// RelayImage はBlackboard上の画像をセッションCookie付きで取得する。
// 許可ホスト以外のURLはnil, nilを返す。アバターURLはリダイレクトするため追跡する。
func (c *Client) RelayImage(ctx context.Context, token, imageURL, accept string) (*RelayedImage, error) {
	if !c.isAllowedImageURL(imageURL) {
		c.logger.Warn("画像中継: 許可されていないホスト", slog.String("url", imageURL))
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("画像リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Cookie", normalizeImageCookie(token))
	req.Header.Set("User-Agent", browserUserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	} else {
		req.Header.Set("Accept", "image/*")
	}

	started := time.Now()
	resp, err := c.imageHTTPClient().Do(req)
	if err != nil {
		c.logger.Warn("画像中継: HTTPリクエスト失敗", slog.String("url", imageURL), slog.String("error", err.Error()))
		return nil, fmt.Errorf("画像の取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()
	c.observe(endpointImage, resp.StatusCode, started)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RelayedImage{Status: resp.StatusCode}, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.imageMaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("画像の読み取りに失敗しました: %w", err)
	}
	if int64(len(data)) > c.imageMaxSize {
		c.logger.Warn("画像中継: サイズ超過", slog.String("url", imageURL), slog.Int("size", len(data)))
		return nil, fmt.Errorf("画像サイズが上限を超えています: %d bytes", c.imageMaxSize)
	}

	return &RelayedImage{
		Status:      resp.StatusCode,
		ContentType: normalizeImageType(resp.Header.Get("Content-Type")),
		Data:        data,
	}, nil
}

// isAllowedImageURL はURLのホストがBlackboardのホストと一致し、SSRF検証を通るかを判定する。
func (c *Client) isAllowedImageURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || c.imageHost == "" {
		return false
	}
	if strings.ToLower(u.Hostname()) != c.imageHost {
		return false
	}
	if c.ssrfGuard != nil {
		if err := c.ssrfGuard.ValidateURL(rawURL); err != nil {
			return false
		}
	}
	return true
}

func (c *Client) imageHTTPClient() *http.Client {
	if c.ssrfGuard != nil {
		return c.ssrfGuard.NewSafeClient(c.imageTimeout, c.imageMaxSize)
	}
	return &http.Client{Timeout: c.imageTimeout}
}

// normalizeImageCookie はトークンをCookieヘッダー形式にする。
// "="を含まない生のトークンはbb_sessionとして扱う。
func normalizeImageCookie(token string) string {
	token = strings.TrimSpace(token)
	if strings.Contains(token, "=") {
		return token
	}
	return "bb_session=" + token
}

// normalizeImageType はContent-Typeを許可リストのメディアタイプに揃える。
func normalizeImageType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fallbackImageType
	}
	mediaType = strings.ToLower(mediaType)
	if _, ok := allowedImageTypes[mediaType]; ok {
		return mediaType
	}
	return fallbackImageType
}
