// Package blackboard はBlackboard（aulavirtual）とのセッションエミュレーションを提供する。
// ログインAPIを持たないサイトに対してCookieレベルのHTMLログインを行い、
// 得られたセッションでプロフィール、カレンダー、画像を取得する。
package blackboard

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/micuatri/internal/metrics"
)

const (
	// DefaultBaseURL はBlackboardのベースURL。
	DefaultBaseURL = "https://aulavirtual.ual.es"

	loginPath    = "/webapps/login/"
	profilePath  = "/learn/api/public/v1/users/me"
	calendarPath = "/learn/api/public/v1/calendars/items"

	// nonceFieldName はログインフォームに埋め込まれたanti-forgery nonceのinput名。
	nonceFieldName = "blackboard.platform.security.NonceUtil.nonce.ajax"

	// browserUserAgent はログインフローで送るブラウザ相当のUser-Agent。
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	defaultTimeout      = 15 * time.Second
	defaultImageTimeout = 30 * time.Second
	defaultImageMaxSize = 5 * 1024 * 1024

	// maxPageSize はログインページとAPIレスポンスの読み取り上限。
	maxPageSize = 2 * 1024 * 1024
)

// メトリクスのendpointラベル値
const (
	endpointLoginPage = "login_page"
	endpointLoginPost = "login_post"
	endpointProfile   = "profile"
	endpointCalendar  = "calendar"
	endpointImage     = "image"
)

// SSRFValidator はSSRF検証と安全なHTTPクライアント生成のインターフェース。
// security.SSRFGuardServiceと同じメソッドを持つ。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Sanitizer はカレンダー説明文のHTMLサニタイザ。
type Sanitizer interface {
	Sanitize(rawHTML string) string
}

// Options はClientの生成オプション。ゼロ値のフィールドはデフォルト値で補う。
type Options struct {
	BaseURL      string
	Timeout      time.Duration
	ImageTimeout time.Duration
	ImageMaxSize int64
	SSRFGuard    SSRFValidator
	Sanitizer    Sanitizer
	Metrics      metrics.MetricsCollector
	Logger       *slog.Logger
}

// Client はBlackboardへのHTTPアクセスをまとめたクライアント。
// 論理操作ごとにCookie Jarを持たない新しいhttp.Clientを生成し、
// リクエスト間で資格情報が混ざらないようにする。
type Client struct {
	baseURL      string
	imageHost    string
	timeout      time.Duration
	imageTimeout time.Duration
	imageMaxSize int64
	ssrfGuard    SSRFValidator
	sanitizer    Sanitizer
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		timeout:      opts.Timeout,
		imageTimeout: opts.ImageTimeout,
		imageMaxSize: opts.ImageMaxSize,
		ssrfGuard:    opts.SSRFGuard,
		sanitizer:    opts.Sanitizer,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.imageTimeout <= 0 {
		c.imageTimeout = defaultImageTimeout
	}
	if c.imageMaxSize <= 0 {
		c.imageMaxSize = defaultImageMaxSize
	}
	if c.metrics == nil {
		c.metrics = metrics.Nop{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if u, err := url.Parse(c.baseURL); err == nil {
		c.imageHost = strings.ToLower(u.Hostname())
	}
	return c
}

// BaseURL はBlackboardのベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// newHTTPClient はCookie Jarを持たない使い捨てのhttp.Clientを生成する。
// followRedirectsがfalseの場合、3xxレスポンスをそのまま返す。
func (c *Client) newHTTPClient(followRedirects bool) *http.Client {
	hc := &http.Client{Timeout: c.timeout}
	if !followRedirects {
		hc.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return hc
}

// observe は上流呼び出しのステータスとレイテンシを記録する。
func (c *Client) observe(endpoint string, status int, started time.Time) {
	c.metrics.RecordUpstreamStatus(endpoint, status)
	c.metrics.RecordUpstreamLatency(endpoint, time.Since(started))
}
