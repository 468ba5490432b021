// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// Blackboardクライアント、Google連携、ハンドシェイクストアから利用する。
type MetricsCollector interface {
	RecordLogin(result string)
	RecordUpstreamStatus(endpoint string, statusCode int)
	RecordUpstreamLatency(endpoint string, duration time.Duration)
	RecordExport(result string, count int)
	RecordTokenRefresh(result string)
	RecordHandshake(result string)
}

// メトリクスのresultラベル値
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultCreated = "created"
	ResultUpdated = "updated"
	ResultFailed  = "failed"
	ResultHit     = "hit"
	ResultMiss    = "miss"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	upstreamStatus  *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	exportedEvents  *prometheus.CounterVec
	tokenRefreshes  *prometheus.CounterVec
	handshakes      *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "micuatri_login_attempts_total",
			Help: "Blackboardログイン試行の結果別合計数",
		}, []string{"result"}),
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "micuatri_upstream_status_total",
			Help: "上流APIのエンドポイント・ステータスコード別のレスポンス数",
		}, []string{"endpoint", "status_code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "micuatri_upstream_latency_seconds",
			Help:    "上流API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		exportedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "micuatri_exported_events_total",
			Help: "Googleカレンダーへエクスポートしたイベントの結果別合計数",
		}, []string{"result"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "micuatri_token_refresh_total",
			Help: "Googleアクセストークン更新の結果別合計数",
		}, []string{"result"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "micuatri_handshake_lookups_total",
			Help: "OAuthハンドシェイク照合の結果別合計数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.logins,
		c.upstreamStatus,
		c.upstreamLatency,
		c.exportedEvents,
		c.tokenRefreshes,
		c.handshakes,
	)

	return c
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordUpstreamStatus は上流APIのHTTPステータスコードを記録する。
func (c *Collector) RecordUpstreamStatus(endpoint string, statusCode int) {
	c.upstreamStatus.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
}

// RecordUpstreamLatency は上流API呼び出しのレイテンシを記録する。
func (c *Collector) RecordUpstreamLatency(endpoint string, duration time.Duration) {
	c.upstreamLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordExport はエクスポート結果ごとのイベント数を記録する。
func (c *Collector) RecordExport(result string, count int) {
	if count <= 0 {
		return
	}
	c.exportedEvents.WithLabelValues(result).Add(float64(count))
}

// RecordTokenRefresh はトークン更新の結果を記録する。
func (c *Collector) RecordTokenRefresh(result string) {
	c.tokenRefreshes.WithLabelValues(result).Inc()
}

// RecordHandshake はハンドシェイク照合の結果を記録する。
func (c *Collector) RecordHandshake(result string) {
	c.handshakes.WithLabelValues(result).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。メトリクスを注入しない構成で使う。
type Nop struct{}

var _ MetricsCollector = Nop{}

func (Nop) RecordLogin(string)                         {}
func (Nop) RecordUpstreamStatus(string, int)           {}
func (Nop) RecordUpstreamLatency(string, time.Duration) {}
func (Nop) RecordExport(string, int)                   {}
func (Nop) RecordTokenRefresh(string)                  {}
func (Nop) RecordHandshake(string)                     {}
