package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/micuatri/internal/metrics"
	"github.com/hitoshi/micuatri/internal/model"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// EventIDProperty はGoogleイベントとBlackboard項目を対応付ける非公開拡張プロパティのキー。
	EventIDProperty = "mi-cuatri-id"

	primaryCalendar = "primary"
	eventTimeZone   = "UTC"

	metricsEndpoint = "google_calendar"

	defaultExportTimeout    = 15 * time.Second
	defaultExportRatePerSec = 5
)

// AccessTokenSource はユーザーの有効なGoogleアクセストークンを返す。
type AccessTokenSource interface {
	EnsureAccessToken(ctx context.Context, username string) (string, error)
}

// ExporterOptions はExporterの設定。
type ExporterOptions struct {
	// Endpoint はCalendar APIのベースURL。テスト用。
	Endpoint   string
	HTTPClient *http.Client
	// Timeout は1回のAPI呼び出しのタイムアウト。
	Timeout time.Duration
	// RatePerSec はエクスポート全体で共有する項目あたりの送信レート。
	RatePerSec float64
	// MaxRetries は一時的なエラーに対する再試行回数。0の場合は再試行しない。
	MaxRetries int
	// RetryBackoff は再試行の初回遅延。
	RetryBackoff time.Duration
	Metrics      metrics.MetricsCollector
	Logger       *slog.Logger
}

// Exporter はカレンダー項目をユーザーのGoogleプライマリカレンダーへ冪等に書き込む。
type Exporter struct {
	tokens     AccessTokenSource
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	metrics    metrics.MetricsCollector
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// NewExporter はExporterを生成する。
func NewExporter(tokens AccessTokenSource, opts ExporterOptions) *Exporter {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultExportTimeout
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = defaultExportRatePerSec
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Exporter{
		tokens:     tokens,
		endpoint:   opts.Endpoint,
		httpClient: opts.HTTPClient,
		timeout:    opts.Timeout,
		limiter:    rate.NewLimiter(rate.Limit(opts.RatePerSec), 1),
		metrics:    opts.Metrics,
		logger:     opts.Logger,

		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
	}
}

// Export は項目ごとにmi-cuatri-idで既存イベントを検索し、あれば更新、なければ作成する。
// 項目単位の失敗はExportOutcomeに記録して処理を続ける。
// ctxがキャンセルされた場合はそれまでの集計とctx.Err()を返す。
func (e *Exporter) Export(ctx context.Context, username string, entries []model.CalendarEntry) (*model.ExportOutcome, error) {
	accessToken, err := e.tokens.EnsureAccessToken(ctx, username)
	if err != nil {
		return nil, err
	}

	svc, err := e.newService(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	outcome := &model.ExportOutcome{
		Errors:   []string{},
		Warnings: []string{},
	}
	defer e.recordOutcome(outcome)

	for _, entry := range entries {
		if err := e.limiter.Wait(ctx); err != nil {
			return outcome, ctxErr(ctx, err)
		}

		created, err := e.exportEntry(ctx, svc, entry, outcome)
		if err != nil {
			if ctx.Err() != nil {
				return outcome, ctx.Err()
			}
			outcome.Failed++
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("Error exporting event %s: %s", entry.ID, err.Error()))
			e.logger.Warn("failed to export calendar entry",
				slog.String("entry_id", entry.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if created {
			outcome.Created++
		} else {
			outcome.Updated++
		}
	}

	e.logger.Info("calendar export completed",
		slog.Int("created", outcome.Created),
		slog.Int("updated", outcome.Updated),
		slog.Int("failed", outcome.Failed),
	)
	return outcome, nil
}

func (e *Exporter) newService(ctx context.Context, accessToken string) (*calendar.Service, error) {
	baseCtx := context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	client := oauth2.NewClient(baseCtx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if e.endpoint != "" {
		opts = append(opts, option.WithEndpoint(e.endpoint))
	}
	return calendar.NewService(ctx, opts...)
}

// exportEntry は1項目を作成または更新する。作成した場合はtrueを返す。
// 検索と更新は冪等なので5xxでも再試行するが、作成はレート制限による拒否のみ再試行する。
func (e *Exporter) exportEntry(ctx context.Context, svc *calendar.Service, entry model.CalendarEntry, outcome *model.ExportOutcome) (bool, error) {
	event := e.buildEvent(entry, outcome)

	var existing *calendar.Events
	err := e.call(ctx, true, func(callCtx context.Context) error {
		var err error
		existing, err = svc.Events.List(primaryCalendar).
			PrivateExtendedProperty(EventIDProperty + "=" + entry.ID).
			Fields(googleapi.Field("items(id)")).
			Context(callCtx).
			Do()
		return err
	})
	if err != nil {
		return false, err
	}

	if len(existing.Items) == 0 {
		err := e.call(ctx, false, func(callCtx context.Context) error {
			_, err := svc.Events.Insert(primaryCalendar, event).Context(callCtx).Do()
			return err
		})
		if err != nil {
			return false, err
		}
		e.metrics.RecordUpstreamStatus(metricsEndpoint, http.StatusOK)
		return true, nil
	}

	if len(existing.Items) > 1 {
		outcome.Warnings = append(outcome.Warnings,
			fmt.Sprintf("Multiple events found for %s; updating %s", entry.ID, existing.Items[0].Id))
		e.logger.Warn("multiple google events share one entry id",
			slog.String("entry_id", entry.ID),
			slog.Int("matches", len(existing.Items)),
		)
	}

	err = e.call(ctx, true, func(callCtx context.Context) error {
		_, err := svc.Events.Patch(primaryCalendar, existing.Items[0].Id, event).Context(callCtx).Do()
		return err
	})
	if err != nil {
		return false, err
	}
	e.metrics.RecordUpstreamStatus(metricsEndpoint, http.StatusOK)
	return false, nil
}

// buildEvent は項目からGoogleイベントのペイロードを組み立てる。
func (e *Exporter) buildEvent(entry model.CalendarEntry, outcome *model.ExportOutcome) *calendar.Event {
	summary := entry.Title
	if entry.Subject != "" {
		summary = entry.Subject + " - " + entry.Title
	}

	event := &calendar.Event{
		Summary:     summary,
		Description: entry.Description,
		Location:    entry.Location,
		Start: &calendar.EventDateTime{
			DateTime: entry.Start.UTC().Format(time.RFC3339),
			TimeZone: eventTimeZone,
		},
		End: &calendar.EventDateTime{
			DateTime: entry.End.UTC().Format(time.RFC3339),
			TimeZone: eventTimeZone,
		},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{EventIDProperty: entry.ID},
		},
		// 更新時に空の説明と場所で上書きする
		ForceSendFields: []string{"Description", "Location"},
	}

	if colorID, ok := NearestColorID(entry.Color); ok {
		event.ColorId = colorID
	} else if entry.Color != "" {
		outcome.Warnings = append(outcome.Warnings,
			fmt.Sprintf("Invalid color %q for event %s; using the calendar default", entry.Color, entry.ID))
		e.logger.Warn("invalid entry color",
			slog.String("entry_id", entry.ID),
			slog.String("color", entry.Color),
		)
	}
	return event
}

func (e *Exporter) recordAPIError(err error) {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		e.metrics.RecordUpstreamStatus(metricsEndpoint, apiErr.Code)
	}
}

func (e *Exporter) recordOutcome(outcome *model.ExportOutcome) {
	e.metrics.RecordExport(metrics.ResultCreated, outcome.Created)
	e.metrics.RecordExport(metrics.ResultUpdated, outcome.Updated)
	e.metrics.RecordExport(metrics.ResultFailed, outcome.Failed)
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
