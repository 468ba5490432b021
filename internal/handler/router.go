package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/micuatri/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// Blackboard
	AuthService     AuthServiceInterface
	CalendarService CalendarServiceInterface
	ImageRelay      ImageRelayer

	// Google連携
	GoogleService GoogleLinkServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS → RateLimit(General) → Session（保護ルートのみ）
//
// ログイン、画像中継、OAuthコールバックはセッションミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(deps.RateLimiter.GeneralMiddleware())

	authHandler := NewAuthHandler(deps.AuthService)
	calendarHandler := NewCalendarHandler(deps.CalendarService)
	imageHandler := NewImageProxyHandler(deps.ImageRelay)
	googleHandler := NewGoogleHandler(deps.GoogleService)

	// --- セッション不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// POST /api/auth/login-ual - ログイン専用レート制限を追加
	r.With(deps.RateLimiter.LoginMiddleware()).Post("/api/auth/login-ual", authHandler.Login)
	r.Get("/api/imageproxy", imageHandler.Get)
	r.Get("/api/auth/google/callback", googleHandler.Callback)

	// --- Blackboardセッションが必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware())

		r.Get("/api/auth/me", authHandler.Me)
		r.Get("/api/auth/google/connect", googleHandler.Connect)

		r.Get("/api/calendar", calendarHandler.List)
		r.Route("/api/calendar/google", func(r chi.Router) {
			r.Get("/status", googleHandler.Status)
			r.Post("/export", googleHandler.Export)
			r.Delete("/", googleHandler.Disconnect)
		})
	})

	return r
}
