// Package app はコマンドライン引数に応じて各モードを起動し、依存関係をワイヤリングする。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/micuatri/internal/auth"
	"github.com/hitoshi/micuatri/internal/blackboard"
	"github.com/hitoshi/micuatri/internal/config"
	"github.com/hitoshi/micuatri/internal/database"
	"github.com/hitoshi/micuatri/internal/google"
	"github.com/hitoshi/micuatri/internal/handler"
	"github.com/hitoshi/micuatri/internal/handshake"
	"github.com/hitoshi/micuatri/internal/logger"
	"github.com/hitoshi/micuatri/internal/metrics"
	"github.com/hitoshi/micuatri/internal/middleware"
	"github.com/hitoshi/micuatri/internal/repository"
	"github.com/hitoshi/micuatri/internal/security"
	"github.com/hitoshi/micuatri/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// .envファイルがあれば読み込み、環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. .envファイルの読み込み。既存の環境変数は上書きしない
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", slog.String("error", err.Error()))
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("blackboard_base_url", cfg.BlackboardBaseURL),
		slog.String("handshake_store", cfg.HandshakeStore),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// api はbuildAPIで組み立てたHTTPハンドラーと、その終了処理。
type api struct {
	handler http.Handler
	close   func()
}

// buildAPI は設定とDB接続から全依存関係をワイヤリングし、ルーターを返す。
func buildAPI(cfg *config.Config, db *sql.DB, reg *prometheus.Registry) (*api, error) {
	mc := metrics.NewCollector(reg)

	// 1. 暗号化（用途ごとに鍵を分ける）
	googleVault, err := security.NewTokenVault(cfg.TokenEncryptionKey, security.PurposeGoogleTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to create google token vault: %w", err)
	}
	handshakeVault, err := security.NewTokenVault(cfg.TokenEncryptionKey, security.PurposeHandshakeSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake vault: %w", err)
	}

	// 2. リポジトリとハンドシェイクストア
	userRepo := repository.NewPostgresUserRepo(db, googleVault)

	closers := []func(){}
	var handshakes handshake.Store
	switch cfg.HandshakeStore {
	case config.HandshakeStorePostgres:
		handshakes = repository.NewPostgresHandshakeRepo(db, handshakeVault, mc)
	default:
		mem := handshake.NewMemoryStore(cfg.HandshakeCleanupInterval, mc)
		closers = append(closers, mem.Stop)
		handshakes = mem
	}

	// 3. Blackboardクライアント
	bbHost := ""
	if u, err := url.Parse(cfg.BlackboardBaseURL); err == nil {
		bbHost = u.Hostname()
	}
	bb := blackboard.NewClient(blackboard.Options{
		BaseURL:      cfg.BlackboardBaseURL,
		Timeout:      cfg.UpstreamTimeout,
		ImageTimeout: cfg.ImageRelayTimeout,
		ImageMaxSize: cfg.ImageMaxSize,
		SSRFGuard:    security.NewSSRFGuard(bbHost),
		Sanitizer:    security.NewContentSanitizer(),
		Metrics:      mc,
		Logger:       slog.Default(),
	})

	// 4. Google連携
	oauthProvider := google.NewOAuthProvider(google.OAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Timeout:      cfg.UpstreamTimeout,
	})
	tokenManager := google.NewTokenManager(userRepo, oauthProvider, mc)
	exporter := google.NewExporter(tokenManager, google.ExporterOptions{
		Timeout:      cfg.UpstreamTimeout,
		RatePerSec:   cfg.ExportRatePerSec,
		MaxRetries:   cfg.ExportMaxRetries,
		RetryBackoff: cfg.ExportRetryBackoff,
		Metrics:      mc,
		Logger:       slog.Default(),
	})

	authService := auth.NewService(bb, oauthProvider, userRepo, handshakes, exporter,
		auth.ServiceConfig{HandshakeTTL: cfg.HandshakeTTL})

	// 5. ルーターの構築
	// configのレート制限はreq/min単位なのでreq/secに変換する
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitLogin > 0 {
		rateLimiterCfg.LoginRate = rate.Limit(float64(cfg.RateLimitLogin) / 60.0)
		rateLimiterCfg.LoginBurst = cfg.RateLimitLogin
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	closers = append(closers, rateLimiter.Stop)

	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),

		AuthService:     authService,
		CalendarService: authService,
		ImageRelay:      bb,
		GoogleService:   authService,
	})

	return &api{
		handler: router,
		close: func() {
			for _, c := range closers {
				c()
			}
		},
	}, nil
}

// newRegistry はプロセスとランタイムのメトリクスを含むレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	a, err := buildAPI(cfg, db, newRegistry())
	if err != nil {
		return err
	}
	defer a.close()

	// エクスポートは件数に比例して時間がかかるため、WriteTimeoutは長めにとる
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れハンドシェイクのクリーンアップジョブを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	if cfg.HandshakeStore != config.HandshakeStorePostgres {
		slog.Warn("handshake store is in-memory; the worker only purges the postgres store",
			slog.String("handshake_store", cfg.HandshakeStore),
		)
	}

	handshakeVault, err := security.NewTokenVault(cfg.TokenEncryptionKey, security.PurposeHandshakeSessions)
	if err != nil {
		return fmt.Errorf("failed to create handshake vault: %w", err)
	}
	handshakeRepo := repository.NewPostgresHandshakeRepo(db, handshakeVault, nil)
	cleanupJob := cleanup.NewCleanupJob(handshakeRepo, slog.Default(), cfg.HandshakeCleanupInterval)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cleanupJob.Interval),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User == nil {
		return u.String()
	}
	u.User = nil
	// url.Userは"*"をエスケープするため、ホストの前に直接差し込む
	return strings.Replace(u.String(), "//", "//***@", 1)
}
