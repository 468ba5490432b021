package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Google OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// TokenEncryptionKey はGoogleトークンとハンドシェイクCookieの暗号化鍵の元になる秘密値。
	TokenEncryptionKey string

	// Blackboard
	BlackboardBaseURL string

	// Upstream
	UpstreamTimeout   time.Duration
	ImageRelayTimeout time.Duration
	ImageMaxSize      int64

	// Handshake
	HandshakeTTL             time.Duration
	HandshakeStore           string
	HandshakeCleanupInterval time.Duration

	// Export
	ExportRatePerSec   float64
	ExportMaxRetries   int // Calendar APIの一時的なエラーの再試行回数。0は再試行なし
	ExportRetryBackoff time.Duration

	// Rate Limit
	RateLimitGeneral int
	RateLimitLogin   int

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel slog.Level
}

// ハンドシェイクストアの種類
const (
	HandshakeStoreMemory   = "memory"
	HandshakeStorePostgres = "postgres"
)

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}

	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleRedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URL")
	}

	cfg.TokenEncryptionKey = os.Getenv("TOKEN_ENCRYPTION_KEY")
	if cfg.TokenEncryptionKey == "" {
		missing = append(missing, "TOKEN_ENCRYPTION_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.BlackboardBaseURL = strings.TrimRight(getEnvString("BLACKBOARD_BASE_URL", "https://aulavirtual.ual.es"), "/")
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 15*time.Second)
	cfg.ImageRelayTimeout = getEnvDuration("IMAGE_RELAY_TIMEOUT", 30*time.Second)
	cfg.ImageMaxSize = getEnvInt64("IMAGE_MAX_SIZE", 5242880)
	cfg.HandshakeTTL = getEnvDuration("HANDSHAKE_TTL", 10*time.Minute)
	cfg.HandshakeStore = getEnvChoice("HANDSHAKE_STORE", HandshakeStoreMemory, HandshakeStoreMemory, HandshakeStorePostgres)
	cfg.HandshakeCleanupInterval = getEnvDuration("HANDSHAKE_CLEANUP_INTERVAL", 5*time.Minute)
	cfg.ExportRatePerSec = getEnvFloat("EXPORT_RATE_PER_SEC", 5)
	cfg.ExportMaxRetries = getEnvInt("EXPORT_MAX_RETRIES", 0)
	cfg.ExportRetryBackoff = getEnvDuration("EXPORT_RETRY_BACKOFF", 500*time.Millisecond)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvLevel("LOG_LEVEL", slog.LevelInfo)

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvChoice は許可された値のいずれかであればその値を、それ以外はデフォルト値を返す。
func getEnvChoice(key, defaultVal string, allowed ...string) string {
	v := strings.ToLower(os.Getenv(key))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
