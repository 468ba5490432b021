package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/micuatri/internal/metrics"
	"github.com/hitoshi/micuatri/internal/model"
	"github.com/hitoshi/micuatri/internal/security"
)

// PostgresHandshakeRepo はPostgreSQLを使用したハンドシェイクリポジトリ。
// 複数インスタンス構成で認可フローのstateを共有するために使う。
// BlackboardのCookieは暗号化して保存する。
type PostgresHandshakeRepo struct {
	db        DBTX
	protector security.TokenProtector
	metrics   metrics.MetricsCollector
	now       func() time.Time
}

// NewPostgresHandshakeRepo はPostgresHandshakeRepoを生成する。
func NewPostgresHandshakeRepo(db DBTX, protector security.TokenProtector, mc metrics.MetricsCollector) *PostgresHandshakeRepo {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &PostgresHandshakeRepo{db: db, protector: protector, metrics: mc, now: time.Now}
}

// Put はstateトークンに紐付けてBlackboardセッションを保存する。
func (r *PostgresHandshakeRepo) Put(ctx context.Context, token string, cred model.SessionCredential, expiresAt time.Time) error {
	if token == "" {
		return model.NewArgumentInvalidError("state token is required")
	}
	if cred.IsEmpty() {
		return model.NewArgumentInvalidError("session credential is required")
	}

	sealed, err := r.protector.Encrypt(cred.Header())
	if err != nil {
		return fmt.Errorf("failed to encrypt session cookie: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO oauth_handshakes (token, session_cookie, expires_at, created_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (token) DO UPDATE
		 SET session_cookie = EXCLUDED.session_cookie, expires_at = EXCLUDED.expires_at`,
		token, sealed, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store handshake: %w", err)
	}
	return nil
}

// Take はstateトークンに紐付くBlackboardセッションを取り出して削除する。
// 存在しない場合や期限切れの場合はHandshakeExpiredエラーを返す。
func (r *PostgresHandshakeRepo) Take(ctx context.Context, token string) (model.SessionCredential, error) {
	var (
		sealed    string
		expiresAt time.Time
	)
	err := r.db.QueryRowContext(ctx,
		`DELETE FROM oauth_handshakes WHERE token = $1 RETURNING session_cookie, expires_at`,
		token,
	).Scan(&sealed, &expiresAt)

	if err == sql.ErrNoRows {
		r.metrics.RecordHandshake(metrics.ResultMiss)
		return model.SessionCredential{}, model.NewHandshakeExpiredError()
	}
	if err != nil {
		return model.SessionCredential{}, fmt.Errorf("failed to take handshake: %w", err)
	}
	if !r.now().Before(expiresAt) {
		r.metrics.RecordHandshake(metrics.ResultMiss)
		return model.SessionCredential{}, model.NewHandshakeExpiredError()
	}

	header, err := r.protector.Decrypt(sealed)
	if err != nil {
		return model.SessionCredential{}, fmt.Errorf("failed to decrypt session cookie: %w", err)
	}

	r.metrics.RecordHandshake(metrics.ResultHit)
	return model.ParseSessionCredential(header), nil
}

// PurgeExpired は期限切れのハンドシェイクを削除し、削除件数を返す。
func (r *PostgresHandshakeRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_handshakes WHERE expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired handshakes: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ HandshakeRepository = (*PostgresHandshakeRepo)(nil)
