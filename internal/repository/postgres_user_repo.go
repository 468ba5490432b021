package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hitoshi/micuatri/internal/model"
	"github.com/hitoshi/micuatri/internal/security"
	"github.com/lib/pq"
)

const userColumns = `id, username, email,
	google_id, google_email, google_access_token, google_refresh_token,
	google_token_expiry, google_scopes, created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db        DBTX
	protector security.TokenProtector
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
// protectorはGoogleトークンの暗号化と復号に使う。
func NewPostgresUserRepo(db DBTX, protector security.TokenProtector) *PostgresUserRepo {
	return &PostgresUserRepo{db: db, protector: protector}
}

// FindByUsername はユーザー名でユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	return r.findOne(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`,
		strings.ToLower(username),
	)
}

// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.findOne(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1) ORDER BY created_at LIMIT 1`,
		email,
	)
}

// UpsertByUsername はユーザーを作成する。既に存在する場合はメールアドレスを更新する。
// ユーザー名は小文字に正規化して保存する。
func (r *PostgresUserRepo) UpsertByUsername(ctx context.Context, username, email string) (*model.User, error) {
	if strings.TrimSpace(username) == "" {
		return nil, model.NewArgumentInvalidError("username is required")
	}

	user, err := r.scanUser(r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, username, email, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (username) DO UPDATE
		 SET email = EXCLUDED.email, updated_at = now()
		 RETURNING `+userColumns,
		uuid.New().String(), strings.ToLower(username), email,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return user, nil
}

// UpsertGoogleAccount はユーザーのGoogleアカウント情報を暗号化して保存する。
func (r *PostgresUserRepo) UpsertGoogleAccount(ctx context.Context, userID string, account *model.GoogleAccount) error {
	if account == nil {
		return model.NewArgumentInvalidError("google account is required")
	}

	accessToken, err := r.protector.Encrypt(account.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshToken, err := r.protector.Encrypt(account.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	var expiry sql.NullTime
	if !account.AccessTokenExpiry.IsZero() {
		expiry = sql.NullTime{Time: account.AccessTokenExpiry, Valid: true}
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET google_id = $2, google_email = $3,
		     google_access_token = $4, google_refresh_token = $5,
		     google_token_expiry = $6, google_scopes = $7,
		     updated_at = now()
		 WHERE id = $1`,
		userID, account.GoogleID, account.Email,
		accessToken, refreshToken,
		expiry, pq.Array(account.Scopes),
	)
	if err != nil {
		return fmt.Errorf("failed to update google account: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.NewUserNotFoundError()
	}
	return nil
}

// RemoveGoogleAccount はユーザーのGoogle連携情報を消去する。
func (r *PostgresUserRepo) RemoveGoogleAccount(ctx context.Context, username string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET google_id = NULL, google_email = NULL,
		     google_access_token = NULL, google_refresh_token = NULL,
		     google_token_expiry = NULL, google_scopes = NULL,
		     updated_at = now()
		 WHERE username = $1`,
		strings.ToLower(username),
	)
	if err != nil {
		return fmt.Errorf("failed to remove google account: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.NewUserNotFoundError()
	}
	return nil
}

func (r *PostgresUserRepo) findOne(ctx context.Context, query string, args ...interface{}) (*model.User, error) {
	user, err := r.scanUser(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *PostgresUserRepo) scanUser(row rowScanner) (*model.User, error) {
	var (
		user   model.User
		stored storedGoogleAccount
	)
	err := row.Scan(
		&user.ID, &user.Username, &user.Email,
		&stored.GoogleID, &stored.Email, &stored.AccessToken, &stored.RefreshToken,
		&stored.Expiry, pq.Array(&stored.Scopes), &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	account, err := stored.decrypt(r.protector)
	if err != nil {
		return nil, err
	}
	user.GoogleAccount = account
	return &user, nil
}

// storedGoogleAccount はusersテーブルのgoogle_*カラムの生の値。トークンは暗号文。
type storedGoogleAccount struct {
	GoogleID     sql.NullString
	Email        sql.NullString
	AccessToken  sql.NullString
	RefreshToken sql.NullString
	Expiry       sql.NullTime
	Scopes       []string
}

// decrypt は連携済みの場合に復号したGoogleAccountを返す。未連携の場合はnil。
func (s storedGoogleAccount) decrypt(protector security.TokenProtector) (*model.GoogleAccount, error) {
	if !s.GoogleID.Valid || s.GoogleID.String == "" {
		return nil, nil
	}

	accessToken, err := protector.Decrypt(s.AccessToken.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refreshToken, err := protector.Decrypt(s.RefreshToken.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	account := &model.GoogleAccount{
		GoogleID:     s.GoogleID.String,
		Email:        s.Email.String,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Scopes:       s.Scopes,
	}
	if s.Expiry.Valid {
		account.AccessTokenExpiry = s.Expiry.Time
	}
	return account, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
