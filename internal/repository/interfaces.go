// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/micuatri/internal/handshake"
	"github.com/hitoshi/micuatri/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
// GoogleAccountのトークンは書き込み時に暗号化し、読み出し時に復号してから返す。
type UserRepository interface {
	// FindByUsername はユーザー名でユーザーを取得する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// UpsertByUsername はユーザーを作成する。既に存在する場合はメールアドレスを更新する。
	UpsertByUsername(ctx context.Context, username, email string) (*model.User, error)

	// UpsertGoogleAccount はユーザーのGoogleアカウント情報を保存する。
	// ユーザーが存在しない場合はUserNotFoundエラーを返す。
	UpsertGoogleAccount(ctx context.Context, userID string, account *model.GoogleAccount) error

	// RemoveGoogleAccount はユーザーのGoogle連携を解除する。
	RemoveGoogleAccount(ctx context.Context, username string) error
}

// HandshakeRepository はGoogle認可フロー中のBlackboardセッションの永続化インターフェース。
type HandshakeRepository interface {
	handshake.Store

	// PurgeExpired は期限切れのハンドシェイクを削除し、削除件数を返す。
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// DBTX は*sql.DBと*sql.Txの共通インターフェース。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
