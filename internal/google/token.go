package google

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/micuatri/internal/metrics"
	"github.com/hitoshi/micuatri/internal/model"
	"golang.org/x/oauth2"
)

const (
	// refreshSkew はアクセストークンを期限前に更新する余裕時間。
	refreshSkew = time.Minute
	// defaultTokenLifetime はトークンレスポンスに有効期限が含まれない場合の有効期間。
	defaultTokenLifetime = 3600 * time.Second
)

// AccountStore はユーザーとGoogleアカウント情報の読み書きを提供する。
type AccountStore interface {
	FindByUsername(ctx context.Context, username string) (*model.User, error)
	UpsertGoogleAccount(ctx context.Context, userID string, account *model.GoogleAccount) error
}

// TokenRefresher はリフレッシュトークンで新しいトークンを取得する。
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// TokenManager はユーザーごとの有効なGoogleアクセストークンを保証する。
// 同一ユーザーの更新はロックで直列化し、二重更新を防ぐ。
type TokenManager struct {
	store     AccountStore
	refresher TokenRefresher
	metrics   metrics.MetricsCollector
	now       func() time.Time

	locksMu sync.Mutex
	locks   map[string]*userLock
}

// userLock はユーザーごとの更新ロック。待機者がいなくなった時点でmapから外す。
type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewTokenManager はTokenManagerを生成する。mcがnilの場合はメトリクスを記録しない。
func NewTokenManager(store AccountStore, refresher TokenRefresher, mc metrics.MetricsCollector) *TokenManager {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &TokenManager{
		store:     store,
		refresher: refresher,
		metrics:   mc,
		now:       time.Now,
		locks:     make(map[string]*userLock),
	}
}

// EnsureAccessToken は有効なアクセストークンを返す。
// 期限まで1分を切っている場合はリフレッシュし、結果を永続化してから返す。
func (m *TokenManager) EnsureAccessToken(ctx context.Context, username string) (string, error) {
	account, user, err := m.loadAccount(ctx, username)
	if err != nil {
		return "", err
	}
	if m.isFresh(account) {
		return account.AccessToken, nil
	}

	unlock := m.lock(username)
	defer unlock()

	// 待機中に他のリクエストが更新している可能性があるため再読み込みする
	account, user, err = m.loadAccount(ctx, username)
	if err != nil {
		return "", err
	}
	if m.isFresh(account) {
		return account.AccessToken, nil
	}

	if account.RefreshToken == "" {
		m.metrics.RecordTokenRefresh(metrics.ResultFailure)
		return "", model.NewRefreshUnavailableError()
	}

	token, err := m.refresher.Refresh(ctx, account.RefreshToken)
	if err != nil {
		m.metrics.RecordTokenRefresh(metrics.ResultFailure)
		return "", err
	}

	updated := *account
	updated.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		updated.RefreshToken = token.RefreshToken
	}
	updated.AccessTokenExpiry = token.Expiry
	if updated.AccessTokenExpiry.IsZero() {
		updated.AccessTokenExpiry = m.now().Add(defaultTokenLifetime)
	}

	if err := m.store.UpsertGoogleAccount(ctx, user.ID, &updated); err != nil {
		m.metrics.RecordTokenRefresh(metrics.ResultFailure)
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	m.metrics.RecordTokenRefresh(metrics.ResultSuccess)
	slog.Info("google access token refreshed",
		slog.String("user_id", user.ID),
		slog.Time("expires_at", updated.AccessTokenExpiry),
	)
	return updated.AccessToken, nil
}

func (m *TokenManager) loadAccount(ctx context.Context, username string) (*model.GoogleAccount, *model.User, error) {
	user, err := m.store.FindByUsername(ctx, username)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || user.GoogleAccount == nil {
		return nil, nil, model.NewAccountNotLinkedError()
	}
	return user.GoogleAccount, user, nil
}

func (m *TokenManager) isFresh(account *model.GoogleAccount) bool {
	if account.AccessToken == "" || account.AccessTokenExpiry.IsZero() {
		return false
	}
	return account.AccessTokenExpiry.After(m.now().Add(refreshSkew))
}

// lock はユーザーの更新ロックを取得し、解放関数を返す。
func (m *TokenManager) lock(username string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[username]
	if !ok {
		l = &userLock{}
		m.locks[username] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, username)
		}
		m.locksMu.Unlock()
	}
}

// lockCount は保持しているユーザーロックの数を返す。
func (m *TokenManager) lockCount() int {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	return len(m.locks)
}
