// Package handshake はOAuth認可フローをまたいでBlackboardセッションを受け渡す
// 短命なストアを提供する。
//
// 認可URL発行時にstateトークンとセッションCookieを保存し、コールバックで
// 一度だけ取り出す。取り出した時点、またはTTL経過時点で削除される。
package handshake

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/micuatri/internal/metrics"
	"github.com/hitoshi/micuatri/internal/model"
)

// Store はstateトークンとセッションCookieの対応を保持するストア。
// 複数の認可フローから同時に呼ばれても安全でなければならない。
type Store interface {
	// Put はトークンに対応するセッションCookieを有効期限付きで保存する。
	Put(ctx context.Context, token string, cred model.SessionCredential, expiresAt time.Time) error

	// Take はトークンに対応するセッションCookieを取り出して削除する。
	// 存在しない、または期限切れの場合はHANDSHAKE_EXPIREDエラーを返す。
	Take(ctx context.Context, token string) (model.SessionCredential, error)
}

type entry struct {
	cred      model.SessionCredential
	expiresAt time.Time
}

// MemoryStore はプロセス内メモリで動くStoreの実装。
// 読み出し時に期限を確認し、加えてバックグラウンドで期限切れエントリを掃除する。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
	metrics metrics.MetricsCollector

	stopCh   chan struct{}
	stopOnce sync.Once
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore は新しいMemoryStoreを生成する。
// sweepIntervalが正の場合、その間隔で期限切れエントリの掃除を開始する。
func NewMemoryStore(sweepInterval time.Duration, mc metrics.MetricsCollector) *MemoryStore {
	if mc == nil {
		mc = metrics.Nop{}
	}
	s := &MemoryStore{
		entries: make(map[string]entry),
		now:     time.Now,
		metrics: mc,
		stopCh:  make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

// Stop は掃除のバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Put はトークンに対応するセッションCookieを保存する。既存のトークンは上書きする。
func (s *MemoryStore) Put(ctx context.Context, token string, cred model.SessionCredential, expiresAt time.Time) error {
	if token == "" {
		return model.NewArgumentInvalidError("state token is required")
	}
	if cred.IsEmpty() {
		return model.NewArgumentInvalidError("session credential is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = entry{cred: cred, expiresAt: expiresAt}
	return nil
}

// Take はトークンに対応するセッションCookieを取り出して削除する。
func (s *MemoryStore) Take(ctx context.Context, token string) (model.SessionCredential, error) {
	s.mu.Lock()
	e, ok := s.entries[token]
	if ok {
		delete(s.entries, token)
	}
	s.mu.Unlock()

	if !ok || !s.now().Before(e.expiresAt) {
		s.metrics.RecordHandshake(metrics.ResultMiss)
		return model.SessionCredential{}, model.NewHandshakeExpiredError()
	}
	s.metrics.RecordHandshake(metrics.ResultHit)
	return e.cred, nil
}

// Len は保持しているエントリ数を返す。期限切れで未掃除のものも含む。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep は期限切れエントリを削除し、削除件数を返す。
func (s *MemoryStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, token)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}
