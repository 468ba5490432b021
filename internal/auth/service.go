// Package auth はBlackboardログインとGoogleアカウント連携のフローを提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/micuatri/internal/handshake"
	"github.com/hitoshi/micuatri/internal/model"
	"github.com/hitoshi/micuatri/internal/repository"
)

// BlackboardClient はBlackboardとのセッション操作を抽象化する。
type BlackboardClient interface {
	Authenticate(ctx context.Context, username, password string) (model.SessionCredential, error)
	ResolveProfile(ctx context.Context, cred model.SessionCredential) (*model.UserProfile, error)
	FetchCalendar(ctx context.Context, ref time.Time, cred model.SessionCredential) ([]model.CalendarEntry, error)
}

// OAuthProvider はGoogle OAuthの認可コードフローを抽象化する。
type OAuthProvider interface {
	// AuthCodeURL は同意画面URLを生成する。
	AuthCodeURL(state string) string
	// Exchange は認可コードをトークンに交換し、Googleアカウント情報を取得する。
	Exchange(ctx context.Context, code string) (*model.GoogleAccount, error)
}

// CalendarExporter はカレンダー項目をGoogleカレンダーへ書き込む。
type CalendarExporter interface {
	Export(ctx context.Context, username string, entries []model.CalendarEntry) (*model.ExportOutcome, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	HandshakeTTL time.Duration // stateトークンの有効期間
}

// LoginResult はログイン結果を表す。
// Profileはログイン後のプロフィール取得に失敗した場合nil。
type LoginResult struct {
	Credential model.SessionCredential
	Profile    *model.UserProfile
}

// ConnectResult はGoogle連携開始時に返す同意画面URLとstateトークン。
type ConnectResult struct {
	URL        string `json:"url"`
	StateToken string `json:"stateToken"`
}

// LinkStatus はGoogle連携状態を表す。
type LinkStatus struct {
	IsConnected bool   `json:"isConnected"`
	Email       string `json:"email,omitempty"`
}

// Service は認証と連携に関するビジネスロジックを提供する。
type Service struct {
	blackboard BlackboardClient
	oauth      OAuthProvider
	userRepo   repository.UserRepository
	handshakes handshake.Store
	exporter   CalendarExporter
	config     ServiceConfig
	now        func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	blackboard BlackboardClient,
	oauth OAuthProvider,
	userRepo repository.UserRepository,
	handshakes handshake.Store,
	exporter CalendarExporter,
	config ServiceConfig,
) *Service {
	if config.HandshakeTTL <= 0 {
		config.HandshakeTTL = 10 * time.Minute
	}
	return &Service{
		blackboard: blackboard,
		oauth:      oauth,
		userRepo:   userRepo,
		handshakes: handshakes,
		exporter:   exporter,
		config:     config,
		now:        time.Now,
	}
}

// Login はBlackboardにログインし、セッションとプロフィールを返す。
// ログイン成功後のプロフィール取得失敗はエラーにしない。
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	cred, err := s.blackboard.Authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}

	result := &LoginResult{Credential: cred}
	profile, err := s.blackboard.ResolveProfile(ctx, cred)
	if err != nil {
		slog.Warn("profile unavailable after login", slog.String("error", err.Error()))
		return result, nil
	}
	result.Profile = profile
	return result, nil
}

// Profile は現在のBlackboardセッションのプロフィールを返す。
func (s *Service) Profile(ctx context.Context, cred model.SessionCredential) (*model.UserProfile, error) {
	return s.blackboard.ResolveProfile(ctx, cred)
}

// Calendar は基準日を含むウィンドウのカレンダー項目を返す。
func (s *Service) Calendar(ctx context.Context, ref time.Time, cred model.SessionCredential) ([]model.CalendarEntry, error) {
	return s.blackboard.FetchCalendar(ctx, ref, cred)
}

// Connect はGoogle連携を開始する。
// Blackboardセッションをstateトークンに紐付けて保存し、同意画面URLを返す。
func (s *Service) Connect(ctx context.Context, cred model.SessionCredential) (*ConnectResult, error) {
	if cred.IsEmpty() {
		return nil, model.NewArgumentInvalidError("session credential is required")
	}

	state := uuid.New().String()
	if err := s.handshakes.Put(ctx, state, cred, s.now().Add(s.config.HandshakeTTL)); err != nil {
		return nil, fmt.Errorf("failed to store handshake: %w", err)
	}

	return &ConnectResult{
		URL:        s.oauth.AuthCodeURL(state),
		StateToken: state,
	}, nil
}

// HandleCallback はGoogle OAuthコールバックを処理し、Googleアカウントをユーザーに紐付ける。
// ユーザーはBlackboardのメールアドレスで特定し、未登録の場合は作成する。
func (s *Service) HandleCallback(ctx context.Context, code, state string) (*model.User, error) {
	if code == "" || state == "" {
		return nil, model.NewArgumentInvalidError("code and state are required")
	}

	// 1. stateトークンからBlackboardセッションを取り出す（1回限り）
	cred, err := s.handshakes.Take(ctx, state)
	if err != nil {
		return nil, err
	}

	// 2. 認可コードをトークンに交換
	account, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	// 3. Blackboardのプロフィールからユーザーを特定
	user, err := s.findOrCreateUser(ctx, cred)
	if err != nil {
		return nil, err
	}

	// 4. Googleアカウントを保存
	if err := s.userRepo.UpsertGoogleAccount(ctx, user.ID, account); err != nil {
		return nil, fmt.Errorf("failed to save google account: %w", err)
	}
	user.GoogleAccount = account

	slog.Info("google account linked",
		slog.String("user_id", user.ID),
		slog.String("google_id", account.GoogleID),
	)
	return user, nil
}

// Status は現在のBlackboardユーザーのGoogle連携状態を返す。
func (s *Service) Status(ctx context.Context, cred model.SessionCredential) (*LinkStatus, error) {
	user, err := s.currentUser(ctx, cred)
	if err != nil {
		return nil, err
	}
	if user == nil || user.GoogleAccount == nil {
		return &LinkStatus{IsConnected: false}, nil
	}
	return &LinkStatus{IsConnected: true, Email: user.GoogleAccount.Email}, nil
}

// Disconnect は現在のBlackboardユーザーのGoogle連携を解除する。
func (s *Service) Disconnect(ctx context.Context, cred model.SessionCredential) error {
	user, err := s.currentUser(ctx, cred)
	if err != nil {
		return err
	}
	if user == nil || user.GoogleAccount == nil {
		return model.NewAccountNotLinkedError()
	}
	if err := s.userRepo.RemoveGoogleAccount(ctx, user.Username); err != nil {
		return fmt.Errorf("failed to remove google account: %w", err)
	}
	slog.Info("google account unlinked", slog.String("user_id", user.ID))
	return nil
}

// Export は基準日を含むウィンドウのカレンダーを取得し、Googleカレンダーへ書き込む。
func (s *Service) Export(ctx context.Context, cred model.SessionCredential, from time.Time) (*model.ExportOutcome, error) {
	user, err := s.currentUser(ctx, cred)
	if err != nil {
		return nil, err
	}
	if user == nil || user.GoogleAccount == nil {
		return nil, model.NewAccountNotLinkedError()
	}

	entries, err := s.blackboard.FetchCalendar(ctx, from, cred)
	if err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, user.Username, entries)
}

// currentUser はBlackboardセッションのメールアドレスでユーザーを検索する。見つからない場合はnil。
func (s *Service) currentUser(ctx context.Context, cred model.SessionCredential) (*model.User, error) {
	email, err := s.profileEmail(ctx, cred)
	if err != nil {
		return nil, err
	}
	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

func (s *Service) findOrCreateUser(ctx context.Context, cred model.SessionCredential) (*model.User, error) {
	email, err := s.profileEmail(ctx, cred)
	if err != nil {
		return nil, err
	}

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user != nil {
		return user, nil
	}

	user, err = s.userRepo.UpsertByUsername(ctx, email, email)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	slog.Info("new user created", slog.String("user_id", user.ID))
	return user, nil
}

func (s *Service) profileEmail(ctx context.Context, cred model.SessionCredential) (string, error) {
	profile, err := s.blackboard.ResolveProfile(ctx, cred)
	if err != nil {
		return "", err
	}
	email := strings.TrimSpace(profile.Email)
	if email == "" {
		return "", model.NewArgumentInvalidError("blackboard profile has no email")
	}
	return email, nil
}
