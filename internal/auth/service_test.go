package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/micuatri/internal/handshake"
	"github.com/hitoshi/micuatri/internal/model"
	"github.com/hitoshi/micuatri/internal/repository"
)

// --- モック定義 ---

type mockBlackboard struct {
	authenticateFn   func(ctx context.Context, username, password string) (model.SessionCredential, error)
	resolveProfileFn func(ctx context.Context, cred model.SessionCredential) (*model.UserProfile, error)
	fetchCalendarFn  func(ctx context.Context, ref time.Time, cred model.SessionCredential) ([]model.CalendarEntry, error)
}

func (m *mockBlackboard) Authenticate(ctx context.Context, username, password string) (model.SessionCredential, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(ctx, username, password)
	}
	return model.SessionCredential{}, nil
}

func (m *mockBlackboard) ResolveProfile(ctx context.Context, cred model.SessionCredential) (*model.UserProfile, error) {
	if m.resolveProfileFn != nil {
		return m.resolveProfileFn(ctx, cred)
	}
	return &model.UserProfile{Email: "alumno@inlumine.ual.es"}, nil
}

func (m *mockBlackboard) FetchCalendar(ctx context.Context, ref time.Time, cred model.SessionCredential) ([]model.CalendarEntry, error) {
	if m.fetchCalendarFn != nil {
		return m.fetchCalendarFn(ctx, ref, cred)
	}
	return nil, nil
}

type mockOAuthProvider struct {
	authCodeURLFn func(state string) string
	exchangeFn    func(ctx context.Context, code string) (*model.GoogleAccount, error)
}

func (m *mockOAuthProvider) AuthCodeURL(state string) string {
	if m.authCodeURLFn != nil {
		return m.authCodeURLFn(state)
	}
	return "https://accounts.google.com/o/oauth2/auth?state=" + state
}

func (m *mockOAuthProvider) Exchange(ctx context.Context, code string) (*model.GoogleAccount, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, code)
	}
	return &model.GoogleAccount{GoogleID: "g-1", Email: "student@gmail.com", AccessToken: "at", RefreshToken: "rt"}, nil
}

type mockUserRepo struct {
	findByUsernameFn      func(ctx context.Context, username string) (*model.User, error)
	findByEmailFn         func(ctx context.Context, email string) (*model.User, error)
	upsertByUsernameFn    func(ctx context.Context, username, email string) (*model.User, error)
	upsertGoogleAccountFn func(ctx context.Context, userID string, account *model.GoogleAccount) error
	removeGoogleAccountFn func(ctx context.Context, username string) error
}

func (m *mockUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	if m.findByUsernameFn != nil {
		return m.findByUsernameFn(ctx, username)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockUserRepo) UpsertByUsername(ctx context.Context, username, email string) (*model.User, error) {
	if m.upsertByUsernameFn != nil {
		return m.upsertByUsernameFn(ctx, username, email)
	}
	return &model.User{ID: "new-user", Username: username, Email: email}, nil
}

func (m *mockUserRepo) UpsertGoogleAccount(ctx context.Context, userID string, account *model.GoogleAccount) error {
	if m.upsertGoogleAccountFn != nil {
		return m.upsertGoogleAccountFn(ctx, userID, account)
	}
	return nil
}

func (m *mockUserRepo) RemoveGoogleAccount(ctx context.Context, username string) error {
	if m.removeGoogleAccountFn != nil {
		return m.removeGoogleAccountFn(ctx, username)
	}
	return nil
}

type mockExporter struct {
	exportFn func(ctx context.Context, username string, entries []model.CalendarEntry) (*model.ExportOutcome, error)
}

func (m *mockExporter) Export(ctx context.Context, username string, entries []model.CalendarEntry) (*model.ExportOutcome, error) {
	if m.exportFn != nil {
		return m.exportFn(ctx, username, entries)
	}
	return &model.ExportOutcome{Created: len(entries)}, nil
}

// --- compile-time interface checks ---
var _ BlackboardClient = (*mockBlackboard)(nil)
var _ OAuthProvider = (*mockOAuthProvider)(nil)
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ CalendarExporter = (*mockExporter)(nil)

var testCred = model.ParseSessionCredential("JSESSIONID=abc; BbRouter=xyz")

func newTestService(bb *mockBlackboard, users *mockUserRepo, exporter *mockExporter) (*Service, *handshake.MemoryStore) {
	store := handshake.NewMemoryStore(0, nil)
	svc := NewService(bb, &mockOAuthProvider{}, users, store, exporter, ServiceConfig{HandshakeTTL: 10 * time.Minute})
	return svc, store
}

// --- テスト ---

func TestLogin_ReturnsCredentialAndProfile(t *testing.T) {
	bb := &mockBlackboard{
		authenticateFn: func(ctx context.Context, username, password string) (model.SessionCredential, error) {
			if username != "alumno" || password != "secreto" {
				t.Errorf("unexpected credentials %q/%q", username, password)
			}
			return testCred, nil
		},
		resolveProfileFn: func(ctx context.Context, cred model.SessionCredential) (*model.UserProfile, error) {
			return &model.UserProfile{DisplayName: "Ana", Email: "ana@inlumine.ual.es"}, nil
		},
	}
	svc, _ := newTestService(bb, &mockUserRepo{}, &mockExporter{})

	result, err := svc.Login(context.Background(), "alumno", "secreto")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Credential.Header() != testCred.Header() {
		t.Errorf("unexpected credential %q", result.Credential.Header())
	}
	if result.Profile == nil || result.Profile.DisplayName != "Ana" {
		t.Errorf("unexpected profile %+v", result.Profile)
	}
}

func TestLogin_ProfileFailureIsNotFatal(t *testing.T) {
	bb := &mockBlackboard{
		authenticateFn: func(ctx context.Context, username, password string) (model.SessionCredential, error) {
			return testCred, nil
		},
		resolveProfileFn: func(ctx context.Context, cred model.SessionCredential) (*model.UserProfile, error) {
			return nil, model.NewUpstreamGatewayError(500)
		},
	}
	svc, _ := newTestService(bb, &mockUserRepo{}, &mockExporter{})

	result, err := svc.Login(context.Background(), "alumno", "secreto")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Profile != nil {
		t.Errorf("expected nil profile, got %+v", result.Profile)
	}
	if result.Credential.IsEmpty() {
		t.Error("credential should still be returned")
	}
}

func TestLogin_AuthenticationFailure(t *testing.T) {
	bb := &mockBlackboard{
		authenticateFn: func(ctx context.Context, username, password string) (model.SessionCredential, error) {
			return model.SessionCredential{}, model.NewInvalidCredentialsError()
		},
	}
	svc, _ := newTestService(bb, &mockUserRepo{}, &mockExporter{})

	_, err := svc.Login(context.Background(), "alumno", "mal")
	if !model.HasCode(err, model.ErrCodeInvalidCredentials) {
		t.Errorf("expected InvalidCredentials, got %v", err)
	}
}

func TestConnect_StoresHandshakeAndReturnsURL(t *testing.T) {
	svc, store := newTestService(&mockBlackboard{}, &mockUserRepo{}, &mockExporter{})

	result, err := svc.Connect(context.Background(), testCred)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StateToken == "" {
		t.Fatal("expected non-empty state token")
	}
	if !strings.Contains(result.URL, "state="+result.StateToken) {
		t.Errorf("URL should carry the state token, got %q", result.URL)
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 stored handshake, got %d", store.Len())
	}

	cred, err := store.Take(context.Background(), result.StateToken)
	if err != nil || cred.Header() != testCred.Header() {
		t.Errorf("stored credential mismatch: %q, %v", cred.Header(), err)
	}
}

func TestConnect_TokensAreUnique(t *testing.T) {
	svc, _ := newTestService(&mockBlackboard{}, &mockUserRepo{}, &mockExporter{})

	a, _ := svc.Connect(context.Background(), testCred)
	b, _ := svc.Connect(context.Background(), testCred)
	if a.StateToken == b.StateToken {
		t.Error("state tokens should be unique per connect")
	}
}

func TestConnect_EmptyCredential(t *testing.T) {
	svc, _ := newTestService(&mockBlackboard{}, &mockUserRepo{}, &mockExporter{})

	_, err := svc.Connect(context.Background(), model.SessionCredential{})
	if !model.HasCode(err, model.ErrCodeArgumentInvalid) {
		t.Errorf("expected ArgumentInvalid, got %v", err)
	}
}

func TestHandleCallback_CreatesUserAndLinksAccount(t *testing.T) {
	var (
		createdUsername string
		linkedUserID    string
		linkedAccount   *model.GoogleAccount
	)
	users := &mockUserRepo{
		upsertByUsernameFn: func(ctx context.Context, username, email string) (*model.User, error) {
			createdUsername = username
			return &model.User{ID: "new-user", Username: username, Email: email}, nil
		},
		upsertGoogleAccountFn: func(ctx context.Context, userID string, account *model.GoogleAccount) error {
			linkedUserID = userID
			linkedAccount = account
			return nil
		},
	}
	svc, _ := newTestService(&mockBlackboard{}, users, &mockExporter{})

	connect, err := svc.Connect(context.Background(), testCred)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	user, err := svc.HandleCallback(context.Background(), "auth-code", connect.StateToken)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if createdUsername != "alumno@inlumine.ual.es" {
		t.Errorf("user should be created with the blackboard email, got %q", createdUsername)
	}
	if linkedUserID != "new-user" || linkedAccount == nil || linkedAccount.GoogleID != "g-1" {
		t.Errorf("account not linked: %q %+v", linkedUserID, linkedAccount)
	}
	if user.GoogleAccount == nil {
		t.Error("returned user should carry the linked account")
	}
}

func TestHandleCallback_ExistingUser(t *testing.T) {
	created := false
	users := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*model.User, error) {
			return &model.User{ID: "existing", Username: email, Email: email}, nil
		},
		upsertByUsernameFn: func(ctx context.Context, username, email string) (*model.User, error) {
			created = true
			return nil, errors.New("should not be called")
		},
	}
	svc, _ := newTestService(&mockBlackboard{}, users, &mockExporter{})
	connect, _ := svc.Connect(context.Background(), testCred)

	user, err := svc.HandleCallback(context.Background(), "auth-code", connect.StateToken)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created || user.ID != "existing" {
		t.Errorf("existing user should be reused, got %+v (created=%v)", user, created)
	}
}

func TestHandleCallback_StateIsSingleUse(t *testing.T) {
	svc, _ := newTestService(&mockBlackboard{}, &mockUserRepo{}, &mockExporter{})
	connect, _ := svc.Connect(context.Background(), testCred)

	if _, err := svc.HandleCallback(context.Background(), "auth-code", connect.StateToken); err != nil {
		t.Fatalf("first callback failed: %v", err)
	}
	_, err := svc.HandleCallback(context.Background(), "auth-code", connect.StateToken)
	if !model.HasCode(err, model.ErrCodeHandshakeExpired) {
		t.Errorf("expected HandshakeExpired on reuse, got %v", err)
	}
}

func TestHandleCallback_UnknownState(t *testing.T) {
	exchanged := false
	svc, _ := newTestService(&mockBlackboard{}, &mockUserRepo{}, &mockExporter{})
	svc.oauth = &mockOAuthProvider{exchangeFn: func(ctx context.Context, code string) (*model.GoogleAccount, error) {
		exchanged = true
		return nil, errors.New("unexpected")
	}}

	_, err := svc.HandleCallback(context.Background(), "auth-code", "unknown-state")
	if !model.HasCode(err, model.ErrCodeHandshakeExpired) {
		t.Errorf("expected HandshakeExpired, got %v", err)
	}
	if exchanged {
		t.Error("code should not be exchanged for an unknown state")
	}
}

func TestHandleCallback_MissingParams(t *testing.T) {
	svc, _ := newTestService(&mockBlackboard{}, &mockUserRepo{}, &mockExporter{})

	for _, tc := range [][2]string{{"", "state"}, {"code", ""}} {
		_, err := svc.HandleCallback(context.Background(), tc[0], tc[1])
		if !model.HasCode(err, model.ErrCodeArgumentInvalid) {
			t.Errorf("HandleCallback(%q, %q): expected ArgumentInvalid, got %v", tc[0], tc[1], err)
		}
	}
}

func TestHandleCallback_ProfileWithoutEmail(t *testing.T) {
	bb := &mockBlackboard{
		resolveProfileFn: func(ctx context.Context, cred model.SessionCredential) (*model.UserProfile, error) {
			return &model.UserProfile{DisplayName: "Sin correo"}, nil
		},
	}
	svc, _ := newTestService(bb, &mockUserRepo{}, &mockExporter{})
	connect, _ := svc.Connect(context.Background(), testCred)

	_, err := svc.HandleCallback(context.Background(), "auth-code", connect.StateToken)
	if !model.HasCode(err, model.ErrCodeArgumentInvalid) {
		t.Errorf("expected ArgumentInvalid, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name      string
		user      *model.User
		connected bool
		email     string
	}{
		{"unknown user", nil, false, ""},
		{"not linked", &model.User{ID: "u"}, false, ""},
		{"linked", &model.User{ID: "u", GoogleAccount: &model.GoogleAccount{Email: "student@gmail.com"}}, true, "student@gmail.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := &mockUserRepo{findByEmailFn: func(ctx context.Context, email string) (*model.User, error) {
				return tt.user, nil
			}}
			svc, _ := newTestService(&mockBlackboard{}, users, &mockExporter{})

			status, err := svc.Status(context.Background(), testCred)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if status.IsConnected != tt.connected || status.Email != tt.email {
				t.Errorf("got %+v, want connected=%v email=%q", status, tt.connected, tt.email)
			}
		})
	}
}

func TestStatus_ExpiredSession(t *testing.T) {
	bb := &mockBlackboard{
		resolveProfileFn: func(ctx context.Context, cred model.SessionCredential) (*model.UserProfile, error) {
			return nil, model.NewAuthorizationExpiredError(401)
		},
	}
	svc, _ := newTestService(bb, &mockUserRepo{}, &mockExporter{})

	_, err := svc.Status(context.Background(), testCred)
	if !model.HasCode(err, model.ErrCodeAuthorizationExpired) {
		t.Errorf("expected AuthorizationExpired, got %v", err)
	}
}

func TestExport_FetchesWindowAndExports(t *testing.T) {
	from := time.Date(2024, 10, 15, 0, 0, 0, 0, time.UTC)
	entries := []model.CalendarEntry{{ID: "e1"}, {ID: "e2"}}
	bb := &mockBlackboard{
		fetchCalendarFn: func(ctx context.Context, ref time.Time, cred model.SessionCredential) ([]model.CalendarEntry, error) {
			if !ref.Equal(from) {
				t.Errorf("expected reference %v, got %v", from, ref)
			}
			return entries, nil
		},
	}
	users := &mockUserRepo{findByEmailFn: func(ctx context.Context, email string) (*model.User, error) {
		return &model.User{ID: "u", Username: "alumno@inlumine.ual.es", GoogleAccount: &model.GoogleAccount{GoogleID: "g"}}, nil
	}}
	var exportedFor string
	exporter := &mockExporter{exportFn: func(ctx context.Context, username string, got []model.CalendarEntry) (*model.ExportOutcome, error) {
		exportedFor = username
		return &model.ExportOutcome{Created: len(got)}, nil
	}}
	svc, _ := newTestService(bb, users, exporter)

	outcome, err := svc.Export(context.Background(), testCred, from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Created != 2 {
		t.Errorf("expected 2 created, got %d", outcome.Created)
	}
	if exportedFor != "alumno@inlumine.ual.es" {
		t.Errorf("expected export for the user's username, got %q", exportedFor)
	}
}

func TestExport_NotLinked(t *testing.T) {
	fetched := false
	bb := &mockBlackboard{
		fetchCalendarFn: func(ctx context.Context, ref time.Time, cred model.SessionCredential) ([]model.CalendarEntry, error) {
			fetched = true
			return nil, nil
		},
	}
	svc, _ := newTestService(bb, &mockUserRepo{}, &mockExporter{})

	_, err := svc.Export(context.Background(), testCred, time.Now())
	if !model.HasCode(err, model.ErrCodeAccountNotLinked) {
		t.Errorf("expected AccountNotLinked, got %v", err)
	}
	if fetched {
		t.Error("calendar should not be fetched for an unlinked user")
	}
}

func TestDisconnect(t *testing.T) {
	var removed string
	users := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*model.User, error) {
			return &model.User{ID: "u", Username: "alumno@inlumine.ual.es", GoogleAccount: &model.GoogleAccount{GoogleID: "g"}}, nil
		},
		removeGoogleAccountFn: func(ctx context.Context, username string) error {
			removed = username
			return nil
		},
	}
	svc, _ := newTestService(&mockBlackboard{}, users, &mockExporter{})

	if err := svc.Disconnect(context.Background(), testCred); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != "alumno@inlumine.ual.es" {
		t.Errorf("expected removal for the user's username, got %q", removed)
	}
}

func TestDisconnect_NotLinked(t *testing.T) {
	svc, _ := newTestService(&mockBlackboard{}, &mockUserRepo{}, &mockExporter{})

	if err := svc.Disconnect(context.Background(), testCred); !model.HasCode(err, model.ErrCodeAccountNotLinked) {
		t.Errorf("expected AccountNotLinked, got %v", err)
	}
}
