package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/micuatri/internal/auth"
	"github.com/hitoshi/micuatri/internal/middleware"
	"github.com/hitoshi/micuatri/internal/model"
)

// GoogleLinkServiceInterface はGoogle連携ハンドラーが必要とするサービスインターフェース。
type GoogleLinkServiceInterface interface {
	Connect(ctx context.Context, cred model.SessionCredential) (*auth.ConnectResult, error)
	HandleCallback(ctx context.Context, code, state string) (*model.User, error)
	Status(ctx context.Context, cred model.SessionCredential) (*auth.LinkStatus, error)
	Export(ctx context.Context, cred model.SessionCredential, from time.Time) (*model.ExportOutcome, error)
	Disconnect(ctx context.Context, cred model.SessionCredential) error
}

// GoogleHandler はGoogleアカウント連携とカレンダーエクスポートのHTTPハンドラー。
type GoogleHandler struct {
	service GoogleLinkServiceInterface
	now     func() time.Time
}

// NewGoogleHandler はGoogleHandlerを生成する。
func NewGoogleHandler(service GoogleLinkServiceInterface) *GoogleHandler {
	return &GoogleHandler{service: service, now: time.Now}
}

// callbackResponse は連携完了時のレスポンス。
type callbackResponse struct {
	Message     string `json:"message"`
	UserEmail   string `json:"userEmail"`
	GoogleEmail string `json:"googleEmail"`
}

// Connect はGoogle連携を開始し、同意画面URLとstateトークンを返す。
// GET /api/auth/google/connect
func (h *GoogleHandler) Connect(w http.ResponseWriter, r *http.Request) {
	cred, _ := middleware.CredentialFromContext(r.Context())

	result, err := h.service.Connect(r.Context(), cred)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Callback はGoogleからのリダイレクトを受け、アカウントを紐付ける。
// Blackboardセッションはstateトークンから復元するため、ヘッダーは不要。
// GET /api/auth/google/callback?code=xxx&state=yyy
func (h *GoogleHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user, err := h.service.HandleCallback(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := callbackResponse{
		Message:   "Googleアカウントを連携しました。",
		UserEmail: user.Email,
	}
	if user.GoogleAccount != nil {
		resp.GoogleEmail = user.GoogleAccount.Email
	}
	writeJSON(w, http.StatusOK, resp)
}

// Status はGoogle連携状態を返す。
// GET /api/calendar/google/status
func (h *GoogleHandler) Status(w http.ResponseWriter, r *http.Request) {
	cred, _ := middleware.CredentialFromContext(r.Context())

	status, err := h.service.Status(r.Context(), cred)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Export はBlackboardカレンダーをGoogleカレンダーへエクスポートする。
// fromを省略した場合は現在時刻を基準日とする。
// POST /api/calendar/google/export?from=2025-03-01
func (h *GoogleHandler) Export(w http.ResponseWriter, r *http.Request) {
	from := h.now().UTC()
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := parseDateParam(raw)
		if err != nil {
			handleServiceError(w, model.NewArgumentInvalidError("from must be a date"))
			return
		}
		from = parsed
	}

	cred, _ := middleware.CredentialFromContext(r.Context())
	outcome, err := h.service.Export(r.Context(), cred, from)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// Disconnect はGoogle連携を解除する。
// DELETE /api/calendar/google
func (h *GoogleHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	cred, _ := middleware.CredentialFromContext(r.Context())

	if err := h.service.Disconnect(r.Context(), cred); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
