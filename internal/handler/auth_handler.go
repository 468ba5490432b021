// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/micuatri/internal/auth"
	"github.com/hitoshi/micuatri/internal/middleware"
	"github.com/hitoshi/micuatri/internal/model"
)

// maxLoginBodySize はログインリクエストボディの上限。
const maxLoginBodySize = 64 << 10

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, username, password string) (*auth.LoginResult, error)
	Profile(ctx context.Context, cred model.SessionCredential) (*model.UserProfile, error)
}

// AuthHandler はBlackboardログイン関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse はログイン結果のレスポンス。失敗時もこの形式で返す。
type loginResponse struct {
	IsSuccess     bool               `json:"isSuccess"`
	Message       string             `json:"message"`
	SessionCookie string             `json:"sessionCookie,omitempty"`
	UserData      *model.UserProfile `json:"userData,omitempty"`
}

// userResponse は現在のユーザー情報のレスポンス。
type userResponse struct {
	IsSuccess bool               `json:"isSuccess"`
	Message   string             `json:"message"`
	UserData  *model.UserProfile `json:"userData"`
}

// Login はBlackboardへのログインを処理する。
// POST /api/auth/login-ual
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBodySize)).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	result, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) {
			handleServiceError(w, err)
			return
		}
		// 上流のエラーページは含めず、分類済みのメッセージのみ返す
		writeJSON(w, mapAPIErrorToHTTPStatus(apiErr), loginResponse{
			IsSuccess: false,
			Message:   apiErr.Message,
		})
		return
	}

	resp := loginResponse{
		IsSuccess:     true,
		Message:       "ログインに成功しました。",
		SessionCookie: result.Credential.Header(),
		UserData:      result.Profile,
	}
	if result.Profile == nil {
		resp.Message = "ログインに成功しましたが、プロフィールを取得できませんでした。"
	}
	writeJSON(w, http.StatusOK, resp)
}

// Me は現在のBlackboardセッションのユーザー情報を返す。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	cred, _ := middleware.CredentialFromContext(r.Context())

	profile, err := h.service.Profile(r.Context(), cred)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		IsSuccess: true,
		Message:   "ユーザー情報を取得しました。",
		UserData:  profile,
	})
}
