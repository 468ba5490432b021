package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/micuatri/internal/middleware"
	"github.com/hitoshi/micuatri/internal/model"
)

// errInvalidRequestBody はリクエストボディを解析できない場合のエラー。
var errInvalidRequestBody = &model.APIError{
	Code:     "INVALID_REQUEST",
	Message:  "リクエストボディの解析に失敗しました。",
	Category: "validation",
	Action:   "正しいJSON形式でリクエストしてください。",
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidCredentials, model.ErrCodeAuthorizationExpired:
		return http.StatusUnauthorized
	case model.ErrCodeNoInitialCookies, model.ErrCodeNonceMissing,
		model.ErrCodeUpstreamGateway, model.ErrCodeTokenRefreshFailed:
		return http.StatusBadGateway
	case model.ErrCodeArgumentInvalid, model.ErrCodeHandshakeExpired,
		model.ErrCodeAccountNotLinked, model.ErrCodeRefreshUnavailable, errInvalidRequestBody.Code:
		return http.StatusBadRequest
	case model.ErrCodeSSRFRejected, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
