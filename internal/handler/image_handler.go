package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/micuatri/internal/blackboard"
	"github.com/hitoshi/micuatri/internal/middleware"
	"github.com/hitoshi/micuatri/internal/model"
)

// ImageRelayer はBlackboard画像の中継を抽象化する。
type ImageRelayer interface {
	RelayImage(ctx context.Context, token, imageURL, accept string) (*blackboard.RelayedImage, error)
}

// ImageProxyHandler はBlackboard画像を中継するHTTPハンドラー。
type ImageProxyHandler struct {
	relay ImageRelayer
}

// NewImageProxyHandler はImageProxyHandlerを生成する。
func NewImageProxyHandler(relay ImageRelayer) *ImageProxyHandler {
	return &ImageProxyHandler{relay: relay}
}

var (
	errImageNotFound = &model.APIError{
		Code:     "IMAGE_NOT_FOUND",
		Message:  "画像が見つかりません。",
		Category: "upstream",
		Action:   "画像URLを確認してください。",
	}
	errImageNotAcceptable = &model.APIError{
		Code:     "IMAGE_NOT_ACCEPTABLE",
		Message:  "上流が要求されたAcceptヘッダーを拒否しました。",
		Category: "upstream",
		Action:   "Acceptヘッダーを変更して再度お試しください。",
	}
)

// Get は画像を取得してそのまま返す。
// トークンはX-Session-Cookieヘッダー、なければCookieヘッダーから読む。
// "="を含まない生のトークンも受け付けるため、セッションミドルウェアは通さない。
// GET /api/imageproxy?imageUrl=https://...
func (h *ImageProxyHandler) Get(w http.ResponseWriter, r *http.Request) {
	imageURL := r.URL.Query().Get("imageUrl")
	if imageURL == "" {
		handleServiceError(w, model.NewArgumentInvalidError("imageUrl is required"))
		return
	}

	token := r.Header.Get(middleware.SessionHeaderName)
	if token == "" {
		token = r.Header.Get("Cookie")
	}
	if token == "" {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthorizationExpiredError(0))
		return
	}

	img, err := h.relay.RelayImage(r.Context(), token, imageURL, r.Header.Get("Accept"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if img == nil {
		handleServiceError(w, model.NewSSRFRejectedError())
		return
	}

	switch {
	case img.Status >= 200 && img.Status < 300:
	case img.Status == http.StatusUnauthorized || img.Status == http.StatusForbidden:
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthorizationExpiredError(img.Status))
		return
	case img.Status == http.StatusNotAcceptable:
		middleware.WriteErrorResponse(w, http.StatusNotAcceptable, errImageNotAcceptable)
		return
	default:
		slog.Warn("image relay: upstream status", slog.Int("status", img.Status))
		middleware.WriteErrorResponse(w, http.StatusNotFound, errImageNotFound)
		return
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	// SVG内のスクリプトを実行させない
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; sandbox")
	w.WriteHeader(http.StatusOK)
	w.Write(img.Data)
}
