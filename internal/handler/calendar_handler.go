package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/micuatri/internal/middleware"
	"github.com/hitoshi/micuatri/internal/model"
)

// CalendarServiceInterface はカレンダーハンドラーが必要とするサービスインターフェース。
type CalendarServiceInterface interface {
	Calendar(ctx context.Context, ref time.Time, cred model.SessionCredential) ([]model.CalendarEntry, error)
}

// CalendarHandler はBlackboardカレンダーのHTTPハンドラー。
type CalendarHandler struct {
	service CalendarServiceInterface
}

// NewCalendarHandler はCalendarHandlerを生成する。
func NewCalendarHandler(service CalendarServiceInterface) *CalendarHandler {
	return &CalendarHandler{service: service}
}

// List は基準日を含むウィンドウのカレンダー項目を返す。
// GET /api/calendar?currentDate=2025-03-15
func (h *CalendarHandler) List(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("currentDate")
	if raw == "" {
		handleServiceError(w, model.NewArgumentInvalidError("currentDate is required"))
		return
	}
	ref, err := parseDateParam(raw)
	if err != nil {
		handleServiceError(w, model.NewArgumentInvalidError("currentDate must be a date"))
		return
	}

	cred, _ := middleware.CredentialFromContext(r.Context())
	entries, err := h.service.Calendar(r.Context(), ref, cred)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []model.CalendarEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

// dateLayouts はクエリパラメータで受け付ける日付形式。
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseDateParam はクエリパラメータの日付を解析する。タイムゾーンのない値はUTCとして扱う。
func parseDateParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
