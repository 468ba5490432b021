package blackboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hitoshi/micuatri/internal/model"
)

const (
	// windowDays は取得ウィンドウの開始日から終了日までの日数（16週間 - 1日）。
	windowDays = 16*7 - 1

	// upstreamTimeLayout はsince/untilクエリの書式。
	upstreamTimeLayout = "2006-01-02T15:04:05.000Z"
)

// subjectPattern は "学期 - 科目 - グループ" 形式のカレンダー名から科目を取り出す。
var subjectPattern = regexp.MustCompile(`^[^-]*-\s*([^-]+?)\s*-`)

// rawCalendarItem はBlackboardカレンダーAPIの1項目。
type rawCalendarItem struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	CalendarID   string `json:"calendarId"`
	CalendarName string `json:"calendarName"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Location     string `json:"location"`
	Start        string `json:"start"`
	End          string `json:"end"`
	Color        string `json:"color"`
}

type calendarItemsResponse struct {
	Results []rawCalendarItem `json:"results"`
}

// CalendarWindow は基準日から取得ウィンドウの開始と終了を計算する。
// 開始は基準日の月初（UTC 0時）、終了はその111日後。
func CalendarWindow(ref time.Time) (since, until time.Time) {
	ref = ref.UTC()
	since = time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
	until = since.AddDate(0, 0, windowDays)
	return since, until
}

// MapCategory は上流のtype文字列をカテゴリに変換する。未知の値はCourseになる。
func MapCategory(raw string) model.Category {
	return model.ParseCategory(raw)
}

// ExtractSubject はカレンダー名から科目名を抽出する。
// パターンに一致しない場合は空文字列を返す。
func ExtractSubject(calendarName string) string {
	m := subjectPattern.FindStringSubmatch(calendarName)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// FetchCalendar は基準日を含むウィンドウのカレンダー項目を取得し、正規化して返す。
// 日付を解釈できない項目、終了が開始より前の項目はスキップする。
func (c *Client) FetchCalendar(ctx context.Context, ref time.Time, cred model.SessionCredential) ([]model.CalendarEntry, error) {
	if cred.IsEmpty() {
		return nil, model.NewArgumentInvalidError("session credential is required")
	}

	since, until := CalendarWindow(ref)

	q := url.Values{}
	q.Set("since", since.Format(upstreamTimeLayout))
	q.Set("until", until.Format(upstreamTimeLayout))
	q.Set("sort", "start")

	body, err := c.getJSON(ctx, endpointCalendar, c.baseURL+calendarPath+"?"+q.Encode(), cred)
	if err != nil {
		return nil, err
	}

	var parsed calendarItemsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("カレンダー項目のパースに失敗しました: %w", err)
	}

	entries := make([]model.CalendarEntry, 0, len(parsed.Results))
	seen := make(map[string]struct{}, len(parsed.Results))
	skipped := 0
	for _, raw := range parsed.Results {
		entry, ok := c.normalize(raw)
		if !ok {
			skipped++
			continue
		}
		if _, dup := seen[entry.ID]; dup {
			skipped++
			continue
		}
		seen[entry.ID] = struct{}{}
		entries = append(entries, entry)
	}

	if skipped > 0 {
		c.logger.Warn("一部のカレンダー項目をスキップしました",
			slog.Int("skipped", skipped),
			slog.Int("items_count", len(entries)),
		)
	}
	return entries, nil
}

// normalize は上流の1項目をCalendarEntryへ変換する。変換できない場合はfalseを返す。
func (c *Client) normalize(raw rawCalendarItem) (model.CalendarEntry, bool) {
	if raw.ID == "" {
		return model.CalendarEntry{}, false
	}
	start, err := time.Parse(time.RFC3339, raw.Start)
	if err != nil {
		return model.CalendarEntry{}, false
	}
	end, err := time.Parse(time.RFC3339, raw.End)
	if err != nil {
		return model.CalendarEntry{}, false
	}
	if end.Before(start) {
		return model.CalendarEntry{}, false
	}

	category := MapCategory(raw.Type)
	subject := ""
	if category.HasCourseContext() {
		subject = ExtractSubject(raw.CalendarName)
	}

	description := raw.Description
	if c.sanitizer != nil {
		description = c.sanitizer.Sanitize(description)
	}

	return model.CalendarEntry{
		ID:          raw.ID,
		Title:       raw.Title,
		Start:       start.UTC(),
		End:         end.UTC(),
		Location:    raw.Location,
		Category:    category,
		Subject:     subject,
		Color:       raw.Color,
		Description: description,
	}, true
}
