package blackboard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/micuatri/internal/model"
	"github.com/hitoshi/micuatri/internal/security"
)

func TestCalendarWindow_StartsAtFirstOfMonthAndSpans111Days(t *testing.T) {
	refs := []time.Time{
		time.Date(2024, 9, 15, 13, 45, 0, 0, time.UTC),
		time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC),
		time.Date(2023, 12, 31, 12, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 30, 1, 0, 0, 0, time.FixedZone("CEST", 2*3600)),
	}
	for _, ref := range refs {
		t.Run(ref.Format(time.RFC3339), func(t *testing.T) {
			since, until := CalendarWindow(ref)
			u := ref.UTC()
			wantSince := time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
			if !since.Equal(wantSince) {
				t.Errorf("since = %v, want %v", since, wantSince)
			}
			if since.Location() != time.UTC {
				t.Errorf("since location = %v, want UTC", since.Location())
			}
			if d := until.Sub(since); d != 111*24*time.Hour {
				t.Errorf("until - since = %v, want %v", d, 111*24*time.Hour)
			}
		})
	}
}

func TestCalendarWindow_ConvertsToUTCBeforeTruncating(t *testing.T) {
	// 3月1日 00:30 (+02:00) はUTCでは2月29日
	ref := time.Date(2024, 3, 1, 0, 30, 0, 0, time.FixedZone("EET", 2*3600))
	since, _ := CalendarWindow(ref)
	if want := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC); !since.Equal(want) {
		t.Errorf("since = %v, want %v", since, want)
	}
}

func TestMapCategory(t *testing.T) {
	tests := []struct {
		raw  string
		want model.Category
	}{
		{"Course", model.CategoryCourse},
		{"course", model.CategoryCourse},
		{"GradebookColumn", model.CategoryGradebookColumn},
		{"GRADEBOOKCOLUMN", model.CategoryGradebookColumn},
		{"institution", model.CategoryInstitution},
		{"OfficeHours", model.CategoryOfficeHours},
		{"personal", model.CategoryPersonal},
		{"", model.CategoryCourse},
		{"Assignment", model.CategoryCourse},
		{"Personal ", model.CategoryPersonal},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := MapCategory(tt.raw); got != tt.want {
				t.Errorf("MapCategory(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestExtractSubject(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Fall 2024 - Calculus I - Section A", "Calculus I"},
		{"2024-25 Grado - Álgebra Lineal - Grupo 1", "25 Grado"},
		{"Primer cuatrimestre -Física- Teoría", "Física"},
		{"Calculus I", ""},
		{"Fall 2024 - Calculus I", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractSubject(tt.name); got != tt.want {
				t.Errorf("ExtractSubject(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

const calendarItemsJSON = `{
  "results": [
    {
      "id": "_123_1",
      "type": "GradebookColumn",
      "calendarId": "_55_1",
      "calendarName": "Fall 2024 - Calculus I - Section A",
      "title": "Entrega 1",
      "description": "<p>Subir el PDF</p><script>alert(1)</script>",
      "location": "Aula 2.08",
      "start": "2024-09-10T08:00:00.000Z",
      "end": "2024-09-10T10:00:00.000Z",
      "color": "#c70000"
    },
    {
      "id": "_124_1",
      "type": "Institution",
      "calendarName": "UAL - Festivos - General",
      "title": "Día festivo",
      "start": "2024-10-12T00:00:00.000Z",
      "end": "2024-10-12T23:59:00.000Z",
      "color": "#0b8043"
    },
    {
      "id": "_125_1",
      "type": "Unknown",
      "calendarName": "Sin patrón",
      "title": "Otro",
      "start": "2024-09-20T08:00:00+02:00",
      "end": "2024-09-20T09:00:00+02:00"
    },
    {
      "id": "_126_1",
      "type": "Course",
      "title": "Fecha rota",
      "start": "not-a-date",
      "end": "2024-09-20T09:00:00.000Z"
    },
    {
      "id": "_127_1",
      "type": "Course",
      "title": "Fin antes del inicio",
      "start": "2024-09-20T09:00:00.000Z",
      "end": "2024-09-20T08:00:00.000Z"
    },
    {
      "id": "_128_1",
      "type": "personal",
      "calendarName": "Mi calendario - Personal - X",
      "title": "Gimnasio",
      "start": "2024-09-21T17:00:00.000Z",
      "end": "2024-09-21T18:00:00.000Z"
    }
  ]
}`

func TestFetchCalendar_NormalizesEntries(t *testing.T) {
	var gotQuery, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != calendarPath {
			t.Errorf("path = %q, want %q", r.URL.Path, calendarPath)
		}
		gotQuery = r.URL.RawQuery
		gotCookie = r.Header.Get("Cookie")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(calendarItemsJSON))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Sanitizer: security.NewContentSanitizer()})
	cred := model.NewSessionCredential(model.Cookie{Name: "JSESSIONID", Value: "abc"}, model.Cookie{Name: "BbRouter", Value: "x"})

	entries, err := c.FetchCalendar(context.Background(), time.Date(2024, 9, 15, 12, 0, 0, 0, time.UTC), cred)
	if err != nil {
		t.Fatalf("FetchCalendar returned error: %v", err)
	}

	if gotCookie != "JSESSIONID=abc; BbRouter=x" {
		t.Errorf("Cookie = %q", gotCookie)
	}
	for _, want := range []string{
		"since=2024-09-01T00%3A00%3A00.000Z",
		"until=2024-12-21T00%3A00%3A00.000Z",
		"sort=start",
	} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q should contain %q", gotQuery, want)
		}
	}

	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4: %+v", len(entries), entries)
	}

	first := entries[0]
	if first.ID != "_123_1" || first.Title != "Entrega 1" || first.Location != "Aula 2.08" {
		t.Errorf("unexpected first entry: %+v", first)
	}
	if first.Category != model.CategoryGradebookColumn {
		t.Errorf("category = %q", first.Category)
	}
	if first.Subject != "Calculus I" {
		t.Errorf("subject = %q, want %q", first.Subject, "Calculus I")
	}
	if first.Color != "#c70000" {
		t.Errorf("color = %q", first.Color)
	}
	if strings.Contains(first.Description, "script") || !strings.Contains(first.Description, "Subir el PDF") {
		t.Errorf("description not sanitized: %q", first.Description)
	}
	if !first.Start.Equal(time.Date(2024, 9, 10, 8, 0, 0, 0, time.UTC)) || first.Start.Location() != time.UTC {
		t.Errorf("start = %v", first.Start)
	}

	if entries[1].Category != model.CategoryInstitution || entries[1].Subject != "" {
		t.Errorf("institution entry should have no subject: %+v", entries[1])
	}

	third := entries[2]
	if third.Category != model.CategoryCourse || third.Subject != "" {
		t.Errorf("unknown type should map to Course without subject: %+v", third)
	}
	if !third.Start.Equal(time.Date(2024, 9, 20, 6, 0, 0, 0, time.UTC)) || third.Start.Location() != time.UTC {
		t.Errorf("start should be converted to UTC: %v", third.Start)
	}

	if entries[3].Category != model.CategoryPersonal || entries[3].Subject != "" {
		t.Errorf("personal entry should have no subject: %+v", entries[3])
	}

	for _, e := range entries {
		if e.End.Before(e.Start) {
			t.Errorf("entry %s has end before start", e.ID)
		}
	}
}

func TestFetchCalendar_DropsDuplicateIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[
			{"id":"a","type":"Course","title":"one","start":"2024-09-10T08:00:00Z","end":"2024-09-10T09:00:00Z"},
			{"id":"a","type":"Course","title":"two","start":"2024-09-11T08:00:00Z","end":"2024-09-11T09:00:00Z"}
		]}`))
	}))
	defer srv.Close()

	entries, err := newTestClient(srv.URL).FetchCalendar(context.Background(), time.Now(), model.ParseSessionCredential("a=1"))
	if err != nil {
		t.Fatalf("FetchCalendar returned error: %v", err)
	}
	if len(entries) != 1 || entries[0].Title != "one" {
		t.Errorf("entries = %+v, want only the first occurrence", entries)
	}
}

func TestFetchCalendar_EmptyCredential_NoNetworkCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchCalendar(context.Background(), time.Now(), model.SessionCredential{})
	if !model.HasCode(err, model.ErrCodeArgumentInvalid) {
		t.Fatalf("error = %v, want ARGUMENT_INVALID", err)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("expected no upstream calls, got %d", n)
	}
}

func TestFetchCalendar_UpstreamErrors(t *testing.T) {
	tests := []struct {
		status   int
		wantCode string
	}{
		{http.StatusUnauthorized, model.ErrCodeAuthorizationExpired},
		{http.StatusForbidden, model.ErrCodeAuthorizationExpired},
		{http.StatusFound, model.ErrCodeAuthorizationExpired},
		{http.StatusSeeOther, model.ErrCodeAuthorizationExpired},
		{http.StatusInternalServerError, model.ErrCodeUpstreamGateway},
		{http.StatusNotFound, model.ErrCodeUpstreamGateway},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).FetchCalendar(context.Background(), time.Now(), model.ParseSessionCredential("a=1"))
			if !model.HasCode(err, tt.wantCode) {
				t.Fatalf("error = %v, want %s", err, tt.wantCode)
			}
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.UpstreamStatus != tt.status {
				t.Errorf("error %v should carry upstream status %d", err, tt.status)
			}
		})
	}
}

func TestFetchCalendar_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results": [`))
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).FetchCalendar(context.Background(), time.Now(), model.ParseSessionCredential("a=1")); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}
