package model

import (
	"strings"
	"time"
)

// Category はBlackboardカレンダー項目の種類を表す。
type Category string

const (
	CategoryCourse          Category = "Course"
	CategoryGradebookColumn Category = "GradebookColumn"
	CategoryInstitution     Category = "Institution"
	CategoryOfficeHours     Category = "OfficeHours"
	CategoryPersonal        Category = "Personal"
)

// categories は照合順序を固定したカテゴリ一覧。
var categories = []Category{
	CategoryCourse,
	CategoryGradebookColumn,
	CategoryInstitution,
	CategoryOfficeHours,
	CategoryPersonal,
}

// ParseCategory は上流のtype文字列を大文字小文字を区別せずにCategoryへ変換する。
// 未知の値はCategoryCourseとして扱う。
func ParseCategory(raw string) Category {
	raw = strings.TrimSpace(raw)
	for _, c := range categories {
		if strings.EqualFold(raw, string(c)) {
			return c
		}
	}
	return CategoryCourse
}

// HasCourseContext はカテゴリが科目に紐付くかを返す。
// InstitutionとPersonalは科目を持たない。
func (c Category) HasCourseContext() bool {
	return c != CategoryInstitution && c != CategoryPersonal
}

// CalendarEntry は正規化済みのカレンダー項目。
// Start <= Endを満たす。IDは1回の取得ウィンドウ内で一意。
type CalendarEntry struct {
	ID          string    `json:"calendarid"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Location    string    `json:"location"`
	Category    Category  `json:"category"`
	Subject     string    `json:"subject"`
	Color       string    `json:"color"`
	Description string    `json:"description,omitempty"`
}

// ExportOutcome は1回のGoogleカレンダーエクスポートの集計結果。永続化しない。
type ExportOutcome struct {
	Created  int      `json:"created"`
	Updated  int      `json:"updated"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}
