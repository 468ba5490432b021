// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// UsernameはBlackboardのメールアドレスで作成される。
type User struct {
	ID            string
	Username      string
	Email         string
	GoogleAccount *GoogleAccount // 未連携の場合はnil
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// GoogleAccount はユーザーに紐付くGoogleアカウントの認可情報を表す。
// リポジトリ層の外では常に平文トークンを保持する。永続化時の暗号化はリポジトリが行う。
type GoogleAccount struct {
	GoogleID          string
	Email             string
	AccessToken       string
	RefreshToken      string
	AccessTokenExpiry time.Time // ゼロ値は期限不明
	Scopes            []string
}

// UserProfile はBlackboardから取得した認証済みユーザーのプロフィール。
// 呼び出しごとに取得し、キャッシュしない。
type UserProfile struct {
	GivenName   string `json:"given"`
	FamilyName  string `json:"family"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatar"`
}
