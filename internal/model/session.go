package model

import "strings"

// Cookie はSessionCredentialを構成するCookieの名前と値の組。
type Cookie struct {
	Name  string
	Value string
}

// SessionCredential はBlackboardとの認証済みブラウザセッションを表すCookieの集合。
// 生成後は不変として扱い、変更操作は常に新しい値を返す。
type SessionCredential struct {
	cookies []Cookie
}

// NewSessionCredential はCookieの一覧からSessionCredentialを生成する。
// 名前が空のCookieは無視する。
func NewSessionCredential(cookies ...Cookie) SessionCredential {
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		out = append(out, c)
	}
	return SessionCredential{cookies: out}
}

// ParseSessionCredential はCookieヘッダー形式（"a=1; b=2"）の文字列を解析する。
// "="を含まない要素は値なしのCookieとして保持せず捨てる。
func ParseSessionCredential(header string) SessionCredential {
	var cookies []Cookie
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		cookies = append(cookies, Cookie{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return NewSessionCredential(cookies...)
}

// Merge は既存のCookieに後続のCookieを追加した新しいSessionCredentialを返す。
// 同名のCookieは後から届いた値で置き換える。
func (s SessionCredential) Merge(more ...Cookie) SessionCredential {
	merged := make([]Cookie, 0, len(s.cookies)+len(more))
	merged = append(merged, s.cookies...)
	for _, c := range more {
		if c.Name == "" {
			continue
		}
		replaced := false
		for i := range merged {
			if merged[i].Name == c.Name {
				merged[i].Value = c.Value
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, c)
		}
	}
	return SessionCredential{cookies: merged}
}

// Cookies はCookieのコピーを返す。
func (s SessionCredential) Cookies() []Cookie {
	out := make([]Cookie, len(s.cookies))
	copy(out, s.cookies)
	return out
}

// IsEmpty はCookieを1つも持たない場合にtrueを返す。
func (s SessionCredential) IsEmpty() bool {
	return len(s.cookies) == 0
}

// Header はHTTPのCookieヘッダー値としてシリアライズする。
func (s SessionCredential) Header() string {
	parts := make([]string, 0, len(s.cookies))
	for _, c := range s.cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
