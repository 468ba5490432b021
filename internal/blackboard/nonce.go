package blackboard

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// extractInputValue はHTMLからname属性が一致する最初のinput要素のvalue属性を返す。
// 見つからない場合は空文字列を返す。
func extractInputValue(r io.Reader, name string) string {
	z := html.NewTokenizer(r)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := z.TagName()
			if string(tn) != "input" || !hasAttr {
				continue
			}
			var inputName, value string
			for {
				key, val, more := z.TagAttr()
				switch strings.ToLower(string(key)) {
				case "name":
					inputName = string(val)
				case "value":
					value = string(val)
				}
				if !more {
					break
				}
			}
			if inputName == name {
				return value
			}
		}
	}
}
