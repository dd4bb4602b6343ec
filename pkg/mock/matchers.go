package mock

import "strings"

var (
	_ Matcher   = Mock{}
	_ Responder = Mock{}
)

// URLContains URL 包含片段
func URLContains(fragment string) func(string) bool {
	return func(url string) bool { return strings.Contains(url, fragment) }
}

// MethodIs 方法相同（大小写不敏感）
func MethodIs(methods ...string) func(string) bool {
	return func(method string) bool {
		for _, m := range methods {
			if strings.EqualFold(m, method) {
				return true
			}
		}
		return false
	}
}

// AnyMethod 匹配任意方法
func AnyMethod(string) bool { return true }
