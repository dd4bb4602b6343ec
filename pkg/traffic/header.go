package traffic

import (
	"sort"
	"strings"
)

// Header 头部集合，键统一为小写
type Header map[string]string

func canonicalKey(key string) string { return strings.ToLower(strings.TrimSpace(key)) }

// Get 大小写不敏感读取，nil 安全
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[canonicalKey(key)]
}

// Has 是否存在该键
func (h Header) Has(key string) bool {
	_, ok := h[canonicalKey(key)]
	return ok
}

func (h Header) Set(key, value string) { h[canonicalKey(key)] = value }

func (h Header) Del(key string) { delete(h, canonicalKey(key)) }

// Keys 排序后的键
func (h Header) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone 浅拷贝，nil 时返回空集合
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// HeaderFrom 从任意大小写的键值对构建 Header
//
// 多个键折叠为同一小写键时，非规范写法的键覆盖规范写法的键；同类键按字典序，后者生效。
func HeaderFrom(m map[string]string) Header {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := keys[i] == canonicalKey(keys[i]), keys[j] == canonicalKey(keys[j])
		if ci != cj {
			return ci
		}
		return keys[i] < keys[j]
	})

	h := make(Header, len(m))
	for _, k := range keys {
		h.Set(k, m[k])
	}
	return h
}
