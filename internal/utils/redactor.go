package utils

import (
	"net/http"
	"net/url"
	"strings"
)

var (
	// SensitiveKeywords 敏感头部/参数名称关键字 (用于脱敏)
	SensitiveKeywords = []string{
		"authorization",
		"cookie",
		"token",
		"secret",
		"password",
		"credential",
		"bogus",
		"gnarly",
		"signature",
		"verifyfp",
		"fp",
	}
)

// Redactor 日志脱敏器
// 负责识别并脱敏签名参数、令牌和Cookie
type Redactor struct {
	sensitiveKeywords []string
}

// NewRedactor 创建脱敏器
func NewRedactor() *Redactor {
	return &Redactor{
		sensitiveKeywords: SensitiveKeywords,
	}
}

// IsSensitive 检查名称是否敏感
func (r *Redactor) IsSensitive(name string) bool {
	nameLower := strings.ToLower(name)
	for _, keyword := range r.sensitiveKeywords {
		if keyword == "fp" {
			// 仅匹配完整名称,避免误伤
			if nameLower == "fp" {
				return true
			}
			continue
		}
		if strings.Contains(nameLower, keyword) {
			return true
		}
	}
	return false
}

// RedactValue 脱敏单个值
func (r *Redactor) RedactValue(name, value string) string {
	if !r.IsSensitive(name) {
		return value
	}

	// Bearer Token - 仅显示前缀
	if strings.HasPrefix(value, "Bearer ") {
		return "Bearer ***"
	}

	// 长令牌 - 显示前4位+后4位
	if len(value) > 8 {
		return value[:4] + "***" + value[len(value)-4:]
	}

	return "***"
}

// RedactURL 脱敏URL中的签名参数,用于日志
func (r *Redactor) RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	changed := false
	for name, values := range q {
		if !r.IsSensitive(name) {
			continue
		}
		for i, v := range values {
			values[i] = r.RedactValue(name, v)
		}
		changed = true
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// RedactHeaders 脱敏整个http.Header,返回安全的字符串map (用于日志)
func (r *Redactor) RedactHeaders(headers http.Header) map[string]string {
	result := make(map[string]string)
	for name, values := range headers {
		if len(values) == 0 {
			continue
		}
		result[name] = r.RedactValue(name, values[0])
	}
	return result
}

var defaultRedactor = NewRedactor()

// RedactURL 使用默认脱敏器处理URL
func RedactURL(rawURL string) string {
	return defaultRedactor.RedactURL(rawURL)
}
