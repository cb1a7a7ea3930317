package utils

import (
	"errors"
	"strings"
	"testing"
)

func TestHeaderValidator_ValidateName(t *testing.T) {
	validator := NewHeaderValidator()

	tests := []struct {
		name        string
		headerName  string
		expectError bool
	}{
		{"合法名称-字母", "Accept-Language", false},
		{"合法名称-数字", "X-Request-ID-123", false},
		{"非法名称-空格", "User Agent", true},
		{"非法名称-下划线", "User_Agent", true},
		{"非法名称-空字符串", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateName(tt.headerName)
			if (err != nil) != tt.expectError {
				t.Errorf("期望错误=%v, 实际错误=%v", tt.expectError, err)
			}
		})
	}
}

func TestHeaderValidator_ValidateHeader(t *testing.T) {
	validator := NewHeaderValidator()

	tests := []struct {
		name        string
		headerName  string
		headerValue string
		expectError bool
	}{
		{"合法头部", "Accept-Language", "zh-CN,zh;q=0.9", false},
		{"合法值-空字符串", "X-Empty", "", false},
		{"禁止头部-Cookie", "Cookie", "sessionid=1", true},
		{"禁止头部-不区分大小写", "accept-encoding", "gzip", true},
		{"非法值-控制字符", "X-Bad", "value\x00bad", true},
		{"非法值-超长", "X-Long", strings.Repeat("a", MaxHeaderValueLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateHeader(tt.headerName, tt.headerValue)
			if (err != nil) != tt.expectError {
				t.Errorf("期望错误=%v, 实际错误=%v", tt.expectError, err)
			}
		})
	}
}

func TestHeaderValidator_ValidateMap(t *testing.T) {
	validator := NewHeaderValidator()

	t.Run("合法配置转换为http.Header", func(t *testing.T) {
		h, err := validator.ValidateMap(map[string]string{
			"accept-language": "zh-CN",
			"X-Custom":        "1",
		})
		if err != nil {
			t.Fatalf("期望无错误, 实际错误=%v", err)
		}
		if h.Get("Accept-Language") != "zh-CN" || h.Get("X-Custom") != "1" {
			t.Errorf("转换结果 = %v", h)
		}
	})

	t.Run("包含禁止头部", func(t *testing.T) {
		_, err := validator.ValidateMap(map[string]string{"Host": "example.com"})
		var verr *ValidationError
		if err == nil {
			t.Fatal("期望返回错误, 但无错误")
		}
		if !errors.As(err, &verr) || verr.Field != "name" {
			t.Errorf("错误类型 = %T %v", err, err)
		}
	})
}
