package models

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	itemIDPattern  = regexp.MustCompile(`^\d{6,25}$`)
	itemURLPattern = regexp.MustCompile(`/(?:video|photo)/(\d{6,25})`)
)

// ValidateItemID 验证视频ID
func ValidateItemID(id string) error {
	if !itemIDPattern.MatchString(id) {
		return fmt.Errorf("无效的视频ID: %q", id)
	}
	return nil
}

// NormalizeItemID 从视频ID或视频URL中提取视频ID
func NormalizeItemID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("视频ID为空")
	}
	if itemIDPattern.MatchString(raw) {
		return raw, nil
	}
	if err := ValidateURL(raw); err != nil {
		return "", fmt.Errorf("无效的视频ID或URL: %q", raw)
	}
	parsed, _ := url.Parse(raw)
	if m := itemURLPattern.FindStringSubmatch(parsed.Path); m != nil {
		return m[1], nil
	}
	return "", fmt.Errorf("URL中未找到视频ID: %q", raw)
}

// ItemURL 构造视频页面URL
func ItemURL(baseURL, itemID string) string {
	return strings.TrimRight(baseURL, "/") + "/video/" + itemID
}

// ValidateURL 验证URL
func ValidateURL(urlStr string) error {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("无效的URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL必须是HTTP或HTTPS协议")
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL必须包含主机名")
	}
	return nil
}

// NewRunID 生成运行ID
func NewRunID() string {
	return generateID()
}

// generateID 生成唯一ID
func generateID() string {
	return uuid.New().String()
}
