package main

import (
	"fmt"
	"os"
	"time"
)

// ValidateFlags 验证命令行标志,零值表示沿用配置文件
func ValidateFlags(transport string, pageDelay, itemDelay time.Duration, maxComments int) error {
	// 验证请求方式
	validTransports := map[string]bool{
		"":     true,
		"page": true,
		"http": true,
	}
	if !validTransports[transport] {
		return fmt.Errorf("无效的请求方式: %s (有效值: page, http)", transport)
	}

	if pageDelay < 0 || pageDelay > time.Minute {
		return fmt.Errorf("翻页间隔必须在0-60秒之间,当前值: %v", pageDelay)
	}

	if itemDelay < 0 || itemDelay > 10*time.Minute {
		return fmt.Errorf("视频间隔必须在0-10分钟之间,当前值: %v", itemDelay)
	}

	if maxComments < 0 {
		return fmt.Errorf("评论上限不能为负数,当前值: %d", maxComments)
	}

	return nil
}

// ValidateItemFile 验证视频列表文件路径
func ValidateItemFile(path string) error {
	if path == "" {
		return fmt.Errorf("视频列表文件路径不能为空")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("视频列表文件不可用: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s 是目录", path)
	}
	return nil
}
