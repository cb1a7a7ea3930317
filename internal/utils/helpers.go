package utils

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
)

// ReadItemIDsFromFile 从文件中读取视频ID或视频URL列表
func ReadItemIDsFromFile(filepath string) ([]string, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("打开视频列表文件失败: %w", err)
	}
	defer file.Close()

	items := make([]string, 0)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// 跳过空行和注释行
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if _, err := models.NormalizeItemID(line); err != nil {
			Warnf("跳过无效视频 (行 %d): %s - %v", lineNum, line, err)
			continue
		}

		items = append(items, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取视频列表文件失败: %w", err)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("文件中没有有效的视频ID")
	}

	Infof("从文件加载了 %d 个视频", len(items))
	return items, nil
}

// Truncate 截断过长字符串(按字符)
func Truncate(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
