package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name        string
		transport   string
		pageDelay   time.Duration
		itemDelay   time.Duration
		maxComments int
		wantErr     bool
	}{
		{"全部默认", "", 0, 0, 0, false},
		{"页内请求", "page", time.Second, 2 * time.Second, 500, false},
		{"直连请求", "http", 0, 0, 0, false},
		{"未知请求方式", "grpc", 0, 0, 0, true},
		{"翻页间隔为负", "", -time.Second, 0, 0, true},
		{"翻页间隔过长", "", 2 * time.Minute, 0, 0, true},
		{"视频间隔过长", "", 0, time.Hour, 0, true},
		{"评论上限为负", "", 0, 0, -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFlags(tt.transport, tt.pageDelay, tt.itemDelay, tt.maxComments)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateItemFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "items.txt")
	if err := os.WriteFile(file, []byte("7301234567890123456\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"存在的文件", file, false},
		{"空路径", "", true},
		{"不存在", filepath.Join(dir, "missing.txt"), true},
		{"目录", dir, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateItemFile(tt.path); (err != nil) != tt.wantErr {
				t.Errorf("ValidateItemFile(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}
