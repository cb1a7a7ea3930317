package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SessionCheckpoint 会话状态持久化文件内容
type SessionCheckpoint struct {
	Session   SessionState   `json:"session"`
	RateLimit RateLimitState `json:"rateLimit"`
	SavedAt   time.Time      `json:"savedAt"`
}

// ToJSON 序列化为JSON
func (c *SessionCheckpoint) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// FromJSON 从JSON反序列化
func (c *SessionCheckpoint) FromJSON(data []byte) error {
	return json.Unmarshal(data, c)
}

// SaveToFile 保存到文件,先写临时文件再重命名
func (c *SessionCheckpoint) SaveToFile(path string) error {
	data, err := c.ToJSON()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建状态目录失败: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadCheckpointFromFile 从文件加载,文件不存在时返回 (nil, nil)
func LoadCheckpointFromFile(path string) (*SessionCheckpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var cp SessionCheckpoint
	if err := cp.FromJSON(data); err != nil {
		return nil, fmt.Errorf("解析状态文件失败: %w", err)
	}

	return &cp, nil
}

// RemoveCheckpoint 删除状态文件
func RemoveCheckpoint(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
