package models

import (
	"encoding/json"
	"fmt"
)

// RawComment 从目标平台采集到的一条评论
type RawComment struct {
	ExternalID        string  `json:"externalId"`        // 平台评论ID(cid)
	AuthorHandle      string  `json:"authorHandle"`      // 作者账号(unique_id)
	AuthorDisplayName string  `json:"authorDisplayName"` // 作者昵称
	Text              string  `json:"text"`              // 评论正文
	CreatedAt         int64   `json:"createdAt"`         // 发布时间(epoch秒)
	ParentItemID      string  `json:"parentItemId"`      // 所属视频ID
	ParentCommentID   *string `json:"parentCommentId"`   // 为nil表示顶级评论
	ReplyToReplyID    *string `json:"replyToReplyId"`    // 楼中楼回复对象
	ReplyCount        *int    `json:"replyCount"`        // 平台声明的回复数
	AuthorAvatarURL   *string `json:"authorAvatarUrl"`   // 头像地址
}

// IsTopLevel 是否为顶级评论
func (c *RawComment) IsTopLevel() bool {
	return c.ParentCommentID == nil || *c.ParentCommentID == ""
}

// Validate 校验必填字段
func (c *RawComment) Validate() error {
	if c.ExternalID == "" {
		return fmt.Errorf("评论缺少externalId")
	}
	if c.ParentItemID == "" {
		return fmt.Errorf("评论 %s 缺少parentItemId", c.ExternalID)
	}
	return nil
}

// DedupKey 返回 (视频, 评论) 维度的唯一键
func (c *RawComment) DedupKey() string {
	return c.ParentItemID + ":" + c.ExternalID
}

// StringPtr 返回字符串指针,空串返回nil
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// IntPtr 返回int指针
func IntPtr(n int) *int {
	return &n
}

// ScrapeStats 单次运行的累计统计,各字段只增不减
type ScrapeStats struct {
	Found      int `json:"found"`
	Stored     int `json:"stored"`
	Duplicates int `json:"duplicates"`
	Ignored    int `json:"ignored"`
}

// AddResult 将一次持久化结果累加到统计中
func (s *ScrapeStats) AddResult(found int, r *StoreResult) {
	if found > 0 {
		s.Found += found
	}
	if r == nil {
		return
	}
	if r.Stored > 0 {
		s.Stored += r.Stored
	}
	if r.Duplicates > 0 {
		s.Duplicates += r.Duplicates
	}
	if r.Ignored > 0 {
		s.Ignored += r.Ignored
	}
}

// Merge 合并另一个统计(批量任务跨视频累计)
func (s *ScrapeStats) Merge(o ScrapeStats) {
	s.AddResult(o.Found, &StoreResult{Stored: o.Stored, Duplicates: o.Duplicates, Ignored: o.Ignored})
}

// NotLess 判断统计的每个字段都不小于prev
func (s ScrapeStats) NotLess(prev ScrapeStats) bool {
	return s.Found >= prev.Found &&
		s.Stored >= prev.Stored &&
		s.Duplicates >= prev.Duplicates &&
		s.Ignored >= prev.Ignored
}

// StoreResult 持久化层 addComments 的返回值
type StoreResult struct {
	Stored       int  `json:"stored"`
	Duplicates   int  `json:"duplicates"`
	Ignored      int  `json:"ignored"`
	LimitReached bool `json:"limitReached,omitempty"`
	MonthlyLimit int  `json:"monthlyLimit,omitempty"`
	CurrentCount int  `json:"currentCount,omitempty"`
}

// ItemMeta 视频元数据(仅元数据模式)
type ItemMeta struct {
	ItemID       string `json:"itemId"`
	ThumbnailURL string `json:"thumbnailUrl"`
	URL          string `json:"url,omitempty"`
	Title        string `json:"title,omitempty"`
	Author       string `json:"author,omitempty"`
}

// ToJSON 序列化为JSON
func (m *ItemMeta) ToJSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
