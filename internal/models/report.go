package models

import (
	"encoding/json"
	"time"
)

// BatchReport 批量采集报告
type BatchReport struct {
	// 任务信息
	BatchID string     `json:"batch_id"`
	Status  TaskStatus `json:"status"`

	// 时间信息
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  float64   `json:"duration"` // 秒

	// 统计信息
	TotalItems      int         `json:"total_items"`
	CompletedVideos int         `json:"completed_videos"`
	SkippedVideos   int         `json:"skipped_videos"`
	FailedVideos    int         `json:"failed_videos"`
	LimitReached    bool        `json:"limit_reached"`
	Stats           ScrapeStats `json:"stats"`

	// 视频明细
	Items []ItemResult `json:"items"`

	// 配置快照
	Config CollectConfig `json:"config"`
}

// NewBatchReport 从汇总生成报告
func NewBatchReport(s *BatchSummary, cfg CollectConfig) *BatchReport {
	return &BatchReport{
		BatchID:         s.BatchID,
		Status:          s.Status,
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		Duration:        s.Duration().Seconds(),
		TotalItems:      s.TotalItems,
		CompletedVideos: s.CompletedVideos,
		SkippedVideos:   s.SkippedVideos,
		FailedVideos:    s.FailedVideos,
		LimitReached:    s.LimitReached,
		Stats:           s.Stats,
		Items:           s.Items,
		Config:          cfg,
	}
}

// ToJSON 序列化为JSON
func (r *BatchReport) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// FromJSON 从JSON反序列化
func (r *BatchReport) FromJSON(data []byte) error {
	return json.Unmarshal(data, r)
}
