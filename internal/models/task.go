package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus 批量任务状态
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"   // 待执行
	TaskStatusRunning   TaskStatus = "running"   // 执行中
	TaskStatusCompleted TaskStatus = "completed" // 已完成
	TaskStatusFailed    TaskStatus = "failed"    // 失败
	TaskStatusCancelled TaskStatus = "cancelled" // 已取消
	TaskStatusSkipped   TaskStatus = "skipped"   // 跳过(标签页错误)
	TaskStatusLimited   TaskStatus = "limited"   // 配额已满
)

// CollectConfig 采集引擎参数
type CollectConfig struct {
	// API分页
	PageSize          int           `json:"page_size"`           // 每页评论数 (默认:20)
	BatchSize         int           `json:"batch_size"`          // 单批写入数量 (默认:50)
	PageDelay         time.Duration `json:"page_delay"`          // 翻页间隔 (默认:1s)
	MaxRetries        int           `json:"max_retries"`         // 最大重试次数 (默认:3)
	InitialBackoff    time.Duration `json:"initial_backoff"`     // 初始退避 (默认:1s)
	RateLimitBackoff  time.Duration `json:"rate_limit_backoff"`  // 429初始退避 (默认:5s)
	MaxBackoff        time.Duration `json:"max_backoff"`         // 退避上限 (默认:30s)
	BackoffMultiplier float64       `json:"backoff_multiplier"`  // 退避倍数 (默认:2)
	BaselineTimeout   time.Duration `json:"baseline_timeout"`    // 等待基线参数超时 (默认:15s)
	FetchReplies      bool          `json:"fetch_replies"`       // 是否分页拉取回复 (默认:true)
	UseHTTPTransport  bool          `json:"use_http_transport"`  // 使用Go侧HTTP请求代替页内fetch

	// DOM提取
	ContentTimeout    time.Duration `json:"content_timeout"`     // 等待首条评论 (默认:15s)
	ClickTimeout      time.Duration `json:"click_timeout"`       // 单次展开等待 (默认:3s)
	ScrollWait        time.Duration `json:"scroll_wait"`         // 滚动后等待 (默认:3s)
	PollInterval      time.Duration `json:"poll_interval"`       // 轮询间隔 (默认:250ms)
	PausePoll         time.Duration `json:"pause_poll"`          // 暂停轮询间隔 (默认:200ms)
	MaxUnproductive   int           `json:"max_unproductive"`    // 连续无效点击上限 (默认:3)
	NearEndThreshold  int           `json:"near_end_threshold"`  // 接近末尾阈值,0表示关闭 (默认:3)
	StableIterations  int           `json:"stable_iterations"`   // 连续无增长轮次 (默认:2)
	MetadataSaveEvery int           `json:"metadata_save_every"` // 元数据增量保存间隔 (默认:10)
	MaxIterations     int           `json:"max_iterations"`      // 滚动轮次上限 (默认:500)
}

// DefaultCollectConfig 返回默认采集参数
func DefaultCollectConfig() CollectConfig {
	return CollectConfig{
		PageSize:          20,
		BatchSize:         50,
		PageDelay:         time.Second,
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		RateLimitBackoff:  5 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2,
		BaselineTimeout:   15 * time.Second,
		FetchReplies:      true,
		ContentTimeout:    15 * time.Second,
		ClickTimeout:      3 * time.Second,
		ScrollWait:        3 * time.Second,
		PollInterval:      250 * time.Millisecond,
		PausePoll:         200 * time.Millisecond,
		MaxUnproductive:   3,
		NearEndThreshold:  3,
		StableIterations:  2,
		MetadataSaveEvery: 10,
		MaxIterations:     500,
	}
}

// Validate 验证配置
func (c *CollectConfig) Validate() error {
	if c.PageSize < 1 || c.PageSize > 100 {
		return fmt.Errorf("每页评论数必须在1-100之间")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("批次大小必须大于0")
	}
	if c.MaxRetries < 0 || c.MaxRetries > 20 {
		return fmt.Errorf("最大重试次数必须在0-20之间")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("退避倍数不能小于1")
	}
	if c.MaxBackoff < c.InitialBackoff || c.MaxBackoff < c.RateLimitBackoff {
		return fmt.Errorf("退避上限不能小于初始退避")
	}
	if c.PollInterval <= 0 || c.PausePoll <= 0 {
		return fmt.Errorf("轮询间隔必须大于0")
	}
	if c.MaxUnproductive < 1 {
		return fmt.Errorf("连续无效点击上限必须大于0")
	}
	if c.NearEndThreshold < 0 {
		return fmt.Errorf("接近末尾阈值不能为负数")
	}
	if c.StableIterations < 1 {
		return fmt.Errorf("稳定轮次必须大于0")
	}
	if c.MetadataSaveEvery < 1 {
		return fmt.Errorf("元数据保存间隔必须大于0")
	}
	return nil
}

// ItemResult 批量任务中单个视频的结果
type ItemResult struct {
	Index     int           `json:"index"`
	ItemID    string        `json:"item_id"`
	URL       string        `json:"url"`
	Status    TaskStatus    `json:"status"`
	Source    string        `json:"source,omitempty"` // api | dom
	Stats     ScrapeStats   `json:"stats"`
	Meta      *ItemMeta     `json:"meta,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// BatchSummary 批量任务汇总
type BatchSummary struct {
	BatchID         string       `json:"batch_id"`
	Status          TaskStatus   `json:"status"`
	TotalItems      int          `json:"total_items"`
	CompletedVideos int          `json:"completed_videos"`
	SkippedVideos   int          `json:"skipped_videos"`
	FailedVideos    int          `json:"failed_videos"`
	Stats           ScrapeStats  `json:"stats"`
	Items           []ItemResult `json:"items"`
	LimitReached    bool         `json:"limit_reached"`
	Error           string       `json:"error,omitempty"`
	StartTime       time.Time    `json:"start_time"`
	EndTime         time.Time    `json:"end_time"`
}

// NewBatchSummary 创建批量汇总
func NewBatchSummary(total int) *BatchSummary {
	return &BatchSummary{
		BatchID:    generateID(),
		Status:     TaskStatusRunning,
		TotalItems: total,
		Items:      make([]ItemResult, 0, total),
		StartTime:  time.Now(),
	}
}

// Record 记录单个视频结果,只有成功和配额中断的视频计入统计
func (s *BatchSummary) Record(r ItemResult) {
	s.Items = append(s.Items, r)
	switch r.Status {
	case TaskStatusCompleted:
		s.CompletedVideos++
		s.Stats.Merge(r.Stats)
	case TaskStatusLimited, TaskStatusCancelled:
		s.Stats.Merge(r.Stats)
	case TaskStatusSkipped:
		s.SkippedVideos++
	case TaskStatusFailed:
		s.FailedVideos++
	}
}

// Duration 总耗时
func (s *BatchSummary) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// ToJSON 序列化为JSON
func (s *BatchSummary) ToJSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
