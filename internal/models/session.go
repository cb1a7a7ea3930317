package models

import "time"

// SessionStatus 会话状态
type SessionStatus string

const (
	StatusLoading   SessionStatus = "loading"   // 标签页加载中
	StatusScraping  SessionStatus = "scraping"  // 采集中
	StatusPaused    SessionStatus = "paused"    // 因限流暂停
	StatusComplete  SessionStatus = "complete"  // 已完成
	StatusError     SessionStatus = "error"     // 失败
	StatusCancelled SessionStatus = "cancelled" // 用户取消
)

// IsTerminal 是否为终止状态
func (s SessionStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// SessionState 进程级唯一的采集会话状态(持久化)
type SessionState struct {
	IsActive      bool          `json:"isActive"`
	IsPaused      bool          `json:"isPaused"`
	ItemID        *string       `json:"itemId"`
	TabID         *string       `json:"tabId"`
	CommentsFound int           `json:"commentsFound"`
	Status        SessionStatus `json:"status"`
	Message       string        `json:"message"`
	IsBatch       bool          `json:"isBatch"`
	RunID         string        `json:"runId,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// ActiveTab 返回当前跟踪的标签页ID
func (s *SessionState) ActiveTab() string {
	if s.TabID == nil {
		return ""
	}
	return *s.TabID
}

// RateLimitState 限流状态,仅由限流监视器修改
type RateLimitState struct {
	IsRateLimited  bool       `json:"isRateLimited"`
	ErrorCount     int        `json:"errorCount"`
	LastErrorAt    time.Time  `json:"lastErrorAt"`
	IsPausedFor429 bool       `json:"isPausedFor429"`
	ResumeAt       *time.Time `json:"resumeAt"`
}
