package models

import (
	"encoding/json"
	"fmt"
)

// 消息类型: 后台 ⇄ 内容脚本 ⇄ 页面脚本, 以及控制台WebSocket
const (
	MsgScrapeStart    = "scrape_start"
	MsgScrapeStop     = "scrape_stop"
	MsgScrapeProgress = "scrape_progress"
	MsgScrapeComplete = "scrape_complete"
	MsgScrapeError    = "scrape_error"

	MsgBatchStart    = "batch_start"
	MsgBatchCancel   = "batch_cancel"
	MsgBatchProgress = "batch_progress"
	MsgBatchComplete = "batch_complete"
	MsgBatchError    = "batch_error"

	MsgAPIStart    = "api_start"
	MsgAPIBatch    = "api_batch"
	MsgAPIProgress = "api_progress"
	MsgAPIComplete = "api_complete"
	MsgAPIError    = "api_error"

	MsgSessionState     = "session_state"
	MsgRateLimit        = "rate_limit"
	MsgFocusOrigin      = "focus_origin"
	MsgProfileMetadata  = "profile_metadata"
	MsgMetadataProgress = "metadata_progress"
	MsgTabActivated     = "tab_activated"
)

// Envelope 统一消息信封 {type, payload}
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope 构造消息信封
func NewEnvelope(msgType string, payload interface{}) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("序列化消息 %s 失败: %w", msgType, err)
	}
	env.Payload = data
	return env, nil
}

// MustEnvelope 构造消息信封,序列化失败时payload为空
func MustEnvelope(msgType string, payload interface{}) Envelope {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return Envelope{Type: msgType}
	}
	return env
}

// Decode 解析payload
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("消息 %s 缺少payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// ScrapeStartPayload 单视频采集请求
type ScrapeStartPayload struct {
	ItemID      string `json:"itemId"`
	MaxComments int    `json:"maxComments"`
}

// BatchStartPayload 批量采集请求
type BatchStartPayload struct {
	ItemIDs []string `json:"itemIds"`
}

// ProfileMetadataPayload 主页元数据采集请求
type ProfileMetadataPayload struct {
	ProfileURL string `json:"profileUrl"`
	MaxItems   int    `json:"maxItems"`
}

// TabActivatedPayload 标签页激活通知
type TabActivatedPayload struct {
	TabID string `json:"tabId"`
}

// ProgressPayload 单视频进度(所有失败都携带已累计的统计)
type ProgressPayload struct {
	ItemID  string        `json:"itemId"`
	Status  SessionStatus `json:"status"`
	Message string        `json:"message,omitempty"`
	Stats   ScrapeStats   `json:"stats"`
	Source  string        `json:"source,omitempty"` // api | dom
	Error   string        `json:"error,omitempty"`
}

// BatchProgressPayload 批量进度
type BatchProgressPayload struct {
	BatchID         string        `json:"batchId"`
	ItemIndex       int           `json:"itemIndex"`
	TotalItems      int           `json:"totalItems"`
	ItemID          string        `json:"itemId"`
	CompletedVideos int           `json:"completedVideos"`
	Status          SessionStatus `json:"status"`
	Stats           ScrapeStats   `json:"stats"`
	Error           string        `json:"error,omitempty"`
}

// APIProgressPayload API分页进度
type APIProgressPayload struct {
	ItemID   string `json:"itemId"`
	Page     int    `json:"page"`
	TopLevel int    `json:"topLevel"`
	Replies  int    `json:"replies"`
	HasMore  bool   `json:"hasMore"`
	Count    int    `json:"count,omitempty"`
	Error    string `json:"error,omitempty"`
}

// MetadataProgressPayload 元数据采集进度
type MetadataProgressPayload struct {
	Collected    int  `json:"collected"`
	MaxItems     int  `json:"maxItems"`
	LimitReached bool `json:"limitReached"`
}
