package models

import (
	"net/url"
	"strings"
	"time"
)

// PerRequestParams 每次请求单独生成的查询参数,捕获基线时剔除
var PerRequestParams = []string{
	"cursor",
	"count",
	"aweme_id",
	"item_id",
	"comment_id",
	"msToken",
	"X-Bogus",
	"X-Gnarly",
	"_signature",
}

// BaselineParams 从目标页面自身首个评论接口请求中捕获的指纹参数
type BaselineParams struct {
	Endpoint   string     `json:"endpoint"`    // scheme://host/path
	Values     url.Values `json:"values"`      // 剔除每请求字段后的参数
	PageURL    string     `json:"page_url"`    // 捕获时所在页面
	CapturedAt time.Time  `json:"captured_at"` // 捕获时间
}

// NewBaselineParams 从原始请求URL构造基线参数
func NewBaselineParams(rawURL, pageURL string) (*BaselineParams, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	values := u.Query()
	for _, key := range PerRequestParams {
		values.Del(key)
	}
	return &BaselineParams{
		Endpoint:   u.Scheme + "://" + u.Host + u.Path,
		Values:     values,
		PageURL:    pageURL,
		CapturedAt: time.Now(),
	}, nil
}

// Origin 返回 scheme://host
func (b *BaselineParams) Origin() string {
	u, err := url.Parse(b.Endpoint)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Clone 复制参数,用于每页请求
func (b *BaselineParams) Clone() url.Values {
	out := make(url.Values, len(b.Values))
	for k, v := range b.Values {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// PaginationCursor 分页游标,每个视频一个,每个(视频,父评论)的回复页各一个
type PaginationCursor struct {
	ItemID          string `json:"itemId"`
	ParentCommentID string `json:"parentCommentId,omitempty"`
	Cursor          int64  `json:"cursor"`
	HasMore         bool   `json:"hasMore"`
}

// Key 游标键
func (c *PaginationCursor) Key() string {
	if c.ParentCommentID == "" {
		return c.ItemID
	}
	return strings.Join([]string{c.ItemID, c.ParentCommentID}, "/")
}
