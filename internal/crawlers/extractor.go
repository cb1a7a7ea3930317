package crawlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
)

// Extractor 结构化评论提取器,每种数据来源一个实现
type Extractor interface {
	Source() string
	Extract(itemID string, data []byte) ([]models.RawComment, error)
}

// flexString 兼容数字与字符串两种编码的ID
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	*s = flexString(string(b))
	return nil
}

// flexBool 兼容 0/1 与 true/false
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	switch strings.Trim(string(bytes.TrimSpace(b)), `"`) {
	case "1", "true":
		*f = true
	default:
		*f = false
	}
	return nil
}

// flexInt64 兼容数字与字符串编码的整数
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fv, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		n = int64(fv)
	}
	*f = flexInt64(n)
	return nil
}

type apiUser struct {
	UniqueID    string `json:"unique_id"`
	Nickname    string `json:"nickname"`
	AvatarThumb *struct {
		URLList []string `json:"url_list"`
	} `json:"avatar_thumb"`
}

// apiComment 平台评论对象(接口响应与组件props中形状一致)
type apiComment struct {
	Cid               flexString   `json:"cid"`
	Text              string       `json:"text"`
	CreateTime        flexInt64    `json:"create_time"`
	User              *apiUser     `json:"user"`
	ReplyID           flexString   `json:"reply_id"`
	ReplyToReplyID    flexString   `json:"reply_to_reply_id"`
	ReplyCommentTotal *int         `json:"reply_comment_total"`
	ReplyComment      []apiComment `json:"reply_comment"`
}

type apiPage struct {
	StatusCode *int         `json:"status_code"`
	StatusMsg  string       `json:"status_msg"`
	Comments   []apiComment `json:"comments"`
	Cursor     flexInt64    `json:"cursor"`
	HasMore    flexBool     `json:"has_more"`
	Total      int          `json:"total"`
}

// isZeroID 平台用 "0" 表示无父评论
func isZeroID(s flexString) bool {
	return s == "" || s == "0"
}

// toRaw 转换为RawComment,parent为空时按reply_id推断
func toRaw(itemID, parent string, c *apiComment) models.RawComment {
	raw := models.RawComment{
		ExternalID:   string(c.Cid),
		Text:         c.Text,
		CreatedAt:    int64(c.CreateTime),
		ParentItemID: itemID,
		ReplyCount:   c.ReplyCommentTotal,
	}
	if c.User != nil {
		raw.AuthorHandle = c.User.UniqueID
		raw.AuthorDisplayName = c.User.Nickname
		if c.User.AvatarThumb != nil && len(c.User.AvatarThumb.URLList) > 0 {
			raw.AuthorAvatarURL = models.StringPtr(c.User.AvatarThumb.URLList[0])
		}
	}
	if parent == "" && !isZeroID(c.ReplyID) {
		parent = string(c.ReplyID)
	}
	raw.ParentCommentID = models.StringPtr(parent)
	if !isZeroID(c.ReplyToReplyID) {
		raw.ReplyToReplyID = models.StringPtr(string(c.ReplyToReplyID))
	}
	return raw
}

// ParsedComment 顶级评论(或回复)及其内联预览回复
type ParsedComment struct {
	Comment  models.RawComment
	Inline   []models.RawComment
	Declared int // 平台声明的回复总数
}

// NeedsReplyPages 声明回复数多于内联预览时需要单独分页
func (p *ParsedComment) NeedsReplyPages() bool {
	return p.Declared > len(p.Inline)
}

// CommentPage 一页接口响应
type CommentPage struct {
	Comments []ParsedComment
	Cursor   int64
	HasMore  bool
	Total    int
}

// APIExtractor 评论接口响应解析
type APIExtractor struct{}

// NewAPIExtractor 创建接口响应解析器
func NewAPIExtractor() *APIExtractor {
	return &APIExtractor{}
}

// Source 数据来源
func (e *APIExtractor) Source() string { return "api" }

// ParsePage 解析一页响应并分类错误
// parentCommentID 非空时表示回复分页
func (e *APIExtractor) ParsePage(itemID, parentCommentID string, status int, body []byte) (*CommentPage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &models.HTTPError{Status: status, Message: "响应体为空", Retryable: true}
	}
	var page apiPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &models.HTTPError{Status: status, Message: "响应体格式错误: " + err.Error(), Retryable: true}
	}
	if page.StatusCode != nil && *page.StatusCode != 0 {
		return nil, &models.HTTPError{Status: status, BodyStatus: *page.StatusCode, Message: page.StatusMsg}
	}

	out := &CommentPage{
		Comments: make([]ParsedComment, 0, len(page.Comments)),
		Cursor:   int64(page.Cursor),
		HasMore:  bool(page.HasMore),
		Total:    page.Total,
	}
	for i := range page.Comments {
		c := &page.Comments[i]
		if c.Cid == "" {
			continue
		}
		pc := ParsedComment{Comment: toRaw(itemID, parentCommentID, c)}
		if c.ReplyCommentTotal != nil {
			pc.Declared = *c.ReplyCommentTotal
		}
		for j := range c.ReplyComment {
			r := &c.ReplyComment[j]
			if r.Cid == "" {
				continue
			}
			pc.Inline = append(pc.Inline, toRaw(itemID, string(c.Cid), r))
		}
		out.Comments = append(out.Comments, pc)
	}
	return out, nil
}

// Extract 解析响应并展开为扁平列表(顶级评论在前,其内联回复紧随其后)
func (e *APIExtractor) Extract(itemID string, data []byte) ([]models.RawComment, error) {
	page, err := e.ParsePage(itemID, "", 200, data)
	if err != nil {
		return nil, err
	}
	out := make([]models.RawComment, 0, len(page.Comments))
	for _, pc := range page.Comments {
		out = append(out, pc.Comment)
		out = append(out, pc.Inline...)
	}
	return out, nil
}

// fiberRecord 页面脚本 fiber_extract 返回的一条记录
type fiberRecord struct {
	Comment  *apiComment `json:"comment"`
	DomText  string      `json:"domText"`
	Level    int         `json:"level"`
	ThreadID string      `json:"threadId"`
}

// FiberExtractor 通过组件内部状态恢复评论字段
type FiberExtractor struct{}

// NewFiberExtractor 创建组件状态提取器
func NewFiberExtractor() *FiberExtractor {
	return &FiberExtractor{}
}

// Source 数据来源
func (e *FiberExtractor) Source() string { return "dom" }

// Extract 解析 fiber_extract 结果,无组件状态的节点被跳过
func (e *FiberExtractor) Extract(itemID string, data []byte) ([]models.RawComment, error) {
	var records []fiberRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("解析组件状态失败: %w", err)
	}

	out := make([]models.RawComment, 0, len(records))
	for _, r := range records {
		if r.Comment == nil || r.Comment.Cid == "" {
			continue
		}
		parent := ""
		if r.Level == 2 && isZeroID(r.Comment.ReplyID) {
			parent = r.ThreadID
		}
		raw := toRaw(itemID, parent, r.Comment)
		if raw.Text == "" {
			raw.Text = strings.TrimSpace(r.DomText)
		}
		out = append(out, raw)
	}
	return out, nil
}
