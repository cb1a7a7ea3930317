package crawlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

// ScrollMetrics 滚动容器状态
type ScrollMetrics struct {
	ScrollTop    float64 `json:"scrollTop"`
	ScrollHeight float64 `json:"scrollHeight"`
	ClientHeight float64 `json:"clientHeight"`
	ItemCount    int     `json:"itemCount"`
	TextCount    int     `json:"textCount"`
}

// ReplyButton "查看回复"控件
type ReplyButton struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	ThreadID string `json:"threadId"`
}

// ThreadKey 回复线程标识
func (b ReplyButton) ThreadKey() string {
	if b.ThreadID != "" {
		return b.ThreadID
	}
	return b.Key
}

// ReplyButtonState 点击前后比较的控件状态
type ReplyButtonState struct {
	Exists     bool   `json:"exists"`
	Label      string `json:"label"`
	ReplyCount int    `json:"replyCount"`
}

// CommentSurface 单个视频评论区的页面操作
type CommentSurface interface {
	ItemID() string
	OpenComments(ctx context.Context) error
	Extract(ctx context.Context) ([]models.RawComment, error)
	ReplyButtons(ctx context.Context) ([]ReplyButton, error)
	ClickReply(ctx context.Context, key string) error
	ReplyState(ctx context.Context, btn ReplyButton) (ReplyButtonState, error)
	ScrollToBottom(ctx context.Context) error
	Metrics(ctx context.Context) (ScrollMetrics, error)
}

// GridSurface 主页视频网格的页面操作
type GridSurface interface {
	GridItems(ctx context.Context) ([]models.ItemMeta, error)
	ScrollToBottom(ctx context.Context) error
	Metrics(ctx context.Context) (ScrollMetrics, error)
	OpenItem(ctx context.Context, itemID string) (CommentSurface, error)
}

// RodCommentSurface 通过页面脚本实现的评论区操作
type RodCommentSurface struct {
	bridge    BridgeCaller
	itemID    string
	extractor *FiberExtractor
}

// NewCommentSurface 创建评论区操作
func NewCommentSurface(bridge BridgeCaller, itemID string) *RodCommentSurface {
	return &RodCommentSurface{bridge: bridge, itemID: itemID, extractor: NewFiberExtractor()}
}

// ItemID 当前视频ID
func (s *RodCommentSurface) ItemID() string { return s.itemID }

// OpenComments 打开评论面板,面板已展开时页面上没有入口按钮
func (s *RodCommentSurface) OpenComments(ctx context.Context) error {
	var res struct {
		Opened bool `json:"opened"`
	}
	if err := s.bridge.Call(ctx, "open_comments", nil, &res); err != nil {
		return err
	}
	if !res.Opened {
		utils.Debugf("未找到评论入口,评论面板可能已展开")
	}
	return nil
}

// Extract 读取当前渲染的评论节点
func (s *RodCommentSurface) Extract(ctx context.Context) ([]models.RawComment, error) {
	var raw json.RawMessage
	if err := s.bridge.Call(ctx, "fiber_extract", nil, &raw); err != nil {
		return nil, err
	}
	return s.extractor.Extract(s.itemID, raw)
}

// ReplyButtons 当前可见的"查看回复"控件
func (s *RodCommentSurface) ReplyButtons(ctx context.Context) ([]ReplyButton, error) {
	var out []ReplyButton
	err := s.bridge.Call(ctx, "reply_buttons", nil, &out)
	return out, err
}

// ClickReply 点击控件
func (s *RodCommentSurface) ClickReply(ctx context.Context, key string) error {
	var res struct {
		Clicked bool `json:"clicked"`
	}
	if err := s.bridge.Call(ctx, "click_reply", map[string]string{"key": key}, &res); err != nil {
		return err
	}
	if !res.Clicked {
		return fmt.Errorf("控件 %s 已不在页面中", key)
	}
	return nil
}

// ReplyState 控件与所属线程的当前状态
func (s *RodCommentSurface) ReplyState(ctx context.Context, btn ReplyButton) (ReplyButtonState, error) {
	var st ReplyButtonState
	err := s.bridge.Call(ctx, "reply_state", map[string]string{"key": btn.Key, "threadId": btn.ThreadID}, &st)
	return st, err
}

// ScrollToBottom 滚动评论容器到底部
func (s *RodCommentSurface) ScrollToBottom(ctx context.Context) error {
	return s.bridge.Call(ctx, "scroll", nil, nil)
}

// Metrics 滚动容器状态
func (s *RodCommentSurface) Metrics(ctx context.Context) (ScrollMetrics, error) {
	var m ScrollMetrics
	err := s.bridge.Call(ctx, "scroll_metrics", nil, &m)
	return m, err
}

// ItemNavigator 在同一标签页内导航到视频页
type ItemNavigator interface {
	NavigateItem(ctx context.Context, itemID string) (BridgeCaller, error)
}

// RodGridSurface 主页视频网格
type RodGridSurface struct {
	bridge    BridgeCaller
	navigator ItemNavigator
}

// NewGridSurface 创建网格操作
func NewGridSurface(bridge BridgeCaller, navigator ItemNavigator) *RodGridSurface {
	return &RodGridSurface{bridge: bridge, navigator: navigator}
}

// GridItems 当前渲染的网格单元
func (g *RodGridSurface) GridItems(ctx context.Context) ([]models.ItemMeta, error) {
	var out []models.ItemMeta
	err := g.bridge.Call(ctx, "grid_items", nil, &out)
	return out, err
}

// ScrollToBottom 滚动页面到底部
func (g *RodGridSurface) ScrollToBottom(ctx context.Context) error {
	return g.bridge.Call(ctx, "scroll", nil, nil)
}

// Metrics 页面滚动状态
func (g *RodGridSurface) Metrics(ctx context.Context) (ScrollMetrics, error) {
	var m ScrollMetrics
	err := g.bridge.Call(ctx, "scroll_metrics", nil, &m)
	return m, err
}

// OpenItem 导航到视频页并返回其评论区操作
func (g *RodGridSurface) OpenItem(ctx context.Context, itemID string) (CommentSurface, error) {
	if g.navigator == nil {
		return nil, fmt.Errorf("未配置视频导航")
	}
	bridge, err := g.navigator.NavigateItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return NewCommentSurface(bridge, itemID), nil
}
