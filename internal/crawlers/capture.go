package crawlers

import (
	"context"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

// 评论接口URL模式
var (
	DefaultCommentPatterns = []string{
		"*://*/api/comment/list/*",
		"*://*/api/comment/list/reply/*",
	}
	DefaultBaselinePatterns = []string{
		`*://*/api/comment/list/\?*`,
	}
)

// CompilePatterns 编译URL glob模式
func CompilePatterns(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// MatchAny URL是否匹配任一模式
func MatchAny(globs []glob.Glob, rawURL string) bool {
	for _, g := range globs {
		if g.Match(rawURL) {
			return true
		}
	}
	return false
}

// BaselineSource 基线参数来源
type BaselineSource interface {
	Wait(ctx context.Context, timeout time.Duration) (*models.BaselineParams, error)
}

// ParamCapture 被动观察页面自身的评论接口请求,捕获基线参数
// 每次页面加载只捕获一次,导航后失效
type ParamCapture struct {
	patterns []glob.Glob

	mu       sync.Mutex
	baseline *models.BaselineParams
	ready    chan struct{}
}

// NewParamCapture 创建基线捕获器
func NewParamCapture(patterns []string) (*ParamCapture, error) {
	if len(patterns) == 0 {
		patterns = DefaultBaselinePatterns
	}
	globs, err := CompilePatterns(patterns)
	if err != nil {
		return nil, err
	}
	return &ParamCapture{patterns: globs, ready: make(chan struct{})}, nil
}

// ObserveRequest 处理一次页面发出的请求
func (c *ParamCapture) ObserveRequest(rawURL, pageURL string) {
	if !MatchAny(c.patterns, rawURL) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseline != nil {
		return
	}
	b, err := models.NewBaselineParams(rawURL, pageURL)
	if err != nil {
		utils.Debugf("解析基线请求失败: %v", err)
		return
	}
	c.baseline = b
	close(c.ready)
	utils.Debugf("捕获基线参数: %s (%d个字段)", b.Endpoint, len(b.Values))
}

// Current 当前基线参数
func (c *ParamCapture) Current() *models.BaselineParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseline
}

// Reset 导航后清除基线
func (c *ParamCapture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseline != nil {
		c.baseline = nil
		c.ready = make(chan struct{})
	}
}

// Wait 等待基线参数,超时返回 ErrParamsCaptureTimeout
func (c *ParamCapture) Wait(ctx context.Context, timeout time.Duration) (*models.BaselineParams, error) {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		if b := c.Current(); b != nil {
			return b, nil
		}
		return nil, models.ErrParamsCaptureTimeout
	case <-ctx.Done():
		return nil, models.ErrCancelled
	case <-timer.C:
		return nil, models.ErrParamsCaptureTimeout
	}
}
