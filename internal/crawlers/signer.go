package crawlers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

// Signer 页面签名能力
type Signer interface {
	Discover(ctx context.Context) (bool, error)
	Token(ctx context.Context) (string, error)
	Sign(ctx context.Context, rawURL string) (string, error)
}

// PageSigner 通过页面脚本发现并调用目标页面自带的签名函数
type PageSigner struct {
	bridge BridgeCaller

	mu         sync.Mutex
	discovered bool
	path       string
}

// NewPageSigner 创建签名发现器
func NewPageSigner(bridge BridgeCaller) *PageSigner {
	return &PageSigner{bridge: bridge}
}

type discoverResult struct {
	Found bool   `json:"found"`
	Path  string `json:"path"`
}

// Discover 查找签名函数,找到后在页面生命周期内缓存
func (s *PageSigner) Discover(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.discovered {
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	var res discoverResult
	if err := s.bridge.Call(ctx, "discover_signer", nil, &res); err != nil {
		return false, fmt.Errorf("查找签名函数失败: %w", err)
	}
	if !res.Found {
		return false, models.ErrSigningNotFound
	}

	s.mu.Lock()
	s.discovered = true
	s.path = res.Path
	s.mu.Unlock()
	utils.Infof("🔑 找到页面签名函数: %s", res.Path)
	return true, nil
}

// Invalidate 主框架导航后清除缓存
func (s *PageSigner) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discovered = false
	s.path = ""
}

// Path 已发现的签名函数路径
func (s *PageSigner) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Token 读取页面的新鲜度令牌(msToken)
func (s *PageSigner) Token(ctx context.Context) (string, error) {
	var res struct {
		Token string `json:"token"`
	}
	if err := s.bridge.Call(ctx, "token", nil, &res); err != nil {
		return "", err
	}
	return res.Token, nil
}

// Sign 为请求URL追加签名参数
func (s *PageSigner) Sign(ctx context.Context, rawURL string) (string, error) {
	var res struct {
		URL string `json:"url"`
	}
	if err := s.bridge.Call(ctx, "sign", map[string]string{"url": rawURL}, &res); err != nil {
		var bridgeErr *BridgeError
		if errors.As(err, &bridgeErr) {
			// 页面脚本丢失签名函数(页面已重载)
			s.Invalidate()
		}
		return "", fmt.Errorf("签名失败: %w", err)
	}
	if res.URL == "" {
		return "", errors.New("签名结果为空")
	}
	return res.URL, nil
}
