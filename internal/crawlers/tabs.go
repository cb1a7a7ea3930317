package crawlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

// ErrTabNotFound 标签页已不存在
var ErrTabNotFound = errors.New("标签页不存在")

// TabEvents 标签页生命周期与网络事件回调,均在rod事件goroutine中调用
type TabEvents struct {
	OnRequest   func(tabID, rawURL, pageURL string)
	OnResponse  func(tabID, rawURL string, status int)
	OnNavigated func(tabID, url string)
	OnClosed    func(tabID string)
}

// TabConfig 标签页配置
type TabConfig struct {
	BaseURL         string
	Stealth         bool
	BridgeTimeout   time.Duration
	NavigateTimeout time.Duration
}

// Tab 一个受管理的浏览器标签页
type Tab struct {
	ID     string
	Page   *rod.Page
	Bridge *PageBridge

	manager *TabManager
}

// TabManager 标签页管理器
// 职责: 打开/导航/关闭标签页,把网络和生命周期事件分发给监听者
type TabManager struct {
	browser *rod.Browser
	monitor *ResourceMonitor
	config  TabConfig
	events  TabEvents

	tabs map[string]*Tab
	mu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTabManager 创建标签页管理器,monitor可为nil
func NewTabManager(browser *rod.Browser, monitor *ResourceMonitor, config TabConfig, events TabEvents) *TabManager {
	if config.NavigateTimeout <= 0 {
		config.NavigateTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &TabManager{
		browser: browser,
		monitor: monitor,
		config:  config,
		events:  events,
		tabs:    make(map[string]*Tab),
		ctx:     ctx,
		cancel:  cancel,
	}

	// 关闭事件需要开启target发现
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(browser); err != nil {
		utils.Warnf("开启标签页发现失败: %v", err)
	}
	go browser.Context(ctx).EachEvent(func(e *proto.TargetTargetDestroyed) {
		m.handleClosed(string(e.TargetID))
	})()

	return m
}

// Open 打开新标签页并导航到url
func (m *TabManager) Open(ctx context.Context, url string) (*Tab, error) {
	if m.monitor != nil {
		if ok, reason := m.monitor.CheckResourceAvailability(); !ok {
			return nil, &models.TabError{Op: "open", Err: errors.New(reason)}
		}
	}

	var page *rod.Page
	var err error
	if m.config.Stealth {
		page, err = stealth.Page(m.browser)
	} else {
		page, err = m.browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, &models.TabError{Op: "open", Err: err}
	}

	tab := &Tab{
		ID:      string(page.TargetID),
		Page:    page,
		Bridge:  NewPageBridge(page, m.config.BridgeTimeout),
		manager: m,
	}
	if err := tab.Bridge.Install(); err != nil {
		_ = page.Close()
		return nil, &models.TabError{Op: "open", Err: err}
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		utils.Warnf("启用网络事件失败: %v", err)
	}
	m.watch(tab)

	m.mu.Lock()
	m.tabs[tab.ID] = tab
	m.mu.Unlock()

	if url != "" {
		if err := tab.Navigate(ctx, url); err != nil {
			_ = tab.Close()
			return nil, err
		}
	}
	utils.Debugf("标签页已打开: %s", tab.ID)
	return tab, nil
}

// watch 把页面事件分发给回调
func (m *TabManager) watch(tab *Tab) {
	ev := m.events
	go tab.Page.Context(m.ctx).EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			if ev.OnRequest != nil {
				ev.OnRequest(tab.ID, e.Request.URL, e.DocumentURL)
			}
		},
		func(e *proto.NetworkResponseReceived) {
			if ev.OnResponse != nil {
				ev.OnResponse(tab.ID, e.Response.URL, e.Response.Status)
			}
		},
		func(e *proto.PageFrameNavigated) {
			// 只关心主框架
			if e.Frame.ParentID == "" && ev.OnNavigated != nil {
				ev.OnNavigated(tab.ID, e.Frame.URL)
			}
		},
	)()
}

func (m *TabManager) handleClosed(tabID string) {
	m.mu.Lock()
	_, ok := m.tabs[tabID]
	delete(m.tabs, tabID)
	m.mu.Unlock()

	if ok && m.events.OnClosed != nil {
		m.events.OnClosed(tabID)
	}
}

// Get 按ID查找标签页
func (m *TabManager) Get(tabID string) (*Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.tabs[tabID]
	return tab, ok
}

// Exists 标签页是否仍然存在
func (m *TabManager) Exists(tabID string) bool {
	_, ok := m.Get(tabID)
	return ok
}

// Activate 把标签页切到前台
func (m *TabManager) Activate(tabID string) error {
	tab, ok := m.Get(tabID)
	if !ok {
		return &models.TabError{Op: "activate", Err: ErrTabNotFound}
	}
	if _, err := tab.Page.Activate(); err != nil {
		return &models.TabError{Op: "activate", Err: err}
	}
	return nil
}

// Close 关闭全部标签页并停止事件监听
func (m *TabManager) Close() {
	m.mu.Lock()
	tabs := make([]*Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		tabs = append(tabs, t)
	}
	m.tabs = make(map[string]*Tab)
	m.mu.Unlock()

	for _, t := range tabs {
		_ = t.Page.Close()
	}
	m.cancel()
}

// Navigate 导航到url并等待加载
func (t *Tab) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, t.manager.config.NavigateTimeout)
	defer cancel()

	if err := t.Page.Context(navCtx).Navigate(url); err != nil {
		return navigateError(ctx, "navigate", url, err)
	}
	if err := t.Page.Context(navCtx).WaitLoad(); err != nil {
		return navigateError(ctx, "load", url, err)
	}
	return nil
}

// navigateError 调用方取消时返回 models.ErrCancelled,否则归为标签页生命周期错误
func navigateError(ctx context.Context, op, url string, err error) error {
	if ctx.Err() != nil {
		return models.ErrCancelled
	}
	utils.Warnf("标签页%s失败: %s: %v", op, utils.RedactURL(url), err)
	return &models.TabError{Op: op, Err: fmt.Errorf("%s: %w", utils.RedactURL(url), err)}
}

// NavigateItem 导航到视频页
func (t *Tab) NavigateItem(ctx context.Context, itemID string) (BridgeCaller, error) {
	if err := t.Navigate(ctx, models.ItemURL(t.manager.config.BaseURL, itemID)); err != nil {
		return nil, err
	}
	return t.Bridge, nil
}

// Close 关闭标签页
func (t *Tab) Close() error {
	m := t.manager
	m.mu.Lock()
	_, tracked := m.tabs[t.ID]
	delete(m.tabs, t.ID)
	m.mu.Unlock()

	err := t.Page.Close()
	if tracked && m.events.OnClosed != nil {
		m.events.OnClosed(t.ID)
	}
	if err != nil {
		return &models.TabError{Op: "close", Err: err}
	}
	return nil
}

// HTTPCookies 导出页面cookie,用于HTTP传输
func (t *Tab) HTTPCookies() ([]*http.Cookie, error) {
	cookies, err := t.Page.Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("读取cookie失败: %w", err)
	}
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out, nil
}

// Grid 当前页面的主页视频网格
func (t *Tab) Grid() GridSurface {
	return NewGridSurface(t.Bridge, t)
}

// TabID 标签页ID(CDP TargetID)
func (t *Tab) TabID() string { return t.ID }

// URL 当前页面地址
func (t *Tab) URL() string {
	info, err := t.Page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}
