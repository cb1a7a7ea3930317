package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-rod/rod"

	"github.com/RecoveryAshes/CommentHarvest/internal/crawlers"
	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/session"
	"github.com/RecoveryAshes/CommentHarvest/internal/store"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

// ErrBrowserNotStarted 浏览器尚未启动
var ErrBrowserNotStarted = errors.New("浏览器尚未启动,请先调用Start")

// gridTab 可以操作主页视频网格的标签页
type gridTab interface {
	Grid() crawlers.GridSurface
}

// Service 采集服务协调器
// 职责: 持有浏览器、会话状态机、限流监视器与存储,把标签页事件分发给它们,
// 对外提供单视频、批量、主页三种采集入口
type Service struct {
	config  *Config
	collect models.CollectConfig

	store     store.Store
	metrics   *utils.Metrics
	capture   *crawlers.ParamCapture
	session   *session.Manager
	monitor   *session.RateLimitMonitor
	resources *crawlers.ResourceMonitor

	browser   *rod.Browser
	tabs      *crawlers.TabManager
	opener    TabOpener
	collector ItemCollector
	batch     *BatchCoordinator

	listeners []session.Listener
	mu        sync.RWMutex
}

// NewService 创建采集服务(尚未启动浏览器)
func NewService(config *Config, st store.Store, metrics *utils.Metrics) (*Service, error) {
	capture, err := crawlers.NewParamCapture(nil)
	if err != nil {
		return nil, fmt.Errorf("编译基线URL模式失败: %w", err)
	}

	s := &Service{
		config:    config,
		collect:   config.CollectConfig(),
		store:     st,
		metrics:   metrics,
		capture:   capture,
		session:   session.NewManager(config.Session.StateFile, nil),
		resources: crawlers.NewResourceMonitor(config.ResourceMonitorConfig(), crawlers.SystemSampler),
	}

	s.monitor, err = session.NewRateLimitMonitor(config.MonitorConfig(), s.session)
	if err != nil {
		return nil, fmt.Errorf("编译限流URL模式失败: %w", err)
	}
	s.session.SetRateLimitSource(s.monitor.State)
	s.session.SetMetrics(metrics)
	s.monitor.SetMetrics(metrics)
	s.session.AddListener(s.broadcast)
	s.monitor.AddListener(s.broadcast)

	collector := NewCollector(s.collect, config.Target.BaseURL, capture, st, s.session)
	collector.SetMetrics(metrics)
	collector.SetEmitter(s.broadcast)
	collector.SetHTTPConfig(crawlers.HTTPFetcherConfig{
		UserAgent: config.Target.UserAgent,
		Referer:   config.Target.BaseURL + "/",
		Headers:   s.validatedHeaders(),
	})
	s.collector = collector

	s.batch = NewBatchCoordinator(BatchOptions{
		BaseURL:            config.Target.BaseURL,
		ItemDelay:          config.Batch.ItemDelay,
		MaxCommentsPerItem: config.Batch.MaxCommentsPerItem,
		MetaTimeout:        config.Batch.MetaTimeout,
	}, s.collect, openerFunc(s.openTab), collector, s.session)
	s.batch.SetMetrics(metrics)
	s.batch.SetEmitter(s.broadcast)
	s.batch.SetReporter(utils.NewReporter(config.Output.BaseDir))
	if config.Batch.EnrichMetadata {
		s.batch.SetMetaFetcher(crawlers.NewStaticMetaFetcher(crawlers.StaticMetaConfig{
			UserAgent: config.Target.UserAgent,
			Timeout:   config.Batch.MetaTimeout,
		}, nil))
	}

	return s, nil
}

func (s *Service) validatedHeaders() map[string][]string {
	if len(s.config.API.Headers) == 0 {
		return nil
	}
	headers, err := utils.NewHeaderValidator().ValidateMap(s.config.API.Headers)
	if err != nil {
		utils.Warnf("api.headers 无效,已忽略: %v", err)
		return nil
	}
	return headers
}

// Start 启动浏览器并恢复上次的会话状态
func (s *Service) Start() error {
	interval := s.config.Resource.SampleInterval
	s.resources.Sample()
	if interval > 0 {
		s.resources.StartMonitoring(interval)
	}

	browser, err := crawlers.LaunchBrowser(s.config.BrowserOptions())
	if err != nil {
		return err
	}
	s.browser = browser

	s.tabs = crawlers.NewTabManager(browser, s.resources, crawlers.TabConfig{
		BaseURL:         s.config.Target.BaseURL,
		Stealth:         s.config.Browser.Stealth,
		BridgeTimeout:   s.config.Browser.BridgeTimeout,
		NavigateTimeout: s.config.Browser.NavigateTimeout,
	}, crawlers.TabEvents{
		OnRequest: func(tabID, rawURL, pageURL string) {
			s.capture.ObserveRequest(rawURL, pageURL)
		},
		OnResponse: func(tabID, rawURL string, status int) {
			s.monitor.Observe(rawURL, status, tabID)
		},
		OnNavigated: func(tabID, url string) {
			utils.Debugf("标签页 %s 主框架导航: %s", tabID, utils.RedactURL(url))
		},
		OnClosed: s.session.OnTabClosed,
	})
	s.session.SetTabChecker(s.tabs)
	s.opener = tabOpener{s.tabs}

	cp, err := s.session.Restore()
	if err != nil {
		utils.Warnf("%v", err)
	} else if cp != nil {
		s.monitor.Restore(cp.RateLimit)
	}

	utils.Infof("✅ 浏览器已就绪 (headless=%v, stealth=%v)", s.config.Browser.Headless, s.config.Browser.Stealth)
	return nil
}

// AddListener 注册消息接收者(WebSocket、命令行进度)
func (s *Service) AddListener(l session.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) broadcast(env models.Envelope) {
	s.mu.RLock()
	listeners := append([]session.Listener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, l := range listeners {
		l(env)
	}
}

// ScrapeItem 采集单个视频
func (s *Service) ScrapeItem(ctx context.Context, rawItem string, maxComments int) (*ItemOutcome, error) {
	itemID, err := models.NormalizeItemID(rawItem)
	if err != nil {
		s.emitItemError(rawItem, nil, err)
		return nil, err
	}
	if s.session.IsActive() {
		s.emitItemError(itemID, nil, models.ErrSessionActive)
		return nil, models.ErrSessionActive
	}
	if maxComments <= 0 {
		maxComments = s.config.DOM.MaxComments
	}

	tab, err := s.openTab(ctx, "")
	if err != nil {
		s.emitItemError(itemID, nil, err)
		return nil, err
	}
	// 打开标签页期间可能已有其他请求启动了会话
	runCtx, err := s.session.Start(ctx, itemID, tab.TabID(), false)
	if err != nil {
		s.discardTab(tab)
		s.emitItemError(itemID, nil, err)
		return nil, err
	}
	defer s.closeTab(runCtx, tab)

	utils.Infof("🚀 开始采集视频 %s", itemID)
	out, err := s.collector.Collect(runCtx, tab, itemID, maxComments)
	s.finishItem(runCtx, itemID, out, err)
	return out, err
}

// finishItem 单视频收尾,所有结果都携带累计统计
func (s *Service) finishItem(runCtx context.Context, itemID string, out *ItemOutcome, err error) {
	var stats models.ScrapeStats
	source := ""
	if out != nil {
		stats = out.Stats
		source = out.Source
	}

	// 会话已发送 scrape_error
	if session.ClosedByTab(runCtx) {
		utils.Warnf("视频 %s 的标签页已关闭,采集中止 (发现 %d)", itemID, stats.Found)
		return
	}

	switch {
	case err == nil:
		msg := fmt.Sprintf("采集完成: 发现 %d, 新增 %d", stats.Found, stats.Stored)
		s.session.FinishRun(runCtx, models.StatusComplete, stats.Found, msg)
		s.broadcast(models.MustEnvelope(models.MsgScrapeComplete, models.ProgressPayload{
			ItemID: itemID, Status: models.StatusComplete, Message: msg, Stats: stats, Source: source,
		}))
		utils.Infof("✅ 视频 %s %s", itemID, msg)
	case errors.Is(err, models.ErrCancelled):
		s.session.FinishRun(runCtx, models.StatusCancelled, stats.Found, "用户已停止采集")
		s.broadcast(models.MustEnvelope(models.MsgScrapeComplete, models.ProgressPayload{
			ItemID: itemID, Status: models.StatusCancelled, Stats: stats, Source: source,
		}))
	default:
		s.session.FinishRun(runCtx, models.StatusError, stats.Found, err.Error())
		s.emitItemError(itemID, out, err)
		s.metrics.IncError(models.ErrorType(err))
	}
}

func (s *Service) emitItemError(itemID string, out *ItemOutcome, err error) {
	payload := models.ProgressPayload{ItemID: itemID, Status: models.StatusError, Error: err.Error()}
	if out != nil {
		payload.Stats = out.Stats
		payload.Source = out.Source
	}
	utils.Errorf("❌ 视频 %s 采集失败: %v", itemID, err)
	s.broadcast(models.MustEnvelope(models.MsgScrapeError, payload))
}

func (s *Service) openTab(ctx context.Context, url string) (WorkTab, error) {
	if s.opener == nil {
		return nil, ErrBrowserNotStarted
	}
	return s.opener.Open(ctx, url)
}

// discardTab 关闭没有对应会话的标签页
func (s *Service) discardTab(tab WorkTab) {
	s.session.MarkIntentionalClose(tab.TabID())
	if err := tab.Close(); err != nil {
		utils.Debugf("关闭标签页失败: %v", err)
	}
}

// closeTab 运行结束: 关闭标签页并清除本次运行的会话
func (s *Service) closeTab(runCtx context.Context, tab WorkTab) {
	s.discardTab(tab)
	s.session.Release(runCtx)
	s.broadcast(models.MustEnvelope(models.MsgFocusOrigin, nil))
}

// ProcessBatch 批量采集
func (s *Service) ProcessBatch(ctx context.Context, itemIDs []string) (*models.BatchSummary, error) {
	if s.session.IsActive() {
		s.broadcast(models.MustEnvelope(models.MsgBatchError, models.BatchProgressPayload{
			TotalItems: len(itemIDs),
			Status:     models.StatusError,
			Error:      models.ErrSessionActive.Error(),
		}))
		return nil, models.ErrSessionActive
	}
	return s.batch.ProcessBatch(ctx, itemIDs)
}

// ProfileMetadata 采集主页视频元数据并写入存储
func (s *Service) ProfileMetadata(ctx context.Context, profileURL string, maxItems int) (*crawlers.MetadataResult, error) {
	var res *crawlers.MetadataResult
	err := s.runProfile(ctx, profileURL, func(runCtx context.Context, engine *crawlers.DOMEngine) (int, error) {
		var err error
		res, err = engine.ScrapeItemMetadataOnly(runCtx, maxItems, s.store)
		if res == nil {
			return 0, err
		}
		return len(res.Items), err
	})
	return res, err
}

// ProfileComments 依次进入主页视频采集评论
func (s *Service) ProfileComments(ctx context.Context, profileURL string, maxItems, maxCommentsPerItem int) ([]models.RawComment, error) {
	var comments []models.RawComment
	err := s.runProfile(ctx, profileURL, func(runCtx context.Context, engine *crawlers.DOMEngine) (int, error) {
		var err error
		comments, err = engine.ScrapeProfileItems(runCtx, maxItems, maxCommentsPerItem, s.store)
		return len(comments), err
	})
	return comments, err
}

func (s *Service) runProfile(ctx context.Context, profileURL string, run func(context.Context, *crawlers.DOMEngine) (int, error)) error {
	if err := models.ValidateURL(profileURL); err != nil {
		s.emitItemError("", nil, err)
		return err
	}
	if s.session.IsActive() {
		s.emitItemError("", nil, models.ErrSessionActive)
		return models.ErrSessionActive
	}

	tab, err := s.openTab(ctx, profileURL)
	if err != nil {
		s.emitItemError("", nil, err)
		return err
	}
	gt, ok := tab.(gridTab)
	if !ok {
		s.discardTab(tab)
		err := fmt.Errorf("标签页不支持主页网格操作")
		s.emitItemError("", nil, err)
		return err
	}
	runCtx, err := s.session.Start(ctx, "", tab.TabID(), false)
	if err != nil {
		s.discardTab(tab)
		s.emitItemError("", nil, err)
		return err
	}
	defer s.closeTab(runCtx, tab)
	s.session.MarkScraping("正在滚动主页")

	engine := crawlers.NewDOMEngine(s.collect, nil, s.session)
	engine.SetGrid(gt.Grid())
	engine.SetMetrics(s.metrics)
	engine.SetEmitter(s.broadcast)

	n, err := run(runCtx, engine)
	if session.ClosedByTab(runCtx) {
		return err
	}
	switch {
	case err == nil, models.IsLimitReached(err):
		s.session.FinishRun(runCtx, models.StatusComplete, n, fmt.Sprintf("主页采集完成: %d", n))
	case errors.Is(err, models.ErrCancelled):
		s.session.FinishRun(runCtx, models.StatusCancelled, n, "用户已停止采集")
	default:
		s.session.FinishRun(runCtx, models.StatusError, n, err.Error())
		s.emitItemError("", nil, err)
	}
	return err
}

// Stop 停止当前采集,状态由运行方收尾
func (s *Service) Stop() bool {
	return s.session.CancelRun()
}

// TabActivated 标签页被激活
func (s *Service) TabActivated(tabID string) {
	s.session.OnTabActivated(tabID)
	s.monitor.OnTabActivated(tabID)
}

// SessionState 当前会话快照
func (s *Service) SessionState() models.SessionState {
	return s.session.Snapshot()
}

// RateLimitState 当前限流状态
func (s *Service) RateLimitState() models.RateLimitState {
	return s.monitor.State()
}

// MemoryStatus 资源状态
func (s *Service) MemoryStatus() crawlers.MemoryStatus {
	return s.resources.GetMemoryStatus()
}

// Close 释放浏览器与定时器
func (s *Service) Close() {
	s.monitor.Stop()
	s.resources.StopMonitoring()
	if s.tabs != nil {
		s.tabs.Close()
	}
	if s.browser != nil && s.config.Browser.RemoteURL == "" {
		if err := s.browser.Close(); err != nil {
			utils.Debugf("关闭浏览器失败: %v", err)
		}
	}
}

// openerFunc 函数形式的TabOpener
type openerFunc func(ctx context.Context, url string) (WorkTab, error)

func (f openerFunc) Open(ctx context.Context, url string) (WorkTab, error) {
	return f(ctx, url)
}

// tabOpener 把TabManager适配为TabOpener
type tabOpener struct {
	m *crawlers.TabManager
}

func (o tabOpener) Open(ctx context.Context, url string) (WorkTab, error) {
	tab, err := o.m.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	return tab, nil
}
