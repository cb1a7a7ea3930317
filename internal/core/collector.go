package core

import (
	"context"
	"net/http"

	"github.com/RecoveryAshes/CommentHarvest/internal/crawlers"
	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

// WorkTab 采集使用的标签页
type WorkTab interface {
	TabID() string
	NavigateItem(ctx context.Context, itemID string) (crawlers.BridgeCaller, error)
	Close() error
}

// cookieTab 可导出cookie的标签页,HTTP传输需要
type cookieTab interface {
	HTTPCookies() ([]*http.Cookie, error)
}

// ItemCollector 采集单个视频的全部评论
type ItemCollector interface {
	Collect(ctx context.Context, tab WorkTab, itemID string, maxComments int) (*ItemOutcome, error)
}

// ItemOutcome 单个视频的采集结果,出错时也携带已累计的统计
type ItemOutcome struct {
	ItemID string
	Source string // api | dom
	Stats  models.ScrapeStats
}

// ProgressTracker 采集过程中对会话的操作
type ProgressTracker interface {
	crawlers.PauseGate
	MarkScraping(message string)
	Progress(commentsFound int, message string)
}

// BaselineCapture 基线参数来源,导航前需要重置
type BaselineCapture interface {
	crawlers.BaselineSource
	Reset()
}

type apiRunner interface {
	FetchAllComments(ctx context.Context, itemID string, sink crawlers.CommentSink) (*crawlers.APISummary, error)
}

type domRunner interface {
	Seed(ids []string)
	ScrapeCurrentItem(ctx context.Context, maxComments int, sink crawlers.CommentSink) (*crawlers.DOMResult, error)
}

// Collector 单视频采集: 先接口分页,不可重试的失败回退到DOM滚动提取
type Collector struct {
	cfg     models.CollectConfig
	baseURL string
	capture BaselineCapture
	sink    crawlers.CommentSink
	session ProgressTracker
	http    crawlers.HTTPFetcherConfig
	metrics *utils.Metrics
	emit    crawlers.Emitter

	newAPI func(bridge crawlers.BridgeCaller, tab WorkTab) apiRunner
	newDOM func(bridge crawlers.BridgeCaller, itemID string) domRunner
}

// NewCollector 创建单视频采集器
func NewCollector(cfg models.CollectConfig, baseURL string, capture BaselineCapture, sink crawlers.CommentSink, session ProgressTracker) *Collector {
	c := &Collector{
		cfg:     cfg,
		baseURL: baseURL,
		capture: capture,
		sink:    sink,
		session: session,
		emit:    func(models.Envelope) {},
	}
	c.newAPI = c.defaultAPI
	c.newDOM = c.defaultDOM
	return c
}

// SetHTTPConfig 设置HTTP传输参数(api.transport=http时使用)
func (c *Collector) SetHTTPConfig(config crawlers.HTTPFetcherConfig) {
	c.http = config
}

// SetMetrics 设置指标
func (c *Collector) SetMetrics(m *utils.Metrics) {
	c.metrics = m
}

// SetEmitter 设置进度消息发送函数
func (c *Collector) SetEmitter(fn crawlers.Emitter) {
	if fn != nil {
		c.emit = fn
	}
}

func (c *Collector) defaultAPI(bridge crawlers.BridgeCaller, tab WorkTab) apiRunner {
	var fetcher crawlers.Fetcher = crawlers.NewPageFetcher(bridge)
	if c.cfg.UseHTTPTransport {
		if f := c.httpFetcher(tab); f != nil {
			fetcher = f
		}
	}
	engine := crawlers.NewAPIEngine(c.cfg, c.capture, crawlers.NewPageSigner(bridge), fetcher)
	engine.SetMetrics(c.metrics)
	engine.SetEmitter(c.emit)
	return engine
}

// httpFetcher 用标签页cookie构造HTTP请求器,失败时退回页内fetch
func (c *Collector) httpFetcher(tab WorkTab) *crawlers.HTTPFetcher {
	ct, ok := tab.(cookieTab)
	if !ok {
		return nil
	}
	cookies, err := ct.HTTPCookies()
	if err != nil {
		utils.Warnf("读取标签页cookie失败,使用页内请求: %v", err)
		return nil
	}
	f, err := crawlers.NewHTTPFetcher(c.http, nil)
	if err != nil {
		utils.Warnf("创建HTTP请求器失败,使用页内请求: %v", err)
		return nil
	}
	if err := f.SetCookies(c.baseURL, cookies); err != nil {
		utils.Warnf("同步cookie失败: %v", err)
	}
	return f
}

func (c *Collector) defaultDOM(bridge crawlers.BridgeCaller, itemID string) domRunner {
	return c.domEngine(crawlers.NewCommentSurface(bridge, itemID))
}

// domEngine 回退用的滚动引擎,不设置发送函数: 两条路径的 scrape_progress 都由statsSink发送
func (c *Collector) domEngine(surface crawlers.CommentSurface) *crawlers.DOMEngine {
	engine := crawlers.NewDOMEngine(c.cfg, surface, c.session)
	engine.SetMetrics(c.metrics)
	return engine
}

// Collect 导航到视频页并采集评论
func (c *Collector) Collect(ctx context.Context, tab WorkTab, itemID string, maxComments int) (*ItemOutcome, error) {
	out := &ItemOutcome{ItemID: itemID, Source: "api"}
	sink := &statsSink{
		next:     c.sink,
		itemID:   itemID,
		source:   "api",
		progress: c.session.Progress,
		emit:     c.emit,
	}

	// 新页面会重新发出评论请求,旧基线作废
	if c.capture != nil {
		c.capture.Reset()
	}
	bridge, err := tab.NavigateItem(ctx, itemID)
	if err != nil {
		return out, err
	}
	c.session.MarkScraping("视频页已加载,开始采集")

	summary, apiErr := c.newAPI(bridge, tab).FetchAllComments(ctx, itemID, sink)
	out.Stats = sink.stats
	if apiErr == nil {
		return out, nil
	}
	if !models.IsFallback(apiErr) {
		return out, apiErr
	}

	utils.Warnf("接口采集失败,回退到DOM提取 [%s]: %v", itemID, apiErr)
	c.metrics.IncError(models.ErrorType(apiErr))
	out.Source = "dom"
	sink.source = "dom"

	dom := c.newDOM(bridge, itemID)
	if summary != nil {
		dom.Seed(summary.SeenIDs)
	}
	_, err = dom.ScrapeCurrentItem(ctx, maxComments, sink)
	out.Stats = sink.stats
	return out, err
}

// statsSink 累计两条路径的写入统计并更新会话进度
// 回退后继续在接口阶段的统计上累加,进度数字不会回退
type statsSink struct {
	next     crawlers.CommentSink
	itemID   string
	source   string
	stats    models.ScrapeStats
	progress func(commentsFound int, message string)
	emit     crawlers.Emitter
}

func (s *statsSink) AddComments(ctx context.Context, batch []models.RawComment) (*models.StoreResult, error) {
	var res *models.StoreResult
	var err error
	if s.next != nil {
		res, err = s.next.AddComments(ctx, batch)
	} else {
		res = &models.StoreResult{Stored: len(batch)}
	}
	s.stats.AddResult(len(batch), res)
	if s.progress != nil {
		s.progress(s.stats.Found, "")
	}
	s.emit(models.MustEnvelope(models.MsgScrapeProgress, models.ProgressPayload{
		ItemID: s.itemID,
		Status: models.StatusScraping,
		Stats:  s.stats,
		Source: s.source,
	}))
	return res, err
}
