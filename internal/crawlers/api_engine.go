package crawlers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

// CommentSink 评论增量写入目标
type CommentSink interface {
	AddComments(ctx context.Context, batch []models.RawComment) (*models.StoreResult, error)
}

// Emitter 进度消息发送函数
type Emitter func(models.Envelope)

// APISummary 接口分页结果汇总
type APISummary struct {
	TopLevel int
	Replies  int
	HasMore  bool
	Pages    int
	SeenIDs  []string
}

// RetryPolicy 指数退避重试策略
type RetryPolicy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	RateLimitBackoff  time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// NewRetryPolicy 从采集配置构造重试策略
func NewRetryPolicy(cfg models.CollectConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:        cfg.MaxRetries,
		InitialBackoff:    cfg.InitialBackoff,
		RateLimitBackoff:  cfg.RateLimitBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		BackoffMultiplier: cfg.BackoffMultiplier,
	}
}

// CalculateBackoff 第attempt次重试(从0开始)前的等待时间,不超过上限
func (p RetryPolicy) CalculateBackoff(attempt int, rateLimited bool) time.Duration {
	base := p.InitialBackoff
	if rateLimited {
		base = p.RateLimitBackoff
	}
	backoff := float64(base)
	for i := 0; i < attempt; i++ {
		backoff *= p.BackoffMultiplier
		if backoff > float64(p.MaxBackoff) {
			break
		}
	}
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	return time.Duration(backoff)
}

// APIEngine 评论接口分页引擎
type APIEngine struct {
	cfg       models.CollectConfig
	retry     RetryPolicy
	baseline  BaselineSource
	signer    Signer
	fetcher   Fetcher
	extractor *APIExtractor
	limiter   *rate.Limiter
	sleep     func(ctx context.Context, d time.Duration) error
	metrics   *utils.Metrics
	emit      Emitter

	// 单次调用内的状态
	itemID  string
	seen    map[string]struct{}
	pending []models.RawComment
	sink    CommentSink
	summary *APISummary
}

// NewAPIEngine 创建接口分页引擎
func NewAPIEngine(cfg models.CollectConfig, baseline BaselineSource, signer Signer, fetcher Fetcher) *APIEngine {
	limit := rate.Inf
	if cfg.PageDelay > 0 {
		limit = rate.Every(cfg.PageDelay)
	}
	return &APIEngine{
		cfg:       cfg,
		retry:     NewRetryPolicy(cfg),
		baseline:  baseline,
		signer:    signer,
		fetcher:   fetcher,
		extractor: NewAPIExtractor(),
		limiter:   rate.NewLimiter(limit, 1),
		sleep:     utils.Sleep,
		emit:      func(models.Envelope) {},
	}
}

// SetMetrics 设置指标
func (e *APIEngine) SetMetrics(m *utils.Metrics) {
	e.metrics = m
}

// SetEmitter 设置进度消息发送函数
func (e *APIEngine) SetEmitter(fn Emitter) {
	if fn != nil {
		e.emit = fn
	}
}

// FetchAllComments 拉取一个视频的全部评论(含回复分页),分批写入sink
//
// 不可重试的失败(签名未找到、基线超时、重试耗尽、非429的错误状态)
// 返回的错误满足 models.IsFallback,调用方应回退到DOM提取。
func (e *APIEngine) FetchAllComments(ctx context.Context, itemID string, sink CommentSink) (*APISummary, error) {
	e.itemID = itemID
	e.seen = make(map[string]struct{})
	e.pending = e.pending[:0]
	e.sink = sink
	e.summary = &APISummary{}

	e.emit(models.MustEnvelope(models.MsgAPIStart, models.APIProgressPayload{ItemID: itemID}))

	err := e.run(ctx)
	if !models.IsLimitReached(err) {
		// 取消后仍写入已缓冲的评论
		if flushErr := e.flush(context.WithoutCancel(ctx)); flushErr != nil && (err == nil || models.IsLimitReached(flushErr)) {
			err = flushErr
		}
	}

	e.summary.SeenIDs = make([]string, 0, len(e.seen))
	for id := range e.seen {
		e.summary.SeenIDs = append(e.summary.SeenIDs, id)
	}

	progress := models.APIProgressPayload{
		ItemID:   itemID,
		Page:     e.summary.Pages,
		TopLevel: e.summary.TopLevel,
		Replies:  e.summary.Replies,
		HasMore:  e.summary.HasMore,
	}
	if err != nil {
		progress.Error = err.Error()
		e.metrics.IncError(models.ErrorType(err))
		e.emit(models.MustEnvelope(models.MsgAPIError, progress))
		return e.summary, err
	}
	e.emit(models.MustEnvelope(models.MsgAPIComplete, progress))
	utils.Infof("✅ 接口采集完成 [%s]: 顶级评论 %d, 回复 %d, 共 %d 页",
		itemID, e.summary.TopLevel, e.summary.Replies, e.summary.Pages)
	return e.summary, nil
}

func (e *APIEngine) run(ctx context.Context) error {
	baseline, err := e.baseline.Wait(ctx, e.cfg.BaselineTimeout)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return models.ErrCancelled
	}
	if _, err := e.signer.Discover(ctx); err != nil {
		if ctx.Err() != nil {
			return models.ErrCancelled
		}
		return err
	}

	var cursor int64
	for {
		page, err := e.fetchPage(ctx, baseline, "", cursor)
		if err != nil {
			return err
		}
		e.summary.Pages++
		e.summary.HasMore = page.HasMore

		for i := range page.Comments {
			pc := &page.Comments[i]
			if e.add(pc.Comment) {
				e.summary.TopLevel++
			}
			for _, r := range pc.Inline {
				if e.add(r) {
					e.summary.Replies++
				}
			}
			if err := e.maybeFlush(ctx); err != nil {
				return err
			}
			if e.cfg.FetchReplies && pc.NeedsReplyPages() {
				if err := e.fetchReplies(ctx, baseline, pc.Comment.ExternalID); err != nil {
					return err
				}
			}
		}

		e.emit(models.MustEnvelope(models.MsgAPIProgress, models.APIProgressPayload{
			ItemID:   e.itemID,
			Page:     e.summary.Pages,
			TopLevel: e.summary.TopLevel,
			Replies:  e.summary.Replies,
			HasMore:  page.HasMore,
		}))

		if !page.HasMore {
			return nil
		}
		if page.Cursor <= cursor {
			// 游标不前进时继续请求只会拿到同一页
			utils.Warnf("评论游标未前进 [%s]: %d -> %d,停止分页", e.itemID, cursor, page.Cursor)
			e.summary.HasMore = false
			return nil
		}
		cursor = page.Cursor
	}
}

// fetchReplies 对单条评论的回复分页,策略与顶级评论相同
func (e *APIEngine) fetchReplies(ctx context.Context, baseline *models.BaselineParams, commentID string) error {
	var cursor int64
	for {
		page, err := e.fetchPage(ctx, baseline, commentID, cursor)
		if err != nil {
			return err
		}
		for i := range page.Comments {
			pc := &page.Comments[i]
			if e.add(pc.Comment) {
				e.summary.Replies++
			}
			if err := e.maybeFlush(ctx); err != nil {
				return err
			}
		}
		if !page.HasMore {
			return nil
		}
		if page.Cursor <= cursor {
			utils.Warnf("回复游标未前进 [%s]: %d -> %d,停止分页", commentID, cursor, page.Cursor)
			return nil
		}
		cursor = page.Cursor
	}
}

// add 运行内按externalId去重,重复项静默丢弃
func (e *APIEngine) add(c models.RawComment) bool {
	if c.ExternalID == "" {
		return false
	}
	if _, ok := e.seen[c.ExternalID]; ok {
		return false
	}
	e.seen[c.ExternalID] = struct{}{}
	e.pending = append(e.pending, c)
	return true
}

func (e *APIEngine) maybeFlush(ctx context.Context) error {
	if len(e.pending) < e.cfg.BatchSize {
		return nil
	}
	return e.flush(ctx)
}

// flush 将缓冲评论按batch_size分批写入
func (e *APIEngine) flush(ctx context.Context) error {
	for len(e.pending) > 0 {
		n := e.cfg.BatchSize
		if n <= 0 || n > len(e.pending) {
			n = len(e.pending)
		}
		batch := make([]models.RawComment, n)
		copy(batch, e.pending[:n])
		e.pending = e.pending[n:]

		if e.sink != nil {
			if _, err := e.sink.AddComments(ctx, batch); err != nil {
				return err
			}
		}
		e.metrics.AddComments("api", len(batch))
		e.emit(models.MustEnvelope(models.MsgAPIBatch, models.APIProgressPayload{
			ItemID:   e.itemID,
			Page:     e.summary.Pages,
			TopLevel: e.summary.TopLevel,
			Replies:  e.summary.Replies,
			Count:    len(batch),
		}))
	}
	return nil
}

// fetchPage 请求一页,对429/空响应/格式错误/5xx指数退避重试
func (e *APIEngine) fetchPage(ctx context.Context, baseline *models.BaselineParams, commentID string, cursor int64) (*CommentPage, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, models.ErrCancelled
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, models.ErrCancelled
		}

		page, err := e.requestOnce(ctx, baseline, commentID, cursor)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil || errors.Is(err, models.ErrCancelled) {
			return nil, models.ErrCancelled
		}

		var httpErr *models.HTTPError
		if !errors.As(err, &httpErr) || !httpErr.Retryable {
			return nil, err
		}
		lastErr = err

		if attempt >= e.retry.MaxRetries {
			utils.Warnf("接口请求重试 %d 次后仍失败: %v", attempt, lastErr)
			return nil, fmt.Errorf("%w: %v", models.ErrRetriesExhausted, lastErr)
		}

		backoff := e.retry.CalculateBackoff(attempt, httpErr.RateLimited)
		reason := "transient"
		if httpErr.RateLimited {
			reason = "rate_limited"
		}
		e.metrics.IncRetries(reason)
		utils.Warnf("接口请求失败(%v), %v 后第 %d 次重试", err, backoff, attempt+1)
		if err := e.sleep(ctx, backoff); err != nil {
			return nil, models.ErrCancelled
		}
	}
}

func (e *APIEngine) requestOnce(ctx context.Context, baseline *models.BaselineParams, commentID string, cursor int64) (*CommentPage, error) {
	reqURL, err := e.buildURL(ctx, baseline, commentID, cursor)
	if err != nil {
		return nil, err
	}
	signed, err := e.signer.Sign(ctx, reqURL)
	if err != nil {
		return nil, err
	}

	endpoint := "comments"
	if commentID != "" {
		endpoint = "replies"
	}
	e.metrics.IncRequest(endpoint)
	start := time.Now()
	resp, err := e.fetcher.Fetch(ctx, signed)
	e.metrics.ObserveDuration(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.ErrCancelled
		}
		// 网络层错误按瞬时错误处理
		return nil, &models.HTTPError{Message: err.Error(), Retryable: true}
	}
	utils.Debugf("接口响应 %d: %s", resp.Status, utils.RedactURL(signed))

	switch {
	case resp.Status == 429:
		return nil, &models.HTTPError{Status: 429, Message: "请求过于频繁", Retryable: true, RateLimited: true}
	case resp.Status >= 500:
		return nil, &models.HTTPError{Status: resp.Status, Message: "服务端错误", Retryable: true}
	case resp.Status != 200:
		return nil, &models.HTTPError{Status: resp.Status, Message: "非预期状态码"}
	}
	return e.extractor.ParsePage(e.itemID, commentID, resp.Status, resp.Body)
}

// buildURL 基线参数 + 每请求字段
func (e *APIEngine) buildURL(ctx context.Context, baseline *models.BaselineParams, commentID string, cursor int64) (string, error) {
	values := baseline.Clone()
	endpoint := baseline.Endpoint
	if commentID == "" {
		values.Set("aweme_id", e.itemID)
	} else {
		endpoint = replyEndpoint(endpoint)
		values.Set("item_id", e.itemID)
		values.Set("comment_id", commentID)
	}
	values.Set("cursor", strconv.FormatInt(cursor, 10))
	values.Set("count", strconv.Itoa(e.cfg.PageSize))

	token, err := e.signer.Token(ctx)
	if err != nil {
		utils.Debugf("读取msToken失败: %v", err)
	} else if token != "" {
		values.Set("msToken", token)
	}
	return endpoint + "?" + values.Encode(), nil
}

// replyEndpoint 由评论列表接口推导回复列表接口
func replyEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	if !strings.HasSuffix(u.Path, "/reply/") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/reply/"
	}
	return u.String()
}
