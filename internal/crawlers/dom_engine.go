package crawlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

// 滚动提取的结束原因
const (
	StopLimit         = "limit"
	StopStable        = "stable"
	StopNearEnd       = "near_end"
	StopCancelled     = "cancelled"
	StopMaxIterations = "max_iterations"
)

// PauseGate 暂停状态查询(由会话管理器提供)
type PauseGate interface {
	Paused() bool
}

// ItemSink 视频元数据写入目标
type ItemSink interface {
	SaveItems(ctx context.Context, items []models.ItemMeta) error
}

// DOMResult 单个视频的滚动提取结果
type DOMResult struct {
	Comments   []models.RawComment
	Stats      models.ScrapeStats
	Iterations int
	StopReason string
}

// MetadataResult 主页元数据采集结果
type MetadataResult struct {
	Items        []models.ItemMeta
	LimitReached bool
}

// threadState 回复线程的展开记录
type threadState struct {
	unproductive int
	abandoned    bool
}

// DOMEngine 虚拟列表滚动提取引擎
type DOMEngine struct {
	cfg     models.CollectConfig
	surface CommentSurface
	grid    GridSurface
	gate    PauseGate
	metrics *utils.Metrics
	emit    Emitter

	seen    map[string]struct{}
	threads map[string]*threadState
	paused  bool
}

// NewDOMEngine 创建滚动提取引擎,surface可为nil(仅主页模式)
func NewDOMEngine(cfg models.CollectConfig, surface CommentSurface, gate PauseGate) *DOMEngine {
	return &DOMEngine{
		cfg:     cfg,
		surface: surface,
		gate:    gate,
		emit:    func(models.Envelope) {},
		seen:    make(map[string]struct{}),
	}
}

// SetGrid 设置主页网格操作
func (e *DOMEngine) SetGrid(grid GridSurface) {
	e.grid = grid
}

// SetMetrics 设置指标
func (e *DOMEngine) SetMetrics(m *utils.Metrics) {
	e.metrics = m
}

// SetEmitter 设置进度消息发送函数
func (e *DOMEngine) SetEmitter(fn Emitter) {
	if fn != nil {
		e.emit = fn
	}
}

// Seed 标记已由其他途径写入的评论ID
func (e *DOMEngine) Seed(ids []string) {
	for _, id := range ids {
		e.seen[id] = struct{}{}
	}
}

// ScrapeCurrentItem 滚动提取当前视频的评论,新评论立即写入sink
//
// 取消时返回部分结果和 models.ErrCancelled;配额已满时返回部分结果和 *models.LimitReachedError。
func (e *DOMEngine) ScrapeCurrentItem(ctx context.Context, maxComments int, sink CommentSink) (*DOMResult, error) {
	if e.surface == nil {
		return nil, fmt.Errorf("未设置评论区")
	}
	s := e.surface
	itemID := s.ItemID()
	res := &DOMResult{Comments: []models.RawComment{}}
	e.threads = make(map[string]*threadState)

	if err := s.OpenComments(ctx); err != nil {
		utils.Debugf("打开评论面板失败: %v", err)
	}

	err := utils.WaitUntil(ctx, e.cfg.ContentTimeout, e.cfg.PollInterval, func() (bool, error) {
		m, err := s.Metrics(ctx)
		if err != nil {
			return false, nil
		}
		return m.TextCount > 0 || m.ItemCount > 0, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			res.StopReason = StopCancelled
			return res, models.ErrCancelled
		}
		return res, models.ErrContentNotLoaded
	}

	stable := 0
	for iter := 1; ; iter++ {
		res.Iterations = iter
		if err := e.waitWhilePaused(ctx); err != nil {
			res.StopReason = StopCancelled
			break
		}

		newCount, err := e.collect(ctx, s, itemID, maxComments, sink, res)
		if err != nil {
			if errors.Is(err, models.ErrCancelled) {
				res.StopReason = StopCancelled
				break
			}
			if models.IsLimitReached(err) {
				res.StopReason = StopLimit
			}
			return res, err
		}
		if e.full(maxComments, res) {
			res.StopReason = StopLimit
			break
		}

		n, err := e.expandReplies(ctx, s, itemID, maxComments, sink, res)
		newCount += n
		if err != nil {
			if errors.Is(err, models.ErrCancelled) {
				res.StopReason = StopCancelled
				break
			}
			if models.IsLimitReached(err) {
				res.StopReason = StopLimit
			}
			return res, err
		}
		if e.full(maxComments, res) {
			res.StopReason = StopLimit
			break
		}

		grew, err := e.scrollAndWait(ctx, s)
		if err != nil {
			res.StopReason = StopCancelled
			break
		}

		if newCount == 0 && !grew {
			stable++
			if stable >= e.cfg.StableIterations {
				res.StopReason = StopStable
				break
			}
		} else {
			stable = 0
		}
		// 新增很少且没有增长信号,视为接近末尾
		if newCount > 0 && newCount < e.cfg.NearEndThreshold && !grew {
			res.StopReason = StopNearEnd
			break
		}
		if e.cfg.MaxIterations > 0 && iter >= e.cfg.MaxIterations {
			res.StopReason = StopMaxIterations
			break
		}
	}

	if res.StopReason == StopCancelled {
		return res, models.ErrCancelled
	}

	if res.StopReason != StopLimit {
		// 最后再展开一次剩余的回复线程
		if _, err := e.expandReplies(ctx, s, itemID, maxComments, sink, res); err != nil {
			if errors.Is(err, models.ErrCancelled) {
				res.StopReason = StopCancelled
				return res, err
			}
			if models.IsLimitReached(err) {
				res.StopReason = StopLimit
			}
			return res, err
		}
	}

	if maxComments > 0 && len(res.Comments) > maxComments {
		res.Comments = res.Comments[:maxComments]
	}
	utils.Infof("视频 %s 滚动提取结束: %d 条评论, %d 轮, 原因=%s", itemID, len(res.Comments), res.Iterations, res.StopReason)
	return res, nil
}

func (e *DOMEngine) full(maxComments int, res *DOMResult) bool {
	return maxComments > 0 && len(res.Comments) >= maxComments
}

// collect 提取当前渲染的评论,未见过的写入sink
func (e *DOMEngine) collect(ctx context.Context, s CommentSurface, itemID string, maxComments int, sink CommentSink, res *DOMResult) (int, error) {
	if ctx.Err() != nil {
		return 0, models.ErrCancelled
	}
	comments, err := s.Extract(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, models.ErrCancelled
		}
		utils.Warnf("提取评论节点失败: %v", err)
		return 0, nil
	}

	var fresh []models.RawComment
	for _, c := range comments {
		if c.ExternalID == "" {
			continue
		}
		if _, ok := e.seen[c.ExternalID]; ok {
			continue
		}
		if maxComments > 0 && len(res.Comments)+len(fresh) >= maxComments {
			break
		}
		e.seen[c.ExternalID] = struct{}{}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	res.Comments = append(res.Comments, fresh...)
	e.metrics.AddComments("dom", len(fresh))

	var storeRes *models.StoreResult
	if sink != nil {
		storeRes, err = sink.AddComments(ctx, fresh)
	}
	res.Stats.AddResult(len(fresh), storeRes)
	e.emit(models.MustEnvelope(models.MsgScrapeProgress, models.ProgressPayload{
		ItemID: itemID,
		Status: models.StatusScraping,
		Stats:  res.Stats,
		Source: "dom",
	}))
	if err != nil {
		var limitErr *models.LimitReachedError
		if errors.As(err, &limitErr) {
			return len(fresh), err
		}
		return len(fresh), fmt.Errorf("写入评论失败: %w", err)
	}
	return len(fresh), nil
}

// expandReplies 点击可见的"查看回复"控件,连续多次无效的线程不再尝试
func (e *DOMEngine) expandReplies(ctx context.Context, s CommentSurface, itemID string, maxComments int, sink CommentSink, res *DOMResult) (int, error) {
	buttons, err := s.ReplyButtons(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, models.ErrCancelled
		}
		utils.Debugf("读取回复控件失败: %v", err)
		return 0, nil
	}

	total := 0
	for _, btn := range buttons {
		if err := e.waitWhilePaused(ctx); err != nil {
			return total, err
		}
		key := btn.ThreadKey()
		st := e.threads[key]
		if st == nil {
			st = &threadState{}
			e.threads[key] = st
		}
		if st.abandoned {
			continue
		}

		before, err := s.ReplyState(ctx, btn)
		if err != nil || !before.Exists {
			continue
		}

		productive := false
		if err := s.ClickReply(ctx, btn.Key); err != nil {
			utils.Debugf("点击回复控件失败: %v", err)
		} else {
			waitErr := utils.WaitUntil(ctx, e.cfg.ClickTimeout, e.cfg.PollInterval, func() (bool, error) {
				after, err := s.ReplyState(ctx, btn)
				if err != nil {
					return false, nil
				}
				return !after.Exists || after.Label != before.Label || after.ReplyCount > before.ReplyCount, nil
			})
			if waitErr == nil {
				productive = true
			} else if ctx.Err() != nil {
				return total, models.ErrCancelled
			}
		}

		if productive {
			st.unproductive = 0
		} else {
			st.unproductive++
			if st.unproductive >= e.cfg.MaxUnproductive {
				st.abandoned = true
				utils.Debugf("线程 %s 连续 %d 次展开无效,放弃", key, st.unproductive)
			}
		}

		n, err := e.collect(ctx, s, itemID, maxComments, sink, res)
		total += n
		if err != nil {
			return total, err
		}
		if e.full(maxComments, res) {
			return total, nil
		}
	}
	return total, nil
}

// scrollAndWait 滚动到底部并等待位置移动、高度增长或出现新的可提取数据
func (e *DOMEngine) scrollAndWait(ctx context.Context, s CommentSurface) (bool, error) {
	before, err := s.Metrics(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, models.ErrCancelled
		}
		utils.Debugf("读取滚动状态失败: %v", err)
	}
	if err := s.ScrollToBottom(ctx); err != nil {
		if ctx.Err() != nil {
			return false, models.ErrCancelled
		}
		utils.Debugf("滚动失败: %v", err)
	}

	grew := false
	err = utils.WaitUntil(ctx, e.cfg.ScrollWait, e.cfg.PollInterval, func() (bool, error) {
		m, err := s.Metrics(ctx)
		if err == nil && (m.ScrollHeight > before.ScrollHeight || m.ScrollTop != before.ScrollTop) {
			grew = true
			return true, nil
		}
		// 虚拟列表可能复用节点而不改变滚动位置
		if e.hasUnseen(ctx, s) {
			grew = true
			return true, nil
		}
		return false, nil
	})
	if err != nil && ctx.Err() != nil {
		return false, models.ErrCancelled
	}
	return grew, nil
}

func (e *DOMEngine) hasUnseen(ctx context.Context, s CommentSurface) bool {
	comments, err := s.Extract(ctx)
	if err != nil {
		return false
	}
	for _, c := range comments {
		if c.ExternalID == "" {
			continue
		}
		if _, ok := e.seen[c.ExternalID]; !ok {
			return true
		}
	}
	return false
}

// waitWhilePaused 暂停期间阻塞,取消时返回 models.ErrCancelled
func (e *DOMEngine) waitWhilePaused(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return models.ErrCancelled
		}
		if e.gate == nil || !e.gate.Paused() {
			if e.paused {
				utils.Info("限流暂停结束,继续采集")
				e.paused = false
			}
			return nil
		}
		if !e.paused {
			utils.Warn("因限流暂停采集")
			e.paused = true
		}
		if err := utils.Sleep(ctx, e.cfg.PausePoll); err != nil {
			return models.ErrCancelled
		}
	}
}

// ScrapeItemMetadataOnly 滚动主页网格收集视频元数据,每满一批写入sink
func (e *DOMEngine) ScrapeItemMetadataOnly(ctx context.Context, maxItems int, sink ItemSink) (*MetadataResult, error) {
	if e.grid == nil {
		return nil, fmt.Errorf("未设置主页网格")
	}
	g := e.grid
	res := &MetadataResult{Items: []models.ItemMeta{}}
	seen := make(map[string]struct{})
	var pending []models.ItemMeta

	saveEvery := e.cfg.MetadataSaveEvery
	if saveEvery <= 0 {
		saveEvery = 10
	}

	flush := func(ctx context.Context) error {
		if len(pending) == 0 {
			return nil
		}
		batch := pending
		pending = nil
		if sink != nil {
			if err := sink.SaveItems(ctx, batch); err != nil {
				return fmt.Errorf("保存视频元数据失败: %w", err)
			}
		}
		e.emit(models.MustEnvelope(models.MsgMetadataProgress, models.MetadataProgressPayload{
			Collected:    len(res.Items),
			MaxItems:     maxItems,
			LimitReached: res.LimitReached,
		}))
		return nil
	}

	var runErr error
	stable := 0
	for iter := 1; ; iter++ {
		if err := e.waitWhilePaused(ctx); err != nil {
			runErr = err
			break
		}

		items, err := g.GridItems(ctx)
		if err != nil {
			if ctx.Err() != nil {
				runErr = models.ErrCancelled
				break
			}
			utils.Warnf("读取视频网格失败: %v", err)
		}

		newCount := 0
		for _, it := range items {
			if it.ItemID == "" {
				continue
			}
			if _, ok := seen[it.ItemID]; ok {
				continue
			}
			seen[it.ItemID] = struct{}{}
			res.Items = append(res.Items, it)
			pending = append(pending, it)
			newCount++
			if maxItems > 0 && len(res.Items) >= maxItems {
				res.LimitReached = true
				break
			}
			if len(pending) >= saveEvery {
				if err := flush(ctx); err != nil {
					return res, err
				}
			}
		}
		if res.LimitReached {
			break
		}

		before, _ := g.Metrics(ctx)
		if err := g.ScrollToBottom(ctx); err != nil {
			utils.Debugf("滚动主页失败: %v", err)
		}
		grew := false
		err = utils.WaitUntil(ctx, e.cfg.ScrollWait, e.cfg.PollInterval, func() (bool, error) {
			m, err := g.Metrics(ctx)
			if err != nil {
				return false, nil
			}
			grew = m.ScrollHeight > before.ScrollHeight || m.ItemCount > before.ItemCount
			return grew, nil
		})
		if err != nil && ctx.Err() != nil {
			runErr = models.ErrCancelled
			break
		}

		if newCount == 0 && !grew {
			stable++
			if stable >= e.cfg.StableIterations {
				break
			}
		} else {
			stable = 0
		}
		if e.cfg.MaxIterations > 0 && iter >= e.cfg.MaxIterations {
			break
		}
	}

	if err := flush(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		runErr = err
	}
	utils.Infof("主页元数据采集结束: %d 个视频, 达到上限=%v", len(res.Items), res.LimitReached)
	return res, runErr
}

// ScrapeProfileItems 先收集主页视频,再逐个进入视频页滚动提取评论
func (e *DOMEngine) ScrapeProfileItems(ctx context.Context, maxItems, maxCommentsPerItem int, sink CommentSink) ([]models.RawComment, error) {
	meta, err := e.ScrapeItemMetadataOnly(ctx, maxItems, nil)
	if err != nil {
		if meta == nil {
			return nil, err
		}
		return []models.RawComment{}, err
	}

	all := []models.RawComment{}
	for i, item := range meta.Items {
		if ctx.Err() != nil {
			return all, models.ErrCancelled
		}
		utils.Infof("[%d/%d] 采集视频 %s", i+1, len(meta.Items), item.ItemID)

		surface, err := e.grid.OpenItem(ctx, item.ItemID)
		if err != nil {
			if ctx.Err() != nil {
				return all, models.ErrCancelled
			}
			utils.Warnf("打开视频 %s 失败,跳过: %v", item.ItemID, err)
			continue
		}

		sub := NewDOMEngine(e.cfg, surface, e.gate)
		sub.metrics = e.metrics
		sub.emit = e.emit
		r, err := sub.ScrapeCurrentItem(ctx, maxCommentsPerItem, sink)
		if r != nil {
			all = append(all, r.Comments...)
		}
		if err != nil {
			if errors.Is(err, models.ErrCancelled) || models.IsLimitReached(err) {
				return all, err
			}
			utils.Warnf("视频 %s 采集失败,继续下一个: %v", item.ItemID, err)
		}
	}
	return all, nil
}
