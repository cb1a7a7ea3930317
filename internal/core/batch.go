package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RecoveryAshes/CommentHarvest/internal/crawlers"
	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/session"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

// TabOpener 打开采集标签页
type TabOpener interface {
	Open(ctx context.Context, url string) (WorkTab, error)
}

// MetaFetcher 视频公开元数据
type MetaFetcher interface {
	Fetch(ctx context.Context, itemURL string) (*models.ItemMeta, error)
}

// BatchSession 批量采集对会话的操作,收尾只作用于Start返回的那次运行
type BatchSession interface {
	Start(parent context.Context, itemID, tabID string, isBatch bool) (context.Context, error)
	SetItem(itemID, tabID string)
	FinishRun(runCtx context.Context, status models.SessionStatus, commentsFound int, message string) bool
	MarkIntentionalClose(tabID string)
	Release(runCtx context.Context) bool
}

// BatchOptions 批量采集参数
type BatchOptions struct {
	BaseURL            string
	ItemDelay          time.Duration
	MaxCommentsPerItem int
	MetaTimeout        time.Duration
}

// BatchCoordinator 批量采集协调器
// 职责: 复用一个标签页依次采集队列中的视频,累计统计,处理取消与部分失败
type BatchCoordinator struct {
	options   BatchOptions
	collect   models.CollectConfig
	tabs      TabOpener
	collector ItemCollector
	session   BatchSession

	meta     MetaFetcher
	reporter *utils.Reporter
	metrics  *utils.Metrics
	emit     crawlers.Emitter
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewBatchCoordinator 创建批量采集协调器
func NewBatchCoordinator(options BatchOptions, collect models.CollectConfig, tabs TabOpener, collector ItemCollector, session BatchSession) *BatchCoordinator {
	return &BatchCoordinator{
		options:   options,
		collect:   collect,
		tabs:      tabs,
		collector: collector,
		session:   session,
		emit:      func(models.Envelope) {},
		sleep:     utils.Sleep,
	}
}

// SetMetaFetcher 开启视频元数据补全
func (b *BatchCoordinator) SetMetaFetcher(f MetaFetcher) {
	b.meta = f
}

// SetReporter 设置报告生成器
func (b *BatchCoordinator) SetReporter(r *utils.Reporter) {
	b.reporter = r
}

// SetMetrics 设置指标
func (b *BatchCoordinator) SetMetrics(m *utils.Metrics) {
	b.metrics = m
}

// SetEmitter 设置进度消息发送函数
func (b *BatchCoordinator) SetEmitter(fn crawlers.Emitter) {
	if fn != nil {
		b.emit = fn
	}
}

// ProcessBatch 批量采集
//
// 没有有效视频或无法打开标签页时整个批次中止;单个视频的标签页错误跳过该视频;
// 配额已满时提前结束;取消后返回截至取消时的累计统计。
// 关闭标签页、清除会话、回到发起页面在唯一的收尾路径中执行。
func (b *BatchCoordinator) ProcessBatch(ctx context.Context, itemIDs []string) (*models.BatchSummary, error) {
	queue := NewItemQueue(len(itemIDs))
	for raw, err := range queue.PushAll(itemIDs) {
		utils.Warnf("跳过视频 %s: %v", raw, err)
	}
	queue.Close()

	if queue.Total() == 0 {
		b.emit(models.MustEnvelope(models.MsgBatchError, models.BatchProgressPayload{
			Status: models.StatusError,
			Error:  models.ErrNoValidItems.Error(),
		}))
		return nil, models.ErrNoValidItems
	}

	summary := models.NewBatchSummary(queue.Total())
	utils.Infof("🚀 开始批量采集: %d 个视频 (批次 %s)", summary.TotalItems, summary.BatchID)

	tab, err := b.tabs.Open(ctx, "")
	if err != nil {
		err = fmt.Errorf("无法打开采集标签页: %w", err)
		b.abort(summary, err)
		return summary, err
	}

	first, _ := queue.Pop(ctx)
	runCtx, err := b.session.Start(ctx, first.ItemID, tab.TabID(), true)
	if err != nil {
		b.session.MarkIntentionalClose(tab.TabID())
		_ = tab.Close()
		b.abort(summary, err)
		return summary, err
	}

	defer b.finish(runCtx, summary, tab)

	for item, ok := first, true; ok; item, ok = queue.Pop(runCtx) {
		if runCtx.Err() != nil {
			summary.Status = models.TaskStatusCancelled
			break
		}
		if item.Index > 0 && b.options.ItemDelay > 0 {
			if err := b.sleep(runCtx, b.options.ItemDelay); err != nil {
				summary.Status = models.TaskStatusCancelled
				break
			}
		}

		result := b.processItem(runCtx, tab, item)
		summary.Record(result)
		b.metrics.IncBatchItem(string(result.Status))
		b.emitProgress(summary, item, result)

		if result.Status == models.TaskStatusLimited {
			summary.LimitReached = true
			summary.Status = models.TaskStatusLimited
			utils.Warn("⚠️  已达到配额,批量任务提前结束")
			break
		}
		if result.Status == models.TaskStatusCancelled {
			summary.Status = models.TaskStatusCancelled
			break
		}
	}

	if summary.Status == models.TaskStatusRunning {
		summary.Status = models.TaskStatusCompleted
		if runCtx.Err() != nil && queue.PendingCount() > 0 {
			summary.Status = models.TaskStatusCancelled
		}
	}
	return summary, nil
}

// processItem 采集单个视频并归类结果
func (b *BatchCoordinator) processItem(ctx context.Context, tab WorkTab, item models.QueueItem) models.ItemResult {
	utils.Infof("==================== [%d] %s ====================", item.Index+1, item.ItemID)
	b.session.SetItem(item.ItemID, "")

	result := models.ItemResult{
		Index:     item.Index,
		ItemID:    item.ItemID,
		URL:       models.ItemURL(b.options.BaseURL, item.ItemID),
		StartedAt: time.Now(),
	}

	out, err := b.collector.Collect(ctx, tab, item.ItemID, b.options.MaxCommentsPerItem)
	if out != nil {
		result.Source = out.Source
		result.Stats = out.Stats
	}
	result.Duration = time.Since(result.StartedAt)

	switch {
	case err == nil:
		result.Status = models.TaskStatusCompleted
		utils.Infof("✅ 视频 %s 完成: 新增 %d, 重复 %d", item.ItemID, result.Stats.Stored, result.Stats.Duplicates)
	case models.IsLimitReached(err):
		result.Status = models.TaskStatusLimited
	case errors.Is(err, models.ErrCancelled) || ctx.Err() != nil:
		result.Status = models.TaskStatusCancelled
	case models.IsTabLifecycle(err):
		result.Status = models.TaskStatusSkipped
		utils.Warnf("视频 %s 标签页错误,跳过: %v", item.ItemID, err)
	default:
		result.Status = models.TaskStatusFailed
		utils.Errorf("❌ 视频 %s 采集失败: %v", item.ItemID, err)
	}
	if err != nil {
		result.Error = err.Error()
		b.metrics.IncError(models.ErrorType(err))
	}

	if b.meta != nil && result.Status == models.TaskStatusCompleted {
		result.Meta = b.fetchMeta(ctx, result.URL)
	}
	return result
}

func (b *BatchCoordinator) fetchMeta(ctx context.Context, itemURL string) *models.ItemMeta {
	timeout := b.options.MetaTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	metaCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	meta, err := b.meta.Fetch(metaCtx, itemURL)
	if err != nil {
		utils.Debugf("获取视频元数据失败 %s: %v", utils.RedactURL(itemURL), err)
		return nil
	}
	return meta
}

func (b *BatchCoordinator) emitProgress(summary *models.BatchSummary, item models.QueueItem, result models.ItemResult) {
	status := models.StatusComplete
	switch result.Status {
	case models.TaskStatusCancelled:
		status = models.StatusCancelled
	case models.TaskStatusFailed, models.TaskStatusSkipped, models.TaskStatusLimited:
		status = models.StatusError
	}
	b.emit(models.MustEnvelope(models.MsgBatchProgress, models.BatchProgressPayload{
		BatchID:         summary.BatchID,
		ItemIndex:       item.Index,
		TotalItems:      summary.TotalItems,
		ItemID:          item.ItemID,
		CompletedVideos: summary.CompletedVideos,
		Status:          status,
		Stats:           summary.Stats,
		Error:           result.Error,
	}))
}

// abort 批次在启动阶段失败
func (b *BatchCoordinator) abort(summary *models.BatchSummary, err error) {
	summary.Status = models.TaskStatusFailed
	summary.Error = err.Error()
	summary.EndTime = time.Now()
	utils.Errorf("❌ 批量采集中止: %v", err)
	b.emit(models.MustEnvelope(models.MsgBatchError, models.BatchProgressPayload{
		BatchID:    summary.BatchID,
		TotalItems: summary.TotalItems,
		Status:     models.StatusError,
		Error:      summary.Error,
	}))
}

// finish 收尾: 无论成功、失败或取消都会执行
// 标签页意外关闭时会话已发送 batch_error,不再发送 batch_complete
func (b *BatchCoordinator) finish(runCtx context.Context, summary *models.BatchSummary, tab WorkTab) {
	summary.EndTime = time.Now()
	closedByTab := session.ClosedByTab(runCtx)

	if !closedByTab {
		switch summary.Status {
		case models.TaskStatusCancelled:
			b.session.FinishRun(runCtx, models.StatusCancelled, summary.Stats.Found, "用户已停止采集")
		case models.TaskStatusFailed:
			b.session.FinishRun(runCtx, models.StatusError, summary.Stats.Found, summary.Error)
		default:
			b.session.FinishRun(runCtx, models.StatusComplete, summary.Stats.Found,
				fmt.Sprintf("批量采集完成: %d/%d", summary.CompletedVideos, summary.TotalItems))
		}
	}

	b.session.MarkIntentionalClose(tab.TabID())
	if err := tab.Close(); err != nil {
		utils.Warnf("关闭采集标签页失败: %v", err)
	}
	b.session.Release(runCtx)

	if !closedByTab {
		status := models.StatusComplete
		if summary.Status == models.TaskStatusCancelled {
			status = models.StatusCancelled
		}
		b.emit(models.MustEnvelope(models.MsgBatchComplete, models.BatchProgressPayload{
			BatchID:         summary.BatchID,
			TotalItems:      summary.TotalItems,
			CompletedVideos: summary.CompletedVideos,
			Status:          status,
			Stats:           summary.Stats,
		}))
	}
	b.emit(models.MustEnvelope(models.MsgFocusOrigin, nil))

	if b.reporter != nil {
		if _, err := b.reporter.GenerateBatchReport(summary, b.collect); err != nil {
			utils.Warnf("生成批量报告失败: %v", err)
		}
	}

	b.printSummary(summary)
}

// printSummary 打印批量采集摘要
func (b *BatchCoordinator) printSummary(summary *models.BatchSummary) {
	utils.Info("==================================================")
	utils.Info("📊 批量采集摘要")
	utils.Info("==================================================")
	utils.Infof("状态: %s", summary.Status)
	utils.Infof("总视频数: %d", summary.TotalItems)
	utils.Infof("✅ 完成: %d", summary.CompletedVideos)
	utils.Infof("⏭️  跳过: %d", summary.SkippedVideos)
	utils.Infof("❌ 失败: %d", summary.FailedVideos)
	utils.Infof("💬 评论: 发现 %d, 新增 %d, 重复 %d, 忽略 %d",
		summary.Stats.Found, summary.Stats.Stored, summary.Stats.Duplicates, summary.Stats.Ignored)
	utils.Infof("⏱️  总耗时: %.2f秒", summary.Duration().Seconds())
	utils.Info("==================================================")
}
