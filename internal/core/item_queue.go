package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
)

// ItemQueue 批量视频队列
// 职责: 规范化输入、按视频ID去重,按输入顺序依次取出
type ItemQueue struct {
	pending chan models.QueueItem

	// 已入队的视频ID
	queued map[string]bool
	mu     sync.RWMutex

	closed bool
}

// NewItemQueue 创建视频队列,capacity为最大入队数量
func NewItemQueue(capacity int) *ItemQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &ItemQueue{
		pending: make(chan models.QueueItem, capacity),
		queued:  make(map[string]bool),
	}
}

// Push 规范化并入队,无效或重复的输入返回错误
func (q *ItemQueue) Push(raw string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("队列已关闭")
	}

	itemID, err := models.NormalizeItemID(raw)
	if err != nil {
		return err
	}
	if q.queued[itemID] {
		return fmt.Errorf("视频重复: %s", itemID)
	}
	if len(q.pending) == cap(q.pending) {
		return fmt.Errorf("队列已满")
	}

	q.pending <- models.QueueItem{Index: len(q.queued), ItemID: itemID, Source: raw}
	q.queued[itemID] = true
	return nil
}

// PushAll 批量入队,返回被跳过的输入及原因
func (q *ItemQueue) PushAll(raws []string) map[string]error {
	skipped := make(map[string]error)
	for _, raw := range raws {
		if err := q.Push(raw); err != nil {
			skipped[raw] = err
		}
	}
	return skipped
}

// Pop 取出下一个视频,队列为空或ctx取消时返回false,不阻塞等待
func (q *ItemQueue) Pop(ctx context.Context) (models.QueueItem, bool) {
	select {
	case <-ctx.Done():
		return models.QueueItem{}, false
	case item, ok := <-q.pending:
		return item, ok
	default:
		return models.QueueItem{}, false
	}
}

// Total 已入队的视频总数
func (q *ItemQueue) Total() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.queued)
}

// PendingCount 待处理数量
func (q *ItemQueue) PendingCount() int {
	return len(q.pending)
}

// Close 关闭队列,后续Push返回错误
func (q *ItemQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		close(q.pending)
		q.closed = true
	}
}
