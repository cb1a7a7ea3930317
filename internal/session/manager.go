package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

// Listener 接收会话广播
type Listener func(models.Envelope)

// TabChecker 检查标签页是否仍然存在
type TabChecker interface {
	Exists(tabID string) bool
}

// Manager 进程内唯一的采集会话状态机
//
// 状态: 空闲 → loading → scraping ⇄ paused → complete|error|cancelled → 空闲。
// 所有状态修改都经过Manager,每次修改后写入状态文件并广播 session_state。
type Manager struct {
	mu sync.Mutex

	state       *models.SessionState
	run         context.Context
	cancel      context.CancelCauseFunc
	intentional map[string]bool
	revalidate  bool

	stateFile string
	tabs      TabChecker
	rateLimit func() models.RateLimitState
	listeners []Listener
	metrics   *utils.Metrics
	now       func() time.Time
}

// NewManager 创建会话管理器,stateFile为空时不持久化
func NewManager(stateFile string, tabs TabChecker) *Manager {
	return &Manager{
		intentional: make(map[string]bool),
		stateFile:   stateFile,
		tabs:        tabs,
		now:         time.Now,
	}
}

// AddListener 注册广播接收者
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// SetTabChecker 设置标签页检查器(浏览器启动后才可用)
func (m *Manager) SetTabChecker(tabs TabChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tabs = tabs
}

// SetRateLimitSource 持久化时一并写入的限流状态
func (m *Manager) SetRateLimitSource(fn func() models.RateLimitState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimit = fn
}

// SetMetrics 设置指标
func (m *Manager) SetMetrics(metrics *utils.Metrics) {
	m.metrics = metrics
}

// Restore 进程重启后恢复状态文件
// 声称进行中的会话按单视频保守接管,在下一次标签页激活时校验标签页是否存在
func (m *Manager) Restore() (*models.SessionCheckpoint, error) {
	if m.stateFile == "" {
		return nil, nil
	}
	cp, err := models.LoadCheckpointFromFile(m.stateFile)
	if err != nil {
		return nil, fmt.Errorf("恢复会话状态失败: %w", err)
	}
	if cp == nil {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !cp.Session.IsActive || cp.Session.Status.IsTerminal() {
		_ = models.RemoveCheckpoint(m.stateFile)
		return cp, nil
	}

	state := cp.Session
	state.IsBatch = false
	m.state = &state
	m.revalidate = true
	m.metrics.SetSessionActive(true)
	utils.Infof("恢复进行中的会话: 视频=%s 标签页=%s", deref(state.ItemID), state.ActiveTab())
	return cp, nil
}

// Start 开始一次采集,已有进行中的会话时返回 models.ErrSessionActive
// 返回的ctx在Cancel或标签页意外关闭时取消,同时也是FinishRun/Release识别本次运行的凭据
func (m *Manager) Start(parent context.Context, itemID, tabID string, isBatch bool) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != nil && m.state.IsActive {
		return nil, models.ErrSessionActive
	}

	ctx, cancel := context.WithCancelCause(parent)
	m.run = ctx
	m.cancel = cancel
	m.revalidate = false
	m.state = &models.SessionState{
		IsActive: true,
		ItemID:   models.StringPtr(itemID),
		TabID:    models.StringPtr(tabID),
		Status:   models.StatusLoading,
		Message:  "正在打开标签页",
		IsBatch:  isBatch,
		RunID:    models.NewRunID(),
	}
	m.metrics.SetSessionActive(true)
	m.commitLocked()
	return ctx, nil
}

// SetItem 批量任务切换到下一个视频,tabID为空时保持不变
func (m *Manager) SetItem(itemID, tabID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return
	}
	m.state.ItemID = models.StringPtr(itemID)
	if tabID != "" {
		m.state.TabID = models.StringPtr(tabID)
	}
	m.state.Status = models.StatusLoading
	m.state.IsPaused = false
	m.state.Message = "正在加载视频"
	m.commitLocked()
}

// MarkScraping 评论区已就绪
func (m *Manager) MarkScraping(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil || m.state.IsPaused {
		return
	}
	m.state.Status = models.StatusScraping
	m.state.Message = message
	m.commitLocked()
}

// Progress 更新累计评论数
func (m *Manager) Progress(commentsFound int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return
	}
	if commentsFound > m.state.CommentsFound {
		m.state.CommentsFound = commentsFound
	}
	if message != "" {
		m.state.Message = message
	}
	m.commitLocked()
}

// Pause 限流暂停,仅当会话进行中且标签页匹配时生效(tabID为空视为匹配)
func (m *Manager) Pause(tabID, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil || !m.state.IsActive {
		return false
	}
	if tabID != "" && m.state.ActiveTab() != "" && tabID != m.state.ActiveTab() {
		return false
	}
	m.state.IsPaused = true
	m.state.Status = models.StatusPaused
	m.state.Message = message
	m.commitLocked()
	return true
}

// Resume 结束暂停
func (m *Manager) Resume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil || !m.state.IsPaused {
		return false
	}
	m.state.IsPaused = false
	m.state.Status = models.StatusScraping
	m.state.Message = "继续采集"
	m.commitLocked()
	return true
}

// Paused 当前是否暂停
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != nil && m.state.IsPaused
}

// IsActive 是否有进行中的会话
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != nil && m.state.IsActive
}

// ActiveTab 当前会话的标签页
func (m *Manager) ActiveTab() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return ""
	}
	return m.state.ActiveTab()
}

// Complete 采集完成,广播后清除会话
func (m *Manager) Complete(commentsFound int, message string) {
	m.finish(models.StatusComplete, commentsFound, message)
}

// Fail 不可恢复的错误,广播后清除会话
func (m *Manager) Fail(err error, commentsFound int) {
	msg := "采集失败"
	if err != nil {
		msg = err.Error()
	}
	m.finish(models.StatusError, commentsFound, msg)
}

// Cancel 用户取消当前会话
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	if m.state == nil || !m.state.IsActive {
		m.mu.Unlock()
		return false
	}
	if m.cancel != nil {
		m.cancel(models.ErrCancelled)
	}
	m.mu.Unlock()

	m.finish(models.StatusCancelled, 0, "用户已停止采集")
	return true
}

// CancelRun 只取消运行中的ctx,状态由运行方自行收尾
func (m *Manager) CancelRun() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil || m.cancel == nil {
		return false
	}
	m.cancel(models.ErrCancelled)
	return true
}

// FinishRun 运行方收尾,runCtx不是当前会话(已被清除或已有新的会话)时不做任何修改
func (m *Manager) FinishRun(runCtx context.Context, status models.SessionStatus, commentsFound int, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ownsLocked(runCtx) {
		return false
	}
	m.finishLocked(status, commentsFound, message)
	return true
}

// Release 清除runCtx对应的会话,不影响之后启动的会话
func (m *Manager) Release(runCtx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ownsLocked(runCtx) {
		return false
	}
	m.clearLocked()
	return true
}

func (m *Manager) ownsLocked(runCtx context.Context) bool {
	return m.state != nil && m.run != nil && m.run == runCtx
}

// ClosedByTab 会话是否因标签页意外关闭而结束,此时客户端已收到错误消息
func ClosedByTab(runCtx context.Context) bool {
	if runCtx == nil {
		return false
	}
	return errors.Is(context.Cause(runCtx), models.ErrTabClosed)
}

func (m *Manager) finish(status models.SessionStatus, commentsFound int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishLocked(status, commentsFound, message)
}

func (m *Manager) finishLocked(status models.SessionStatus, commentsFound int, message string) {
	if m.state == nil {
		return
	}
	m.state.Status = status
	m.state.IsActive = false
	m.state.IsPaused = false
	if commentsFound > m.state.CommentsFound {
		m.state.CommentsFound = commentsFound
	}
	m.state.Message = message
	m.broadcastLocked(models.MustEnvelope(models.MsgSessionState, m.snapshotLocked()))
	m.clearLocked()
}

// MarkIntentionalClose 标记即将主动关闭的标签页,其关闭事件不视为取消
// 已经不存在的标签页不会再有关闭事件,不做标记
func (m *Manager) MarkIntentionalClose(tabID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tabs != nil && !m.tabs.Exists(tabID) {
		return
	}
	m.intentional[tabID] = true
}

// OnTabClosed 处理标签页关闭事件
// 仅当活动标签页标记尚未被完成流程清除时,意外关闭才视为隐式取消
func (m *Manager) OnTabClosed(tabID string) {
	m.mu.Lock()
	if m.intentional[tabID] {
		delete(m.intentional, tabID)
		m.mu.Unlock()
		return
	}
	if m.state == nil || !m.state.IsActive || m.state.ActiveTab() != tabID {
		m.mu.Unlock()
		return
	}

	delete(m.intentional, tabID)
	if m.cancel != nil {
		m.cancel(models.ErrTabClosed)
	}
	isBatch := m.state.IsBatch
	itemID := deref(m.state.ItemID)
	found := m.state.CommentsFound
	m.mu.Unlock()

	msg := "采集标签页被关闭"
	msgType := models.MsgScrapeError
	var payload interface{} = models.ProgressPayload{
		ItemID: itemID,
		Status: models.StatusError,
		Error:  msg,
		Stats:  models.ScrapeStats{Found: found},
	}
	if isBatch {
		msg = "批量采集的标签页被关闭,批量任务已中止"
		msgType = models.MsgBatchError
		payload = models.BatchProgressPayload{
			ItemID: itemID,
			Status: models.StatusError,
			Error:  msg,
			Stats:  models.ScrapeStats{Found: found},
		}
	}
	utils.Warnf("标签页 %s 意外关闭: %s", tabID, msg)
	m.finish(models.StatusError, found, msg)

	m.mu.Lock()
	m.broadcastLocked(models.MustEnvelope(msgType, payload))
	m.mu.Unlock()
}

// OnTabActivated 标签页被激活: 校验恢复的会话,并结束该标签页上的暂停
func (m *Manager) OnTabActivated(tabID string) {
	m.mu.Lock()
	if m.state == nil {
		m.mu.Unlock()
		return
	}

	if m.revalidate {
		m.revalidate = false
		tab := m.state.ActiveTab()
		if tab == "" || m.tabs == nil || !m.tabs.Exists(tab) {
			utils.Infof("恢复的会话标签页 %s 已不存在,清除会话", tab)
			m.clearLocked()
			m.mu.Unlock()
			return
		}
	}

	if m.state.IsPaused && m.state.ActiveTab() == tabID {
		m.state.IsPaused = false
		m.state.Status = models.StatusScraping
		m.state.Message = "标签页已激活,继续采集"
		m.commitLocked()
	}
	m.mu.Unlock()
}

// Snapshot 当前状态副本,空闲时返回零值
func (m *Manager) Snapshot() models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() models.SessionState {
	if m.state == nil {
		return models.SessionState{}
	}
	return *m.state
}

// Clear 清除会话
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return
	}
	m.clearLocked()
}

func (m *Manager) clearLocked() {
	m.state = nil
	m.run = nil
	m.cancel = nil
	m.revalidate = false
	m.metrics.SetSessionActive(false)
	if m.stateFile != "" {
		if err := models.RemoveCheckpoint(m.stateFile); err != nil {
			utils.Warnf("删除会话状态文件失败: %v", err)
		}
	}
	m.broadcastLocked(models.MustEnvelope(models.MsgSessionState, models.SessionState{UpdatedAt: m.now()}))
}

// commitLocked 持久化并广播
func (m *Manager) commitLocked() {
	m.state.UpdatedAt = m.now()
	if m.stateFile != "" {
		cp := models.SessionCheckpoint{Session: *m.state, SavedAt: m.state.UpdatedAt}
		if m.rateLimit != nil {
			cp.RateLimit = m.rateLimit()
		}
		if err := cp.SaveToFile(m.stateFile); err != nil {
			utils.Warnf("保存会话状态失败: %v", err)
		}
	}
	m.broadcastLocked(models.MustEnvelope(models.MsgSessionState, *m.state))
}

func (m *Manager) broadcastLocked(env models.Envelope) {
	for _, l := range m.listeners {
		l(env)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
