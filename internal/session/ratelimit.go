package session

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

// Pauser 限流监视器对会话的操作
type Pauser interface {
	IsActive() bool
	ActiveTab() string
	Pause(tabID, message string) bool
	Resume() bool
}

// MonitorConfig 限流监视配置
type MonitorConfig struct {
	Patterns    []string      // 评论接口URL的glob模式
	ResumeDelay time.Duration // 429后自动继续的等待时间
	StaleAfter  time.Duration // 超过该时间的限流状态不再视为当前限流
}

// DefaultMonitorConfig 默认配置
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Patterns: []string{
			"*://*/api/comment/list/*",
			"*://*/api/comment/list/reply/*",
		},
		ResumeDelay: 60 * time.Second,
		StaleAfter:  5 * time.Minute,
	}
}

// RateLimitMonitor 观察评论接口响应(不区分由哪个引擎发出),429或5xx时暂停进行中的会话
type RateLimitMonitor struct {
	mu         sync.Mutex
	state      models.RateLimitState
	stopTimer  func() bool
	generation int

	config    MonitorConfig
	patterns  []glob.Glob
	session   Pauser
	listeners []Listener
	metrics   *utils.Metrics

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) (stop func() bool)
}

// NewRateLimitMonitor 创建限流监视器
func NewRateLimitMonitor(config MonitorConfig, session Pauser) (*RateLimitMonitor, error) {
	def := DefaultMonitorConfig()
	if len(config.Patterns) == 0 {
		config.Patterns = def.Patterns
	}
	if config.ResumeDelay <= 0 {
		config.ResumeDelay = def.ResumeDelay
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = def.StaleAfter
	}

	patterns := make([]glob.Glob, 0, len(config.Patterns))
	for _, p := range config.Patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, g)
	}

	return &RateLimitMonitor{
		config:   config,
		patterns: patterns,
		session:  session,
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}, nil
}

// AddListener 注册 rate_limit 广播接收者
func (r *RateLimitMonitor) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// SetMetrics 设置指标
func (r *RateLimitMonitor) SetMetrics(m *utils.Metrics) {
	r.metrics = m
}

func (r *RateLimitMonitor) matches(rawURL string) bool {
	for _, g := range r.patterns {
		if g.Match(rawURL) {
			return true
		}
	}
	return false
}

// Observe 处理一次完成的网络响应
func (r *RateLimitMonitor) Observe(rawURL string, status int, tabID string) {
	if status != 429 && status < 500 {
		return
	}
	if !r.matches(rawURL) {
		return
	}

	// 会话状态在加锁前读取,会话持久化时会回调State()
	active := r.session != nil && r.session.IsActive()
	if active {
		owner := r.session.ActiveTab()
		active = tabID == "" || owner == "" || owner == tabID
	}

	r.mu.Lock()
	now := r.now()
	r.state.ErrorCount++
	r.state.LastErrorAt = now
	r.state.IsRateLimited = true
	r.metrics.IncRateLimit(strconv.Itoa(status))

	pause := active
	if pause {
		resumeAt := now.Add(r.config.ResumeDelay)
		r.state.IsPausedFor429 = true
		r.state.ResumeAt = &resumeAt
		r.scheduleLocked(r.config.ResumeDelay)
	}
	r.mu.Unlock()

	utils.Warnf("评论接口返回 %d: %s", status, utils.RedactURL(rawURL))
	if pause {
		r.session.Pause(tabID, fmt.Sprintf("评论接口返回 %d,稍后自动继续", status))
	}
	r.broadcast()
}

// scheduleLocked 重新计时,旧的定时器作废
func (r *RateLimitMonitor) scheduleLocked(d time.Duration) {
	if r.stopTimer != nil {
		r.stopTimer()
	}
	r.generation++
	gen := r.generation
	r.stopTimer = r.afterFunc(d, func() { r.autoResume(gen) })
}

func (r *RateLimitMonitor) autoResume(gen int) {
	r.mu.Lock()
	if gen != r.generation || !r.state.IsPausedFor429 {
		r.mu.Unlock()
		return
	}
	r.clearLocked()
	r.mu.Unlock()

	utils.Info("限流等待结束,自动继续")
	if r.session != nil {
		r.session.Resume()
	}
	r.broadcast()
}

func (r *RateLimitMonitor) clearLocked() {
	r.state.IsPausedFor429 = false
	r.state.IsRateLimited = false
	r.state.ResumeAt = nil
	if r.stopTimer != nil {
		r.stopTimer()
		r.stopTimer = nil
	}
	r.generation++
}

// OnTabActivated 会话标签页被激活时提前结束限流暂停
func (r *RateLimitMonitor) OnTabActivated(tabID string) {
	if r.session == nil || r.session.ActiveTab() != tabID {
		return
	}
	r.mu.Lock()
	if !r.state.IsPausedFor429 {
		r.mu.Unlock()
		return
	}
	r.clearLocked()
	r.mu.Unlock()
	r.broadcast()
}

// State 当前限流状态,超过StaleAfter的记录不再视为限流中
func (r *RateLimitMonitor) State() models.RateLimitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *RateLimitMonitor) stateLocked() models.RateLimitState {
	s := r.state
	if s.ResumeAt != nil {
		t := *s.ResumeAt
		s.ResumeAt = &t
	}
	if s.IsRateLimited && !s.IsPausedFor429 && r.now().Sub(s.LastErrorAt) > r.config.StaleAfter {
		s.IsRateLimited = false
	}
	return s
}

// Restore 恢复持久化的限流状态,未到期的暂停继续计时
func (r *RateLimitMonitor) Restore(state models.RateLimitState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
	if !state.IsPausedFor429 || state.ResumeAt == nil {
		r.state.IsPausedFor429 = false
		r.state.ResumeAt = nil
		return
	}
	remaining := state.ResumeAt.Sub(r.now())
	if remaining <= 0 {
		r.clearLocked()
		return
	}
	r.scheduleLocked(remaining)
}

// Stop 停止定时器
func (r *RateLimitMonitor) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopTimer != nil {
		r.stopTimer()
		r.stopTimer = nil
	}
	r.generation++
}

func (r *RateLimitMonitor) broadcast() {
	r.mu.Lock()
	env := models.MustEnvelope(models.MsgRateLimit, r.stateLocked())
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()
	for _, l := range listeners {
		l(env)
	}
}
