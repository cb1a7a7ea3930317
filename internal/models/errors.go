package models

import (
	"errors"
	"fmt"
)

// 错误分类
var (
	// ErrSigningNotFound 页面中找不到签名函数(不可重试,回退DOM)
	ErrSigningNotFound = errors.New("未找到页面签名函数")
	// ErrParamsCaptureTimeout 等待基线参数超时(不可重试,回退DOM)
	ErrParamsCaptureTimeout = errors.New("等待基线参数超时")
	// ErrRetriesExhausted 可重试错误已达最大重试次数
	ErrRetriesExhausted = errors.New("已达最大重试次数")
	// ErrCancelled 用户取消,不是错误,携带部分统计
	ErrCancelled = errors.New("采集已取消")
	// ErrContentNotLoaded 评论区内容未加载
	ErrContentNotLoaded = errors.New("评论内容未加载")
	// ErrTabClosed 采集标签页被意外关闭,会话按取消处理
	ErrTabClosed = errors.New("采集标签页被关闭")
	// ErrSessionActive 已有进行中的采集会话
	ErrSessionActive = errors.New("已有进行中的采集会话")
	// ErrNoValidItems 批量任务中没有有效视频
	ErrNoValidItems = errors.New("没有有效的视频ID")
)

// HTTPError 评论接口请求失败
type HTTPError struct {
	Status      int    // HTTP状态码,0表示响应体异常
	BodyStatus  int    // 响应体中的status_code
	Message     string // 错误描述
	Retryable   bool   // 是否可重试
	RateLimited bool   // 是否为429
}

// Error 实现error接口
func (e *HTTPError) Error() string {
	if e.BodyStatus != 0 {
		return fmt.Sprintf("接口错误 [HTTP %d, status_code=%d]: %s", e.Status, e.BodyStatus, e.Message)
	}
	return fmt.Sprintf("接口错误 [HTTP %d]: %s", e.Status, e.Message)
}

// TabError 标签页生命周期错误(创建/导航/加载超时),只影响当前视频
type TabError struct {
	Op  string
	Err error
}

// Error 实现error接口
func (e *TabError) Error() string {
	return fmt.Sprintf("标签页%s失败: %v", e.Op, e.Err)
}

// Unwrap 支持errors.Unwrap
func (e *TabError) Unwrap() error {
	return e.Err
}

// LimitReachedError 持久化层配额已满,携带已存储的部分结果
type LimitReachedError struct {
	Result StoreResult
}

// Error 实现error接口
func (e *LimitReachedError) Error() string {
	return fmt.Sprintf("已达到月度配额 (%d/%d)", e.Result.CurrentCount, e.Result.MonthlyLimit)
}

// IsFallback 判断API引擎错误是否应回退到DOM提取
// 取消、配额已满与标签页错误之外的失败均回退
func IsFallback(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrCancelled) && !IsLimitReached(err) && !IsTabLifecycle(err)
}

// IsTabLifecycle 是否为标签页生命周期错误
func IsTabLifecycle(err error) bool {
	var tabErr *TabError
	return errors.As(err, &tabErr)
}

// IsLimitReached 是否为配额已满
func IsLimitReached(err error) bool {
	var limitErr *LimitReachedError
	return errors.As(err, &limitErr)
}

// ErrorType 错误类型标签(用于指标)
func ErrorType(err error) string {
	var httpErr *HTTPError
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrSigningNotFound):
		return "signing_not_found"
	case errors.Is(err, ErrParamsCaptureTimeout):
		return "params_timeout"
	case errors.Is(err, ErrRetriesExhausted):
		return "retries_exhausted"
	case IsTabLifecycle(err):
		return "tab_lifecycle"
	case IsLimitReached(err):
		return "limit_reached"
	case errors.As(err, &httpErr):
		if httpErr.RateLimited {
			return "rate_limited"
		}
		if httpErr.Retryable {
			return "transient_http"
		}
		return "http"
	default:
		return "other"
	}
}
