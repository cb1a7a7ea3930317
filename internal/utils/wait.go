package utils

import (
	"context"
	"errors"
	"time"
)

// ErrWaitTimeout 等待条件超时
var ErrWaitTimeout = errors.New("等待超时")

// WaitUntil 以固定间隔轮询predicate,直到返回true、超时或ctx取消
// predicate返回错误时立即结束
func WaitUntil(ctx context.Context, timeout, interval time.Duration, predicate func() (bool, error)) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	ok, err := predicate()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			// 超时前最后检查一次
			if ok, err := predicate(); err != nil {
				return err
			} else if ok {
				return nil
			}
			return ErrWaitTimeout
		case <-ticker.C:
			ok, err := predicate()
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
}

// Sleep 可被ctx打断的睡眠
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
