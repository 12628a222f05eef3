package task

import (
	"context"
	"time"
)

// timedMutex 提供带超时的阻塞互斥。Claim 的扫描加迁移必须在
// 独占区内完成，超时后返回 ErrLockTimeout 交由调用方重试，
// 而不是在运行时里空转等待。
type timedMutex struct {
	ch      chan struct{}
	timeout time.Duration
}

func newTimedMutex(timeout time.Duration) *timedMutex {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m := &timedMutex{ch: make(chan struct{}, 1), timeout: timeout}
	m.ch <- struct{}{}
	return m
}

// acquire 阻塞直到取得锁、上下文取消或超时。
func (m *timedMutex) acquire(ctx context.Context) error {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case <-m.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrLockTimeout
	}
}

func (m *timedMutex) release() {
	select {
	case m.ch <- struct{}{}:
	default:
		panic("release of unlocked timedMutex")
	}
}
