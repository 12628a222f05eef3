package ledger

import (
	"context"
	"sync"
)

// Ledger 接收按任务粒度的成本增量，供外部计费系统消费。
// 记账失败不致命，由调用方记录日志后继续。
type Ledger interface {
	// Record 上报一次成本增量。
	Record(ctx context.Context, workerID, taskID string, cost float64) error
	Close() error
}

// MemoryLedger 在内存中累计成本，主要用于测试与默认配置。
type MemoryLedger struct {
	mu      sync.Mutex
	total   float64
	byTask  map[string]float64
	byOwner map[string]float64
}

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byTask:  make(map[string]float64),
		byOwner: make(map[string]float64),
	}
}

// Record 实现 Ledger 接口。
func (l *MemoryLedger) Record(_ context.Context, workerID, taskID string, cost float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total += cost
	l.byTask[taskID] += cost
	l.byOwner[workerID] += cost
	return nil
}

// Total 返回累计成本。
func (l *MemoryLedger) Total() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// WorkerTotal 返回指定工作者的累计成本。
func (l *MemoryLedger) WorkerTotal(workerID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byOwner[workerID]
}

// Close 对内存账本无需操作。
func (l *MemoryLedger) Close() error {
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
