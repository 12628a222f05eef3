package task

import (
	"context"
	"time"
)

// MemoryStore 以内存方式保存队列状态，是默认驱动，也供测试使用。
type MemoryStore struct {
	mu    *timedMutex
	state *queueState
}

// MemoryStoreOption 定义可选配置。
type MemoryStoreOption func(*memoryStoreConfig)

type memoryStoreConfig struct {
	lockTimeout time.Duration
}

// WithLockTimeout 调整独占区的获取超时。
func WithLockTimeout(timeout time.Duration) MemoryStoreOption {
	return func(cfg *memoryStoreConfig) {
		cfg.lockTimeout = timeout
	}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	cfg := memoryStoreConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &MemoryStore{
		mu:    newTimedMutex(cfg.lockTimeout),
		state: newQueueState(),
	}
}

// Add 实现 Store 接口。
func (m *MemoryStore) Add(ctx context.Context, t *Task) (*Task, error) {
	if err := m.mu.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.mu.release()
	return m.state.add(t)
}

// Claim 原子地领取第一个待处理任务。
func (m *MemoryStore) Claim(ctx context.Context, workerID string) (*Task, error) {
	if err := m.mu.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.mu.release()
	return m.state.claim(workerID)
}

// UpdateStatus 推进任务状态。
func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, opts UpdateOptions) (*Task, error) {
	if err := m.mu.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.mu.release()
	return m.state.updateStatus(id, status, opts)
}

// Get 返回任务。
func (m *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	if err := m.mu.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.mu.release()
	return m.state.get(id)
}

// List 返回符合过滤条件的任务列表，保持插入顺序。
func (m *MemoryStore) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if err := m.mu.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.mu.release()
	return m.state.list(buildListOptions(opts)), nil
}

// WorkerStatus 返回指定工作者的聚合状态。
func (m *MemoryStore) WorkerStatus(ctx context.Context, workerID string) (*WorkerStatus, error) {
	if err := m.mu.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.mu.release()
	return m.state.workerStatus(workerID)
}

// Workers 返回全部工作者状态。
func (m *MemoryStore) Workers(ctx context.Context) (map[string]*WorkerStatus, error) {
	if err := m.mu.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.mu.release()
	return m.state.allWorkers(), nil
}

// Summary 返回队列整体进度。
func (m *MemoryStore) Summary(ctx context.Context) (Summary, error) {
	if err := m.mu.acquire(ctx); err != nil {
		return Summary{}, err
	}
	defer m.mu.release()
	return m.state.summary(), nil
}

// Snapshot 返回完整队列视图。
func (m *MemoryStore) Snapshot(ctx context.Context) (*QueueSnapshot, error) {
	if err := m.mu.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.mu.release()
	return m.state.cloneSnapshot(), nil
}

// MarkDispatchStarted 记录一轮调度的起始时间。
func (m *MemoryStore) MarkDispatchStarted(ctx context.Context) error {
	if err := m.mu.acquire(ctx); err != nil {
		return err
	}
	defer m.mu.release()
	m.state.markDispatchStarted()
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
