package task

import "context"

// Store 抽象了任务队列状态的持久化接口。所有读改写序列都必须
// 经过实现内部的互斥约束，Claim 是其中唯一要求原子扫描加迁移的操作。
type Store interface {
	// Add 追加一个新任务。ID 为空时自动生成。
	Add(ctx context.Context, t *Task) (*Task, error)
	// Claim 按插入顺序领取第一个待处理任务；队列为空时返回 ErrNoTaskAvailable。
	Claim(ctx context.Context, workerID string) (*Task, error)
	// UpdateStatus 推进任务状态并同步工作者聚合。未知任务返回 ErrTaskNotFound。
	UpdateStatus(ctx context.Context, id string, status Status, opts UpdateOptions) (*Task, error)
	// Get 返回指定任务。
	Get(ctx context.Context, id string) (*Task, error)
	// List 返回符合过滤条件的任务，保持插入顺序。
	List(ctx context.Context, opts ...ListOption) ([]*Task, error)
	// WorkerStatus 返回指定工作者的聚合状态。
	WorkerStatus(ctx context.Context, workerID string) (*WorkerStatus, error)
	// Workers 返回全部工作者状态。
	Workers(ctx context.Context) (map[string]*WorkerStatus, error)
	// Summary 返回队列整体进度。
	Summary(ctx context.Context) (Summary, error)
	// Snapshot 返回完整队列视图的深拷贝。
	Snapshot(ctx context.Context) (*QueueSnapshot, error)
	// MarkDispatchStarted 记录一轮调度的起始时间。
	MarkDispatchStarted(ctx context.Context) error
	Close() error
}
