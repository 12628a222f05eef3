package task

import (
	"time"

	xerrors "TaskForge/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// WorkerState 表示工作者在当前调度轮次中的状态。
type WorkerState string

const (
	WorkerIdle     WorkerState = "idle"
	WorkerWorking  WorkerState = "working"
	WorkerComplete WorkerState = "complete"
	WorkerFailed   WorkerState = "failed"
)

// ExecutionResult 保存一次任务执行的产出与成本。
type ExecutionResult struct {
	Output string  `json:"output"`
	Cost   float64 `json:"cost"`
}

// Task 描述了排队等待分发的工作单元。
type Task struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	Status         Status  `json:"status"`
	AssignedWorker string  `json:"assigned_worker,omitempty"`
	Result         string  `json:"result,omitempty"`
	Error          string  `json:"error,omitempty"`
	Cost           float64 `json:"cost"`
	Seq            int     `json:"seq"`
	CreatedAt      int64   `json:"created_at"`
	StartedAt      int64   `json:"started_at,omitempty"`
	CompletedAt    int64   `json:"completed_at,omitempty"`
}

// WorkerStatus 记录单个工作者的聚合状态。其 State 只会由
// Claim/UpdateStatus 推导，不接受外部直接写入。
type WorkerStatus struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	State          WorkerState `json:"state"`
	CurrentTaskID  string      `json:"current_task_id,omitempty"`
	TasksCompleted int         `json:"tasks_completed"`
	TotalCost      float64     `json:"total_cost"`
	Error          string      `json:"error,omitempty"`
}

// QueueSnapshot 是存储在持久化后端的完整队列视图。
type QueueSnapshot struct {
	Tasks             []*Task                  `json:"tasks"`
	Workers           map[string]*WorkerStatus `json:"workers"`
	CreatedAt         int64                    `json:"created_at"`
	UpdatedAt         int64                    `json:"updated_at"`
	TotalCost         float64                  `json:"total_cost"`
	DispatchStartedAt int64                    `json:"dispatch_started_at,omitempty"`
}

// Summary 聚合了队列的整体进度，常用于调度状态查询。
type Summary struct {
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	InProgress  int     `json:"in_progress"`
	Complete    int     `json:"complete"`
	Failed      int     `json:"failed"`
	TotalCost   float64 `json:"total_cost"`
	AllTerminal bool    `json:"all_terminal"`
}

// UpdateOptions 携带 UpdateStatus 的可选字段。
type UpdateOptions struct {
	Result string
	Error  string
	Cost   float64
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(xerrors.CodeTaskNotFound, "task not found")
	// ErrNoTaskAvailable 表示队列中没有可领取的任务。这是空队列的正常信号，不是故障。
	ErrNoTaskAvailable = xerrors.New(xerrors.CodeNoTaskAvailable, "no pending task available")
	// ErrStatusConflict 表示请求的状态迁移不被允许（终态不可回退）。
	ErrStatusConflict = xerrors.New(xerrors.CodeStatusConflict, "illegal task status transition")
	// ErrLockTimeout 表示未能在限定时间内获得存储的独占区。调用方可以重试。
	ErrLockTimeout = xerrors.New(xerrors.CodeLockTimeout, "store lock acquisition timed out")
)

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusInProgress, StatusComplete, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// canTransition 约束状态只能向前推进：
// pending → in_progress → {complete | failed}。
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusComplete || to == StatusFailed
	default:
		return false
	}
}

func cloneTask(t *Task) *Task {
	clone := *t
	return &clone
}

func cloneWorker(w *WorkerStatus) *WorkerStatus {
	clone := *w
	return &clone
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
