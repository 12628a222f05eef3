package dispatch

import "TaskForge/internal/task"

// TaskSpec 是提交给调度器的任务描述。
type TaskSpec struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
}

// Completion 记录一次无错误完成的任务执行。
type Completion struct {
	WorkerID string     `json:"worker_id"`
	Task     *task.Task `json:"task"`
	Result   string     `json:"result"`
}

// Report 是一轮完整调度的汇总。失败的任务不出现在 Completions 里，
// 但仍可从存储中查询。
type Report struct {
	Completions          []Completion `json:"completions"`
	FailedTasks          int          `json:"failed_tasks"`
	TotalCost            float64      `json:"total_cost"`
	ParallelElapsedMs    int64        `json:"parallel_elapsed_ms"`
	SequentialBaselineMs int64        `json:"sequential_baseline_ms"`
	ParallelizationGain  float64      `json:"parallelization_gain"`
}

// PoolStatus 是工作池的即时视图，调度进行中也可以查询。
type PoolStatus struct {
	Workers             map[string]*task.WorkerStatus `json:"workers"`
	AllTerminal         bool                          `json:"all_terminal"`
	TotalCost           float64                       `json:"total_cost"`
	ParallelizationGain float64                       `json:"parallelization_gain"`
}
