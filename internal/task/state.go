package task

import (
	"strings"

	"github.com/google/uuid"

	xerrors "TaskForge/internal/errors"
)

// queueState 是内存态的队列核心，MemoryStore 与 FileStore 共用。
// 它本身不做并发保护，调用方必须先进入各自的独占区。
type queueState struct {
	tasks    []*Task
	index    map[string]*Task
	workers  map[string]*WorkerStatus
	snapshot QueueSnapshot
	nextSeq  int
}

func newQueueState() *queueState {
	now := nowUnixMilli()
	return &queueState{
		index:   make(map[string]*Task),
		workers: make(map[string]*WorkerStatus),
		snapshot: QueueSnapshot{
			CreatedAt: now,
			UpdatedAt: now,
		},
		nextSeq: 1,
	}
}

func (s *queueState) add(t *Task) (*Task, error) {
	if t == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(t.Title) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务标题不能为空")
	}
	id := strings.TrimSpace(t.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := s.index[id]; ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 已存在",
			xerrors.WithMetadata("task_id", id))
	}
	now := nowUnixMilli()
	stored := &Task{
		ID:          id,
		Title:       t.Title,
		Description: t.Description,
		Status:      StatusPending,
		Seq:         s.nextSeq,
		CreatedAt:   now,
	}
	s.nextSeq++
	s.tasks = append(s.tasks, stored)
	s.index[id] = stored
	s.snapshot.UpdatedAt = now
	return cloneTask(stored), nil
}

// claim 按插入顺序找到第一个 pending 任务并迁移到 in_progress。
// 找不到时返回 ErrNoTaskAvailable，这不是错误路径。
func (s *queueState) claim(workerID string) (*Task, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "worker ID 不能为空")
	}
	for _, t := range s.tasks {
		if t.Status != StatusPending {
			continue
		}
		now := nowUnixMilli()
		t.Status = StatusInProgress
		t.AssignedWorker = workerID
		t.StartedAt = now

		worker := s.ensureWorker(workerID)
		worker.State = WorkerWorking
		worker.CurrentTaskID = t.ID
		worker.Error = ""

		s.snapshot.UpdatedAt = now
		return cloneTask(t), nil
	}
	return nil, ErrNoTaskAvailable
}

func (s *queueState) updateStatus(id string, status Status, opts UpdateOptions) (*Task, error) {
	if !IsValidStatus(status) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的任务状态",
			xerrors.WithMetadata("status", string(status)))
	}
	t, ok := s.index[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if !canTransition(t.Status, status) {
		return nil, xerrors.Wrap(xerrors.CodeStatusConflict, ErrStatusConflict,
			"任务状态不可回退",
			xerrors.WithMetadata("task_id", id),
			xerrors.WithMetadata("from", string(t.Status)),
			xerrors.WithMetadata("to", string(status)))
	}

	now := nowUnixMilli()
	t.Status = status
	s.snapshot.UpdatedAt = now

	switch status {
	case StatusComplete:
		t.Result = opts.Result
		t.Error = ""
		t.Cost = opts.Cost
		t.CompletedAt = now
		if worker := s.workerFor(t); worker != nil {
			worker.State = WorkerComplete
			worker.CurrentTaskID = ""
			worker.TasksCompleted++
			worker.TotalCost += opts.Cost
		}
		s.snapshot.TotalCost += opts.Cost
	case StatusFailed:
		t.Error = opts.Error
		t.Result = opts.Result
		t.Cost = opts.Cost
		t.CompletedAt = now
		if worker := s.workerFor(t); worker != nil {
			worker.State = WorkerFailed
			worker.CurrentTaskID = ""
			worker.Error = opts.Error
			worker.TotalCost += opts.Cost
		}
		// 失败任务的成本只有显式提供时才会进入总账。
		s.snapshot.TotalCost += opts.Cost
	}
	return cloneTask(t), nil
}

func (s *queueState) get(id string) (*Task, error) {
	t, ok := s.index[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (s *queueState) list(opts ListOptions) []*Task {
	opts.applyDefaults()
	results := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !matchesListFilters(t, opts) {
			continue
		}
		results = append(results, cloneTask(t))
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}
	return results
}

func (s *queueState) workerStatus(workerID string) (*WorkerStatus, error) {
	worker, ok := s.workers[workerID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeTaskNotFound, "未知的工作者",
			xerrors.WithMetadata("worker_id", workerID))
	}
	return cloneWorker(worker), nil
}

func (s *queueState) allWorkers() map[string]*WorkerStatus {
	results := make(map[string]*WorkerStatus, len(s.workers))
	for id, worker := range s.workers {
		results[id] = cloneWorker(worker)
	}
	return results
}

func (s *queueState) summary() Summary {
	sum := Summary{TotalCost: s.snapshot.TotalCost}
	for _, t := range s.tasks {
		sum.Total++
		switch t.Status {
		case StatusPending:
			sum.Pending++
		case StatusInProgress:
			sum.InProgress++
		case StatusComplete:
			sum.Complete++
		case StatusFailed:
			sum.Failed++
		}
	}
	sum.AllTerminal = sum.Pending == 0 && sum.InProgress == 0
	return sum
}

func (s *queueState) cloneSnapshot() *QueueSnapshot {
	clone := s.snapshot
	clone.Tasks = make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		clone.Tasks = append(clone.Tasks, cloneTask(t))
	}
	clone.Workers = s.allWorkers()
	return &clone
}

func (s *queueState) markDispatchStarted() {
	now := nowUnixMilli()
	s.snapshot.DispatchStartedAt = now
	s.snapshot.UpdatedAt = now
}

// restore 从持久化快照重建内存索引。任何结构性缺陷都视为致命。
func (s *queueState) restore(snapshot QueueSnapshot) error {
	s.tasks = nil
	s.index = make(map[string]*Task)
	s.workers = make(map[string]*WorkerStatus)
	maxSeq := 0
	for _, t := range snapshot.Tasks {
		if t == nil || t.ID == "" {
			return xerrors.New(xerrors.CodeCorruptState, "快照中存在缺失 ID 的任务")
		}
		if !IsValidStatus(t.Status) {
			return xerrors.New(xerrors.CodeCorruptState, "快照中存在非法任务状态",
				xerrors.WithMetadata("task_id", t.ID),
				xerrors.WithMetadata("status", string(t.Status)))
		}
		if _, ok := s.index[t.ID]; ok {
			return xerrors.New(xerrors.CodeCorruptState, "快照中存在重复任务 ID",
				xerrors.WithMetadata("task_id", t.ID))
		}
		stored := cloneTask(t)
		s.tasks = append(s.tasks, stored)
		s.index[t.ID] = stored
		if stored.Seq > maxSeq {
			maxSeq = stored.Seq
		}
	}
	for id, worker := range snapshot.Workers {
		if worker == nil {
			return xerrors.New(xerrors.CodeCorruptState, "快照中存在空的工作者记录",
				xerrors.WithMetadata("worker_id", id))
		}
		s.workers[id] = cloneWorker(worker)
	}
	s.snapshot = snapshot
	s.snapshot.Tasks = nil
	s.snapshot.Workers = nil
	s.nextSeq = maxSeq + 1
	return nil
}

func (s *queueState) ensureWorker(workerID string) *WorkerStatus {
	worker, ok := s.workers[workerID]
	if !ok {
		worker = &WorkerStatus{
			ID:    workerID,
			Name:  workerID,
			State: WorkerIdle,
		}
		s.workers[workerID] = worker
	}
	return worker
}

func (s *queueState) workerFor(t *Task) *WorkerStatus {
	if t.AssignedWorker == "" {
		return nil
	}
	return s.ensureWorker(t.AssignedWorker)
}
