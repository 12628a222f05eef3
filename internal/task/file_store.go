package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	xerrors "TaskForge/internal/errors"
)

// FileStore 将队列快照持久化到本地 JSON 文件。每次变更都以
// 先写临时文件再重命名的方式落盘，进程在写入中途崩溃时
// 旧快照保持完好。
type FileStore struct {
	mu    *timedMutex
	state *queueState
	path  string
}

// FileStoreOption 定义可选配置。
type FileStoreOption func(*fileStoreConfig)

type fileStoreConfig struct {
	lockTimeout time.Duration
}

// WithFileLockTimeout 调整独占区的获取超时。
func WithFileLockTimeout(timeout time.Duration) FileStoreOption {
	return func(cfg *fileStoreConfig) {
		cfg.lockTimeout = timeout
	}
}

// NewFileStore 创建 FileStore 并加载既有快照。
// 快照文件无法解析时视为致命错误，存储拒绝初始化。
func NewFileStore(path string, opts ...FileStoreOption) (*FileStore, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "快照文件路径不能为空")
	}
	cfg := fileStoreConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	store := &FileStore{
		mu:    newTimedMutex(cfg.lockTimeout),
		state: newQueueState(),
		path:  path,
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (f *FileStore) load() error {
	content, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取队列快照失败")
	}
	if len(content) == 0 {
		return nil
	}
	var snapshot QueueSnapshot
	if err := json.Unmarshal(content, &snapshot); err != nil {
		return xerrors.Wrap(xerrors.CodeCorruptState, err, "队列快照无法解析",
			xerrors.WithMetadata("path", f.path))
	}
	if err := f.state.restore(snapshot); err != nil {
		return err
	}
	return nil
}

// revert 把内存状态回滚到之前抓取的快照。快照来自内存中的合法
// 状态，restore 在这里不会失败。
func (f *FileStore) revert(snapshot *QueueSnapshot) {
	_ = f.state.restore(*snapshot)
}

// persist 以原子替换的方式写回快照。必须在独占区内调用。
func (f *FileStore) persist() error {
	encoded, err := json.MarshalIndent(f.state.cloneSnapshot(), "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化队列快照失败")
	}
	tmp := fmt.Sprintf("%s.tmp.%d", f.path, os.Getpid())
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入临时快照失败")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换队列快照失败")
	}
	return nil
}

// Add 实现 Store 接口。
func (f *FileStore) Add(ctx context.Context, t *Task) (*Task, error) {
	if err := f.mu.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.mu.release()
	backup := f.state.cloneSnapshot()
	added, err := f.state.add(t)
	if err != nil {
		return nil, err
	}
	if err := f.persist(); err != nil {
		f.revert(backup)
		return nil, err
	}
	return added, nil
}

// Claim 原子地领取第一个待处理任务并立即落盘。落盘失败时回滚
// 内存中的领取，任务保持 pending，调用方可以重试。
func (f *FileStore) Claim(ctx context.Context, workerID string) (*Task, error) {
	if err := f.mu.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.mu.release()
	backup := f.state.cloneSnapshot()
	claimed, err := f.state.claim(workerID)
	if err != nil {
		return nil, err
	}
	if err := f.persist(); err != nil {
		f.revert(backup)
		return nil, err
	}
	return claimed, nil
}

// UpdateStatus 推进任务状态并落盘。
func (f *FileStore) UpdateStatus(ctx context.Context, id string, status Status, opts UpdateOptions) (*Task, error) {
	if err := f.mu.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.mu.release()
	backup := f.state.cloneSnapshot()
	updated, err := f.state.updateStatus(id, status, opts)
	if err != nil {
		return nil, err
	}
	if err := f.persist(); err != nil {
		f.revert(backup)
		return nil, err
	}
	return updated, nil
}

// Get 返回任务。
func (f *FileStore) Get(ctx context.Context, id string) (*Task, error) {
	if err := f.mu.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.mu.release()
	return f.state.get(id)
}

// List 返回符合过滤条件的任务列表。
func (f *FileStore) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if err := f.mu.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.mu.release()
	return f.state.list(buildListOptions(opts)), nil
}

// WorkerStatus 返回指定工作者的聚合状态。
func (f *FileStore) WorkerStatus(ctx context.Context, workerID string) (*WorkerStatus, error) {
	if err := f.mu.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.mu.release()
	return f.state.workerStatus(workerID)
}

// Workers 返回全部工作者状态。
func (f *FileStore) Workers(ctx context.Context) (map[string]*WorkerStatus, error) {
	if err := f.mu.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.mu.release()
	return f.state.allWorkers(), nil
}

// Summary 返回队列整体进度。
func (f *FileStore) Summary(ctx context.Context) (Summary, error) {
	if err := f.mu.acquire(ctx); err != nil {
		return Summary{}, err
	}
	defer f.mu.release()
	return f.state.summary(), nil
}

// Snapshot 返回完整队列视图。
func (f *FileStore) Snapshot(ctx context.Context) (*QueueSnapshot, error) {
	if err := f.mu.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.mu.release()
	return f.state.cloneSnapshot(), nil
}

// MarkDispatchStarted 记录一轮调度的起始时间并落盘。
func (f *FileStore) MarkDispatchStarted(ctx context.Context) error {
	if err := f.mu.acquire(ctx); err != nil {
		return err
	}
	defer f.mu.release()
	backup := f.state.cloneSnapshot()
	f.state.markDispatchStarted()
	if err := f.persist(); err != nil {
		f.revert(backup)
		return err
	}
	return nil
}

// Close 对文件存储无需额外操作，快照在每次变更时已经落盘。
func (f *FileStore) Close() error {
	return nil
}

var _ Store = (*FileStore)(nil)
