package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "TaskForge/internal/errors"
	"TaskForge/internal/observability/alerting"
	"TaskForge/pkg/logger"
)

// WorkerState 表示被跟踪工作者的活动状态。
type WorkerState string

const (
	StateRunning WorkerState = "running"
	StateIdle    WorkerState = "idle"
)

// InFlightWorker 是监控器对单个工作者的视图。
type InFlightWorker struct {
	ID             string      `json:"id"`
	TaskID         string      `json:"task_id,omitempty"`
	State          WorkerState `json:"state"`
	LastActivityAt time.Time   `json:"last_activity_at"`
	warned         bool
}

// Monitor 在固定间隔上扫描所有被跟踪的工作者，根据活动时间戳
// 判定 Stale 与 Timeout。它与任务存储没有耦合，只做簿记：
// 超时工作者被移出跟踪集合，正在执行的工作不会被打断，
// 重试或重新入队由调用方决定。
type Monitor struct {
	mu      sync.Mutex
	workers map[string]*InFlightWorker

	staleThreshold   time.Duration
	timeoutThreshold time.Duration
	interval         time.Duration
	repeatWarnings   bool

	alerter alerting.Dispatcher
	logger  *slog.Logger
	now     func() time.Time
}

// Option 定义可选配置。
type Option func(*Monitor)

// WithStaleThreshold 设置软阈值，超过后发出警告。
func WithStaleThreshold(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.staleThreshold = d
		}
	}
}

// WithTimeoutThreshold 设置硬阈值，超过后移除工作者并发出高级别告警。
func WithTimeoutThreshold(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeoutThreshold = d
		}
	}
}

// WithScanInterval 设置扫描周期。
func WithScanInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithRepeatWarnings 让同一次停滞在每个扫描周期都重复告警，
// 默认每次停滞只告警一次。
func WithRepeatWarnings(repeat bool) Option {
	return func(m *Monitor) {
		m.repeatWarnings = repeat
	}
}

// WithMonitorLogger 指定日志输出。
func WithMonitorLogger(log *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = log
	}
}

// New 构造 Monitor。
func New(alerter alerting.Dispatcher, opts ...Option) *Monitor {
	m := &Monitor{
		workers:          make(map[string]*InFlightWorker),
		staleThreshold:   2 * time.Minute,
		timeoutThreshold: 10 * time.Minute,
		interval:         30 * time.Second,
		alerter:          alerter,
		now:              time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = logger.Named("monitor")
	}
	return m
}

// Register 开始跟踪一个工作者。taskID 可以为空。
func (m *Monitor) Register(id, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[id] = &InFlightWorker{
		ID:             id,
		TaskID:         taskID,
		State:          StateRunning,
		LastActivityAt: m.now(),
	}
}

// Unregister 停止跟踪一个工作者。
func (m *Monitor) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, id)
}

// UpdateActivity 刷新活动时间戳并清除停滞标记，
// 下一次停滞会重新触发告警。
func (m *Monitor) UpdateActivity(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	worker, ok := m.workers[id]
	if !ok {
		return
	}
	worker.LastActivityAt = m.now()
	worker.State = StateRunning
	worker.warned = false
}

// SetTask 更新工作者当前执行的任务。
func (m *Monitor) SetTask(id, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if worker, ok := m.workers[id]; ok {
		worker.TaskID = taskID
	}
}

// MarkIdle 将工作者标记为主动空闲。空闲是正常暂停，不触发停滞警告，
// 但硬超时仍然适用。
func (m *Monitor) MarkIdle(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	worker, ok := m.workers[id]
	if !ok {
		return
	}
	worker.State = StateIdle
	worker.TaskID = ""
	worker.LastActivityAt = m.now()
	worker.warned = false
}

// InFlight 返回当前被跟踪的工作者，按 ID 排序。
func (m *Monitor) InFlight() []InFlightWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]InFlightWorker, 0, len(m.workers))
	for _, worker := range m.workers {
		results = append(results, *worker)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// Start 启动周期扫描，直到上下文取消。
func (m *Monitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

// scan 执行一轮扫描。同一轮里超时优先于停滞：跨过两个阈值的
// 工作者只产生一条 Timeout 告警。
func (m *Monitor) scan(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	type verdict struct {
		worker  InFlightWorker
		idle    time.Duration
		timeout bool
	}
	verdicts := make([]verdict, 0, len(m.workers))
	for _, worker := range m.workers {
		idle := now.Sub(worker.LastActivityAt)
		if idle >= m.timeoutThreshold {
			verdicts = append(verdicts, verdict{worker: *worker, idle: idle, timeout: true})
			delete(m.workers, worker.ID)
			continue
		}
		if idle >= m.staleThreshold && worker.State != StateIdle {
			if worker.warned && !m.repeatWarnings {
				continue
			}
			worker.warned = true
			verdicts = append(verdicts, verdict{worker: *worker, idle: idle})
		}
	}
	m.mu.Unlock()

	// 告警在锁外发出；单个工作者的告警异常不会中断本轮扫描。
	for _, v := range verdicts {
		if v.timeout {
			m.emit(ctx, alerting.Event{
				Severity: xerrors.SeverityCritical,
				Message: fmt.Sprintf("工作者 %s 超过 %s 无响应，已移出跟踪集合",
					v.worker.ID, m.timeoutThreshold),
				Source:     alerting.SourceMonitor,
				WorkerID:   v.worker.ID,
				TaskID:     v.worker.TaskID,
				IdleMs:     v.idle.Milliseconds(),
				OccurredAt: now,
			})
			continue
		}
		m.emit(ctx, alerting.Event{
			Severity: xerrors.SeverityWarning,
			Message: fmt.Sprintf("工作者 %s 已有 %s 没有活动",
				v.worker.ID, v.idle.Round(time.Millisecond)),
			Source:     alerting.SourceMonitor,
			WorkerID:   v.worker.ID,
			TaskID:     v.worker.TaskID,
			IdleMs:     v.idle.Milliseconds(),
			OccurredAt: now,
		})
	}
}

func (m *Monitor) emit(ctx context.Context, event alerting.Event) {
	if m.alerter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("告警通知器 panic",
				slog.Any("panic", r),
				slog.String("worker_id", event.WorkerID))
		}
	}()
	if err := m.alerter.Notify(ctx, event); err != nil {
		m.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("worker_id", event.WorkerID),
			slog.String("task_id", event.TaskID))
	}
}
