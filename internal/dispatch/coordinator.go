package dispatch

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	xerrors "TaskForge/internal/errors"
	"TaskForge/internal/ledger"
	"TaskForge/internal/monitor"
	"TaskForge/internal/observability/alerting"
	"TaskForge/internal/task"
	"TaskForge/pkg/logger"
)

// ExecuteFunc 是调用方提供的执行函数。返回 error 时任务被标记为失败；
// panic 也会被捕获并转换为失败，不会带垮工作者循环。
type ExecuteFunc func(ctx context.Context, workerID string, t *task.Task) (*task.ExecutionResult, error)

// Coordinator 拥有一组固定的工作者身份，驱动它们并发地从共享存储
// 领取任务直到队列耗尽。没有中央派发者：哪个工作者抢到哪个任务
// 是不确定的，唯一的保证是每个任务恰好一个赢家。
type Coordinator struct {
	store     task.Store
	workerIDs []string
	execute   ExecuteFunc

	logger          *slog.Logger
	heartbeat       *monitor.Monitor
	costs           ledger.Ledger
	alerter         alerting.Dispatcher
	claimRetryDelay time.Duration

	mu            sync.Mutex
	dispatchStart time.Time
	dispatchEnd   time.Time
}

// Option 定义可选配置。
type Option func(*Coordinator)

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = log
	}
}

// WithMonitor 接入心跳监控：调度开始时注册工作者身份，
// 每次领取与回写后刷新活动时间戳。
func WithMonitor(m *monitor.Monitor) Option {
	return func(c *Coordinator) {
		c.heartbeat = m
	}
}

// WithLedger 接入成本账本，记账失败不影响调度。
func WithLedger(l ledger.Ledger) Option {
	return func(c *Coordinator) {
		c.costs = l
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(c *Coordinator) {
		c.alerter = dispatcher
	}
}

// WithClaimRetryDelay 设置领取遇到锁超时后的重试间隔。
func WithClaimRetryDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.claimRetryDelay = d
		}
	}
}

// New 构造 Coordinator。
func New(store task.Store, workerIDs []string, execute ExecuteFunc, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储不能为空")
	}
	if len(workerIDs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "至少需要一个工作者身份")
	}
	if execute == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "执行函数不能为空")
	}
	seen := make(map[string]struct{}, len(workerIDs))
	ids := make([]string, 0, len(workerIDs))
	for _, id := range workerIDs {
		if id == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "工作者身份不能为空")
		}
		if _, ok := seen[id]; ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "工作者身份重复",
				xerrors.WithMetadata("worker_id", id))
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	c := &Coordinator{
		store:           store,
		workerIDs:       ids,
		execute:         execute,
		claimRetryDelay: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = logger.Named("dispatch")
	}
	return c, nil
}

// Dispatch 将所有任务入队后并发驱动全部工作者，直到队列耗尽。
// 单个任务的失败只影响它自己；即使全部失败，返回的汇总依然完整，
// 调用方需要检查每个任务的最终状态来区分部分失败与全部失败。
func (c *Coordinator) Dispatch(ctx context.Context, specs []TaskSpec) (*Report, error) {
	if len(specs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务列表不能为空")
	}

	for _, spec := range specs {
		if _, err := c.store.Add(ctx, &task.Task{
			Title:       spec.Title,
			Description: spec.Description,
		}); err != nil {
			return nil, err
		}
	}
	if err := c.store.MarkDispatchStarted(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	c.mu.Lock()
	c.dispatchStart = start
	c.dispatchEnd = time.Time{}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, workerID := range c.workerIDs {
		if c.heartbeat != nil {
			c.heartbeat.Register(workerID, "")
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c.runWorker(ctx, id)
		}(workerID)
	}
	wg.Wait()

	end := time.Now()
	c.mu.Lock()
	c.dispatchEnd = end
	c.mu.Unlock()

	return c.buildReport(ctx, end.Sub(start))
}

// runWorker 是单个工作者的领取-执行循环。
func (c *Coordinator) runWorker(ctx context.Context, workerID string) {
	defer func() {
		if c.heartbeat != nil {
			c.heartbeat.Unregister(workerID)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := c.store.Claim(ctx, workerID)
		if err != nil {
			if stdErrors.Is(err, task.ErrNoTaskAvailable) {
				// 队列耗尽是正常的收尾信号。
				return
			}
			if stdErrors.Is(err, task.ErrLockTimeout) {
				c.logger.Debug("领取任务时锁超时，稍后重试",
					slog.String("worker_id", workerID))
				select {
				case <-ctx.Done():
					return
				case <-time.After(c.claimRetryDelay):
				}
				continue
			}
			if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
				return
			}
			c.logger.Error("领取任务失败",
				slog.Any("error", err),
				slog.String("worker_id", workerID))
			return
		}

		if c.heartbeat != nil {
			c.heartbeat.SetTask(workerID, claimed.ID)
			c.heartbeat.UpdateActivity(workerID)
		}

		result, execErr := c.safeExecute(ctx, workerID, claimed)
		if execErr != nil {
			c.recordFailure(ctx, workerID, claimed, result, execErr)
		} else {
			c.recordCompletion(ctx, workerID, claimed, result)
		}

		if c.heartbeat != nil {
			c.heartbeat.UpdateActivity(workerID)
		}
	}
}

// safeExecute 调用执行函数并把 panic 转换为普通错误。
func (c *Coordinator) safeExecute(ctx context.Context, workerID string, t *task.Task) (result *task.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("执行函数 panic",
				slog.Any("panic", r),
				slog.String("worker_id", workerID),
				slog.String("task_id", t.ID),
				slog.String("stack", string(debug.Stack())))
			result = nil
			err = xerrors.New(xerrors.CodeExecutionFailure,
				fmt.Sprintf("执行函数 panic: %v", r))
		}
	}()
	return c.execute(ctx, workerID, t)
}

func (c *Coordinator) recordCompletion(ctx context.Context, workerID string, t *task.Task, result *task.ExecutionResult) {
	var output string
	var cost float64
	if result != nil {
		output = result.Output
		cost = result.Cost
	}
	if _, err := c.store.UpdateStatus(ctx, t.ID, task.StatusComplete, task.UpdateOptions{
		Result: output,
		Cost:   cost,
	}); err != nil {
		c.logger.Error("回写完成状态失败",
			slog.Any("error", err),
			slog.String("worker_id", workerID),
			slog.String("task_id", t.ID))
		return
	}
	if c.costs != nil && cost > 0 {
		if err := c.costs.Record(ctx, workerID, t.ID, cost); err != nil {
			c.logger.Warn("成本记账失败",
				slog.Any("error", err),
				slog.String("worker_id", workerID),
				slog.String("task_id", t.ID))
		}
	}
	logger.Audit().Info("任务执行完成",
		slog.String("worker_id", workerID),
		slog.String("task_id", t.ID),
		slog.String("title", t.Title),
		slog.Float64("cost", cost),
	)
}

func (c *Coordinator) recordFailure(ctx context.Context, workerID string, t *task.Task, result *task.ExecutionResult, execErr error) {
	// 失败任务的成本只有执行函数显式返回时才记账。
	var cost float64
	if result != nil {
		cost = result.Cost
	}
	if _, err := c.store.UpdateStatus(ctx, t.ID, task.StatusFailed, task.UpdateOptions{
		Error: execErr.Error(),
		Cost:  cost,
	}); err != nil {
		c.logger.Error("回写失败状态失败",
			slog.Any("error", err),
			slog.String("worker_id", workerID),
			slog.String("task_id", t.ID))
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("worker_id", workerID),
		slog.String("task_id", t.ID),
		slog.String("title", t.Title),
		slog.String("error", execErr.Error()),
	)
	if c.alerter != nil {
		event := alerting.Event{
			Severity:   xerrors.SeverityOf(execErr),
			Message:    execErr.Error(),
			Source:     alerting.SourceCoordinator,
			WorkerID:   workerID,
			TaskID:     t.ID,
			OccurredAt: time.Now(),
		}
		if err := c.alerter.Notify(ctx, event); err != nil {
			c.logger.Error("告警通知失败",
				slog.Any("error", err),
				slog.String("worker_id", workerID),
				slog.String("task_id", t.ID))
		}
	}
}

// buildReport 汇总一轮调度。串行基线是推算值（墙钟耗时 × 工作者数），
// 用于廉价的加速比估计，不是实测的串行运行。
func (c *Coordinator) buildReport(ctx context.Context, elapsed time.Duration) (*Report, error) {
	completed, err := c.store.List(ctx, task.WithStatuses(task.StatusComplete))
	if err != nil {
		return nil, err
	}
	summary, err := c.store.Summary(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Completions: make([]Completion, 0, len(completed)),
		FailedTasks: summary.Failed,
		TotalCost:   summary.TotalCost,
	}
	for _, t := range completed {
		report.Completions = append(report.Completions, Completion{
			WorkerID: t.AssignedWorker,
			Task:     t,
			Result:   t.Result,
		})
	}

	elapsedMs := elapsed.Milliseconds()
	if elapsedMs < 1 {
		elapsedMs = 1
	}
	report.ParallelElapsedMs = elapsedMs
	report.SequentialBaselineMs = elapsedMs * int64(len(c.workerIDs))
	report.ParallelizationGain = float64(report.SequentialBaselineMs) / float64(elapsedMs)
	return report, nil
}

// PoolStatus 返回工作池的即时视图，可以在调度运行期间调用。
func (c *Coordinator) PoolStatus(ctx context.Context) (*PoolStatus, error) {
	workers, err := c.store.Workers(ctx)
	if err != nil {
		return nil, err
	}
	summary, err := c.store.Summary(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	start := c.dispatchStart
	end := c.dispatchEnd
	c.mu.Unlock()

	status := &PoolStatus{
		Workers:     workers,
		AllTerminal: summary.AllTerminal,
		TotalCost:   summary.TotalCost,
	}
	if !start.IsZero() {
		elapsed := time.Since(start)
		if !end.IsZero() {
			elapsed = end.Sub(start)
		}
		elapsedMs := elapsed.Milliseconds()
		if elapsedMs < 1 {
			elapsedMs = 1
		}
		status.ParallelizationGain = float64(elapsedMs*int64(len(c.workerIDs))) / float64(elapsedMs)
	}
	return status, nil
}

// Workers 返回调度器拥有的工作者身份。
func (c *Coordinator) Workers() []string {
	ids := make([]string, len(c.workerIDs))
	copy(ids, c.workerIDs)
	return ids
}
