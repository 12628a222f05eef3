package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"TaskForge/internal/config"
	"TaskForge/internal/dispatch"
	"TaskForge/internal/executor"
	"TaskForge/internal/ledger"
	"TaskForge/internal/monitor"
	"TaskForge/internal/observability/alerting"
	"TaskForge/internal/task"
	"TaskForge/pkg/logger"
)

// main 是 TaskForge 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("taskforged 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("TASKFORGE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "taskforge.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit:       cfg.Logging.Audit,
	}); err != nil {
		return err
	}
	defer logger.Sync()

	manifestPath := os.Getenv("TASKFORGE_MANIFEST")
	if len(os.Args) > 1 {
		manifestPath = os.Args[1]
	}
	if manifestPath == "" {
		manifestPath = filepath.Join("configs", "tasks.yaml")
	}

	manifest, err := config.LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	store, err := createStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.L().Warn("关闭任务存储失败", "error", err)
		}
	}()

	alerter, closeNotifiers, err := createAlerter(cfg)
	if err != nil {
		return err
	}
	defer closeNotifiers()

	costLedger, err := createLedger(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := costLedger.Close(); err != nil {
			logger.L().Warn("关闭成本账本失败", "error", err)
		}
	}()

	heartbeat := monitor.New(alerter,
		monitor.WithStaleThreshold(cfg.StaleThreshold()),
		monitor.WithTimeoutThreshold(cfg.TimeoutThreshold()),
		monitor.WithScanInterval(cfg.ScanInterval()),
		monitor.WithRepeatWarnings(cfg.Monitor.RepeatWarnings),
	)

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go func() {
		if err := heartbeat.Start(monitorCtx); err != nil && err != context.Canceled {
			logger.L().Error("心跳监控异常退出", "error", err)
		}
	}()

	workerIDs := make([]string, cfg.Pool.Workers)
	for i := range workerIDs {
		workerIDs[i] = fmt.Sprintf("worker-%d", i+1)
	}

	shell := executor.NewShell(cfg.Executor.Shell, cfg.ExecutorTimeout(), cfg.Executor.CostPerSecond)

	coordinator, err := dispatch.New(store, workerIDs, shell.Execute,
		dispatch.WithMonitor(heartbeat),
		dispatch.WithLedger(costLedger),
		dispatch.WithAlertDispatcher(alerter),
		dispatch.WithClaimRetryDelay(cfg.ClaimRetryDelay()),
	)
	if err != nil {
		return err
	}

	specs := make([]dispatch.TaskSpec, 0, len(manifest.Tasks))
	for _, entry := range manifest.Tasks {
		specs = append(specs, dispatch.TaskSpec{
			Title:       entry.Title,
			Description: entry.Description,
		})
	}

	report, err := coordinator.Dispatch(ctx, specs)
	if err != nil {
		return err
	}

	printReport(report)
	return nil
}

// createStore 按配置选择任务存储后端。
func createStore(cfg *config.Config) (task.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return task.NewMemoryStore(task.WithLockTimeout(cfg.StoreLockTimeout())), nil
	case "file":
		return task.NewFileStore(cfg.Store.Path, task.WithFileLockTimeout(cfg.StoreLockTimeout()))
	case "mysql":
		return task.NewMySQLStore(cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Store.Driver)
	}
}

// createAlerter 组装告警渠道。日志渠道始终开启，RabbitMQ 按配置追加。
func createAlerter(cfg *config.Config) (alerting.Dispatcher, func(), error) {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerting")}}
	closeFn := func() {}

	if cfg.Alerting.RabbitMQ.URL != "" {
		mq, err := alerting.NewRabbitMQNotifier(alerting.RabbitMQConfig{
			URL:        cfg.Alerting.RabbitMQ.URL,
			Queue:      cfg.Alerting.RabbitMQ.Queue,
			Durable:    cfg.Alerting.RabbitMQ.Durable,
			AutoDelete: cfg.Alerting.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, mq)
		closeFn = func() {
			if err := mq.Close(); err != nil {
				logger.L().Warn("关闭 RabbitMQ 告警通道失败", "error", err)
			}
		}
	}

	return alerting.NewFanout(notifiers...), closeFn, nil
}

// createLedger 按配置选择成本账本后端。
func createLedger(cfg *config.Config) (ledger.Ledger, error) {
	switch cfg.Ledger.Driver {
	case "", "memory":
		return ledger.NewMemoryLedger(), nil
	case "redis":
		return ledger.NewRedisLedger(ledger.RedisLedgerConfig{
			Address:   cfg.Ledger.Redis.Address,
			Password:  cfg.Ledger.Redis.Password,
			DB:        cfg.Ledger.Redis.DB,
			KeyPrefix: cfg.Ledger.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
}

// printReport 把分发结果汇总输出到标准输出。
func printReport(report *dispatch.Report) {
	fmt.Printf("完成任务: %d, 失败任务: %d\n", len(report.Completions), report.FailedTasks)
	fmt.Printf("总成本: %.4f\n", report.TotalCost)
	fmt.Printf("并行耗时: %dms, 串行基准: %dms, 加速比: %.2f\n",
		report.ParallelElapsedMs, report.SequentialBaselineMs, report.ParallelizationGain)

	for _, completion := range report.Completions {
		fmt.Printf("  [完成] %s (%s) 由 %s 执行\n",
			completion.Task.Title, completion.Task.ID, completion.WorkerID)
	}
}
