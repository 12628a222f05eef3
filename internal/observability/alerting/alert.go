package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "TaskForge/internal/errors"
	"TaskForge/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog      Channel = "log"
	ChannelRabbitMQ Channel = "rabbitmq"
)

// Source 标记事件的来源组件。
const (
	SourceMonitor     = "heartbeat_monitor"
	SourceCoordinator = "coordinator"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Severity   xerrors.Severity  `json:"severity"`
	Message    string            `json:"message"`
	Source     string            `json:"source"`
	WorkerID   string            `json:"worker_id,omitempty"`
	TaskID     string            `json:"task_id,omitempty"`
	IdleMs     int64             `json:"idle_ms,omitempty"`
	ElapsedMs  int64             `json:"elapsed_ms,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。单个渠道的失败不会阻止其余渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return xerrors.Wrap(xerrors.CodeAlertDeliveryFailure, errors.Join(errs...), "")
	}
	return nil
}

// LogNotifier 将告警写入结构化日志，是默认渠道。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 按严重程度选择日志级别输出告警。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	log := n.Logger
	if log == nil {
		log = logger.L()
	}
	attrs := []any{
		slog.String("source", event.Source),
		slog.String("worker_id", event.WorkerID),
		slog.String("task_id", event.TaskID),
	}
	if event.IdleMs > 0 {
		attrs = append(attrs, slog.Int64("idle_ms", event.IdleMs))
	}
	if event.ElapsedMs > 0 {
		attrs = append(attrs, slog.Int64("elapsed_ms", event.ElapsedMs))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	switch event.Severity {
	case xerrors.SeverityCritical:
		log.Error(event.Message, attrs...)
	case xerrors.SeverityWarning:
		log.Warn(event.Message, attrs...)
	default:
		log.Info(event.Message, attrs...)
	}
	return nil
}
