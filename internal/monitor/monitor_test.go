package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	xerrors "TaskForge/internal/errors"
	"TaskForge/internal/observability/alerting"
)

// fakeClock 让测试可以精确推进监控器看到的时间。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type capturingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *capturingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *capturingDispatcher) Events() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alerting.Event(nil), d.events...)
}

func newTestMonitor(alerter alerting.Dispatcher, opts ...Option) (*Monitor, *fakeClock) {
	clock := newFakeClock()
	m := New(alerter, opts...)
	m.now = clock.Now
	return m, clock
}

func TestScanWarnsOnceForStaleWorker(t *testing.T) {
	alerts := &capturingDispatcher{}
	m, clock := newTestMonitor(alerts,
		WithStaleThreshold(2*time.Minute),
		WithTimeoutThreshold(10*time.Minute),
	)
	ctx := context.Background()

	m.Register("worker-1", "task-1")
	clock.Advance(3 * time.Minute)

	m.scan(ctx)
	m.scan(ctx)

	events := alerts.Events()
	if len(events) != 1 {
		t.Fatalf("expected exactly one warning, got %d", len(events))
	}
	event := events[0]
	if event.Severity != xerrors.SeverityWarning {
		t.Fatalf("expected warning severity, got %s", event.Severity)
	}
	if event.WorkerID != "worker-1" || event.TaskID != "task-1" {
		t.Fatalf("unexpected event targets: %+v", event)
	}
	if event.IdleMs < (2 * time.Minute).Milliseconds() {
		t.Fatalf("expected idle duration above threshold, got %dms", event.IdleMs)
	}
	if event.Source != alerting.SourceMonitor {
		t.Fatalf("unexpected source: %s", event.Source)
	}
}

func TestScanRepeatsWarningsWhenConfigured(t *testing.T) {
	alerts := &capturingDispatcher{}
	m, clock := newTestMonitor(alerts,
		WithStaleThreshold(time.Minute),
		WithTimeoutThreshold(time.Hour),
		WithRepeatWarnings(true),
	)
	ctx := context.Background()

	m.Register("worker-1", "")
	clock.Advance(2 * time.Minute)

	m.scan(ctx)
	m.scan(ctx)
	m.scan(ctx)

	if got := len(alerts.Events()); got != 3 {
		t.Fatalf("expected warning per scan, got %d", got)
	}
}

func TestUpdateActivityResetsStaleEpisode(t *testing.T) {
	alerts := &capturingDispatcher{}
	m, clock := newTestMonitor(alerts,
		WithStaleThreshold(time.Minute),
		WithTimeoutThreshold(time.Hour),
	)
	ctx := context.Background()

	m.Register("worker-1", "")
	clock.Advance(2 * time.Minute)
	m.scan(ctx)

	m.UpdateActivity("worker-1")
	m.scan(ctx)
	if got := len(alerts.Events()); got != 1 {
		t.Fatalf("expected no warning right after activity, got %d", got)
	}

	// 第二次停滞是新的一轮，应再次告警。
	clock.Advance(2 * time.Minute)
	m.scan(ctx)
	if got := len(alerts.Events()); got != 2 {
		t.Fatalf("expected a fresh warning for the second stall, got %d", got)
	}
}

func TestActiveWorkerNeverAlerts(t *testing.T) {
	alerts := &capturingDispatcher{}
	m, clock := newTestMonitor(alerts,
		WithStaleThreshold(time.Minute),
		WithTimeoutThreshold(5*time.Minute),
	)
	ctx := context.Background()

	m.Register("worker-1", "task-1")
	for i := 0; i < 20; i++ {
		clock.Advance(30 * time.Second)
		m.UpdateActivity("worker-1")
		m.scan(ctx)
	}

	if got := len(alerts.Events()); got != 0 {
		t.Fatalf("expected no alerts for an active worker, got %d", got)
	}
}

func TestScanRemovesTimedOutWorker(t *testing.T) {
	alerts := &capturingDispatcher{}
	m, clock := newTestMonitor(alerts,
		WithStaleThreshold(time.Minute),
		WithTimeoutThreshold(5*time.Minute),
	)
	ctx := context.Background()

	m.Register("worker-1", "task-1")
	m.Register("worker-2", "task-2")
	clock.Advance(6 * time.Minute)
	m.UpdateActivity("worker-2")

	m.scan(ctx)

	events := alerts.Events()
	if len(events) != 1 {
		t.Fatalf("expected a single timeout alert, got %d", len(events))
	}
	if events[0].Severity != xerrors.SeverityCritical {
		t.Fatalf("expected critical severity, got %s", events[0].Severity)
	}
	if events[0].WorkerID != "worker-1" {
		t.Fatalf("unexpected worker in alert: %s", events[0].WorkerID)
	}

	inFlight := m.InFlight()
	if len(inFlight) != 1 || inFlight[0].ID != "worker-2" {
		t.Fatalf("expected worker-1 removed from tracking, got %+v", inFlight)
	}

	// 移除后不再产生重复告警。
	m.scan(ctx)
	if got := len(alerts.Events()); got != 1 {
		t.Fatalf("expected no further alerts, got %d", got)
	}
}

func TestTimeoutTakesPrecedenceOverStale(t *testing.T) {
	alerts := &capturingDispatcher{}
	m, clock := newTestMonitor(alerts,
		WithStaleThreshold(time.Minute),
		WithTimeoutThreshold(5*time.Minute),
	)
	ctx := context.Background()

	m.Register("worker-1", "task-1")
	// 一步跨过两个阈值，只应产生一条 Timeout 告警。
	clock.Advance(10 * time.Minute)
	m.scan(ctx)

	events := alerts.Events()
	if len(events) != 1 {
		t.Fatalf("expected one alert, got %d", len(events))
	}
	if events[0].Severity != xerrors.SeverityCritical {
		t.Fatalf("expected timeout to win over stale, got %s", events[0].Severity)
	}
}

func TestMarkIdleSuppressesStaleButNotTimeout(t *testing.T) {
	alerts := &capturingDispatcher{}
	m, clock := newTestMonitor(alerts,
		WithStaleThreshold(time.Minute),
		WithTimeoutThreshold(5*time.Minute),
	)
	ctx := context.Background()

	m.Register("worker-1", "task-1")
	m.MarkIdle("worker-1")

	clock.Advance(2 * time.Minute)
	m.scan(ctx)
	if got := len(alerts.Events()); got != 0 {
		t.Fatalf("expected idle worker to skip stale warnings, got %d", got)
	}

	clock.Advance(4 * time.Minute)
	m.scan(ctx)
	events := alerts.Events()
	if len(events) != 1 || events[0].Severity != xerrors.SeverityCritical {
		t.Fatalf("expected idle worker to still time out, got %+v", events)
	}
	if len(m.InFlight()) != 0 {
		t.Fatal("expected timed-out idle worker to be removed")
	}
}

type panickyDispatcher struct {
	calls int
	mu    sync.Mutex
}

func (d *panickyDispatcher) Notify(_ context.Context, _ alerting.Event) error {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	panic("notifier blew up")
}

func (d *panickyDispatcher) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestScanSurvivesPanickingNotifier(t *testing.T) {
	alerts := &panickyDispatcher{}
	m, clock := newTestMonitor(alerts,
		WithStaleThreshold(time.Minute),
		WithTimeoutThreshold(time.Hour),
	)
	ctx := context.Background()

	m.Register("worker-1", "")
	m.Register("worker-2", "")
	clock.Advance(2 * time.Minute)

	m.scan(ctx)

	if got := alerts.Calls(); got != 2 {
		t.Fatalf("expected both workers alerted despite panics, got %d", got)
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	m, _ := newTestMonitor(&capturingDispatcher{}, WithScanInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Start(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}
