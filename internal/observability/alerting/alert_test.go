package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "TaskForge/internal/errors"
)

type stubNotifier struct {
	channel Channel
	err     error
	got     []Event
}

func (n *stubNotifier) Channel() Channel { return n.channel }

func (n *stubNotifier) Notify(_ context.Context, event Event) error {
	n.got = append(n.got, event)
	return n.err
}

func TestFanoutDeliversToAllChannels(t *testing.T) {
	logCh := &stubNotifier{channel: ChannelLog}
	mqCh := &stubNotifier{channel: ChannelRabbitMQ}
	fanout := NewFanout(logCh, mqCh, nil)

	event := Event{
		Severity:   xerrors.SeverityWarning,
		Message:    "worker stalled",
		Source:     SourceMonitor,
		WorkerID:   "worker-1",
		OccurredAt: time.Now(),
	}
	if err := fanout.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if len(logCh.got) != 1 || len(mqCh.got) != 1 {
		t.Fatalf("expected both channels notified, got %d/%d", len(logCh.got), len(mqCh.got))
	}
	if logCh.got[0].Message != "worker stalled" {
		t.Fatalf("unexpected event: %+v", logCh.got[0])
	}
}

func TestFanoutContinuesPastFailingChannel(t *testing.T) {
	failing := &stubNotifier{channel: ChannelRabbitMQ, err: errors.New("broker down")}
	healthy := &stubNotifier{channel: ChannelLog}
	fanout := NewFanout(failing, healthy)

	err := fanout.Notify(context.Background(), Event{Severity: xerrors.SeverityCritical})
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeAlertDeliveryFailure {
		t.Fatalf("expected ALERT_DELIVERY_FAILURE, got %s", xerrors.CodeOf(err))
	}
	if len(healthy.got) != 1 {
		t.Fatal("expected healthy channel to still receive the event")
	}
}

func TestFanoutWithoutNotifiers(t *testing.T) {
	fanout := NewFanout()
	if err := fanout.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("expected no-op fanout to succeed, got %v", err)
	}
}

func TestLogNotifierHandlesAllSeverities(t *testing.T) {
	n := &LogNotifier{}
	for _, severity := range []xerrors.Severity{
		xerrors.SeverityInfo,
		xerrors.SeverityWarning,
		xerrors.SeverityCritical,
	} {
		event := Event{
			Severity: severity,
			Message:  "test",
			Source:   SourceCoordinator,
			IdleMs:   1500,
			Metadata: map[string]string{"k": "v"},
		}
		if err := n.Notify(context.Background(), event); err != nil {
			t.Fatalf("notify %s: %v", severity, err)
		}
	}
}
