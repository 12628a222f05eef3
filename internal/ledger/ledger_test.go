package ledger

import (
	"context"
	"math"
	"sync"
	"testing"
)

func TestMemoryLedgerAccumulates(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	if err := l.Record(ctx, "worker-1", "t1", 0.01); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Record(ctx, "worker-1", "t2", 0.02); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Record(ctx, "worker-2", "t3", 0.05); err != nil {
		t.Fatalf("record: %v", err)
	}

	if math.Abs(l.Total()-0.08) > 1e-9 {
		t.Fatalf("expected total 0.08, got %f", l.Total())
	}
	if math.Abs(l.WorkerTotal("worker-1")-0.03) > 1e-9 {
		t.Fatalf("expected worker-1 total 0.03, got %f", l.WorkerTotal("worker-1"))
	}
	if l.WorkerTotal("unknown") != 0 {
		t.Fatalf("expected zero for unknown worker, got %f", l.WorkerTotal("unknown"))
	}
}

func TestMemoryLedgerConcurrentRecords(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Record(ctx, "worker-1", "t", 0.01)
		}()
	}
	wg.Wait()

	if math.Abs(l.Total()-0.5) > 1e-9 {
		t.Fatalf("expected total 0.5, got %f", l.Total())
	}
}
