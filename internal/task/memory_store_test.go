package task

import (
	"context"
	stdErrors "errors"
	"math"
	"sync"
	"testing"
	"time"

	xerrors "TaskForge/internal/errors"
)

func TestMemoryStoreAddAssignsIDAndSeq(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.Add(ctx, &Task{Title: "build"})
	if err != nil {
		t.Fatalf("add first: %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected generated ID")
	}
	if first.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", first.Status)
	}

	second, err := store.Add(ctx, &Task{ID: "t2", Title: "audit"})
	if err != nil {
		t.Fatalf("add second: %v", err)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("expected increasing seq, got %d then %d", first.Seq, second.Seq)
	}

	if _, err := store.Add(ctx, &Task{ID: "t2", Title: "dup"}); err == nil {
		t.Fatal("expected duplicate ID to be rejected")
	}
	if _, err := store.Add(ctx, &Task{Title: "   "}); err == nil {
		t.Fatal("expected empty title to be rejected")
	}
}

func TestMemoryStoreClaimInsertionOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, title := range []string{"build", "audit", "deploy"} {
		if _, err := store.Add(ctx, &Task{ID: title, Title: title}); err != nil {
			t.Fatalf("add %s: %v", title, err)
		}
	}

	for _, want := range []string{"build", "audit", "deploy"} {
		claimed, err := store.Claim(ctx, "worker-1")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if claimed.ID != want {
			t.Fatalf("expected %s, got %s", want, claimed.ID)
		}
		if claimed.Status != StatusInProgress {
			t.Fatalf("expected in_progress, got %s", claimed.Status)
		}
		if claimed.AssignedWorker != "worker-1" {
			t.Fatalf("expected worker-1, got %s", claimed.AssignedWorker)
		}
	}

	if _, err := store.Claim(ctx, "worker-1"); !stdErrors.Is(err, ErrNoTaskAvailable) {
		t.Fatalf("expected ErrNoTaskAvailable on drained queue, got %v", err)
	}
}

func TestMemoryStoreClaimSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Add(ctx, &Task{ID: "only", Title: "only"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	const contenders = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := make([]string, 0, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			claimed, err := store.Claim(ctx, "worker")
			if stdErrors.Is(err, ErrNoTaskAvailable) {
				return
			}
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			winners = append(winners, claimed.ID)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
}

func TestMemoryStoreStatusTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Add(ctx, &Task{ID: "t1", Title: "build"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	// pending 不能直接跳到 complete
	if _, err := store.UpdateStatus(ctx, "t1", StatusComplete, UpdateOptions{}); err == nil {
		t.Fatal("expected pending -> complete to be rejected")
	}

	if _, err := store.Claim(ctx, "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	updated, err := store.UpdateStatus(ctx, "t1", StatusComplete, UpdateOptions{Result: "ok", Cost: 0.25})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if updated.Result != "ok" || updated.Cost != 0.25 {
		t.Fatalf("unexpected completion fields: %+v", updated)
	}
	if updated.CompletedAt == 0 {
		t.Fatal("expected completion timestamp")
	}

	// 终态不可回退
	if _, err := store.UpdateStatus(ctx, "t1", StatusPending, UpdateOptions{}); !stdErrors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	if _, err := store.UpdateStatus(ctx, "t1", StatusFailed, UpdateOptions{}); !stdErrors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}

	if _, err := store.UpdateStatus(ctx, "missing", StatusComplete, UpdateOptions{}); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestMemoryStoreWorkerStateFollowsTaskOutcome(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		if _, err := store.Add(ctx, &Task{ID: id, Title: id}); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	if _, err := store.Claim(ctx, "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	worker, err := store.WorkerStatus(ctx, "worker-1")
	if err != nil {
		t.Fatalf("worker status: %v", err)
	}
	if worker.State != WorkerWorking || worker.CurrentTaskID != "t1" {
		t.Fatalf("expected working on t1, got %+v", worker)
	}

	if _, err := store.UpdateStatus(ctx, "t1", StatusComplete, UpdateOptions{Result: "ok"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	worker, err = store.WorkerStatus(ctx, "worker-1")
	if err != nil {
		t.Fatalf("worker status: %v", err)
	}
	if worker.State != WorkerComplete {
		t.Fatalf("expected complete after finished task, got %s", worker.State)
	}
	if worker.CurrentTaskID != "" {
		t.Fatalf("expected no current task, got %s", worker.CurrentTaskID)
	}

	// 下一次领取把状态翻回 working。
	if _, err := store.Claim(ctx, "worker-1"); err != nil {
		t.Fatalf("claim second: %v", err)
	}
	worker, err = store.WorkerStatus(ctx, "worker-1")
	if err != nil {
		t.Fatalf("worker status: %v", err)
	}
	if worker.State != WorkerWorking || worker.CurrentTaskID != "t2" {
		t.Fatalf("expected working on t2, got %+v", worker)
	}
}

func TestMemoryStoreCostAggregation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.Add(ctx, &Task{ID: id, Title: id}); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Claim(ctx, "worker-1"); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}

	if _, err := store.UpdateStatus(ctx, "a", StatusComplete, UpdateOptions{Cost: 0.01}); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, "b", StatusComplete, UpdateOptions{Cost: 0.02}); err != nil {
		t.Fatalf("complete b: %v", err)
	}
	// 失败任务未提供成本，不计入总账。
	if _, err := store.UpdateStatus(ctx, "c", StatusFailed, UpdateOptions{Error: "boom"}); err != nil {
		t.Fatalf("fail c: %v", err)
	}

	summary, err := store.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if math.Abs(summary.TotalCost-0.03) > 1e-9 {
		t.Fatalf("expected total cost 0.03, got %f", summary.TotalCost)
	}
	if summary.Complete != 2 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if !summary.AllTerminal {
		t.Fatal("expected all terminal")
	}

	worker, err := store.WorkerStatus(ctx, "worker-1")
	if err != nil {
		t.Fatalf("worker status: %v", err)
	}
	if worker.TasksCompleted != 2 {
		t.Fatalf("expected 2 completed tasks, got %d", worker.TasksCompleted)
	}
	if math.Abs(worker.TotalCost-0.03) > 1e-9 {
		t.Fatalf("expected worker cost 0.03, got %f", worker.TotalCost)
	}
	if worker.State != WorkerFailed {
		t.Fatalf("expected worker failed after last task, got %s", worker.State)
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.Add(ctx, &Task{ID: id, Title: id}); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	if _, err := store.Claim(ctx, "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, "a", StatusFailed, UpdateOptions{Error: "boom"}); err != nil {
		t.Fatalf("fail a: %v", err)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[2].ID != "c" {
		t.Fatalf("expected insertion order a,b,c, got %+v", all)
	}

	failed, err := store.List(ctx, WithStatuses(StatusFailed))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "a" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	byWorker, err := store.List(ctx, WithWorker("worker-1"))
	if err != nil {
		t.Fatalf("list by worker: %v", err)
	}
	if len(byWorker) != 1 || byWorker[0].ID != "a" {
		t.Fatalf("unexpected worker list: %+v", byWorker)
	}

	limited, err := store.List(ctx, WithLimit(2))
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(limited))
	}
}

func TestMemoryStoreLockTimeout(t *testing.T) {
	store := NewMemoryStore(WithLockTimeout(30 * time.Millisecond))
	ctx := context.Background()

	if _, err := store.Add(ctx, &Task{ID: "t1", Title: "build"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	// 占住独占区，模拟长时间持锁。
	if err := store.mu.acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer store.mu.release()

	_, err := store.Claim(ctx, "worker-1")
	if !stdErrors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatal("expected lock timeout to be retryable")
	}
}

func TestMemoryStoreSnapshotIsDeepCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Add(ctx, &Task{ID: "t1", Title: "build"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	snapshot, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	snapshot.Tasks[0].Title = "mutated"

	stored, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Title != "build" {
		t.Fatalf("snapshot mutation leaked into store: %s", stored.Title)
	}
}
