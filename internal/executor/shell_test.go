package executor

import (
	"context"
	"testing"
	"time"

	xerrors "TaskForge/internal/errors"
	"TaskForge/internal/task"
)

func TestShellExecutorCapturesOutputAndCost(t *testing.T) {
	exec := NewShell("/bin/sh", 5*time.Second, 0.01)

	result, err := exec.Execute(context.Background(), "worker-1", &task.Task{
		ID:          "t1",
		Title:       "echo",
		Description: "echo hello",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Output != "hello" {
		t.Fatalf("expected trimmed stdout, got %q", result.Output)
	}
	if result.Cost <= 0 {
		t.Fatalf("expected positive cost, got %f", result.Cost)
	}
}

func TestShellExecutorReportsCommandFailure(t *testing.T) {
	exec := NewShell("/bin/sh", 5*time.Second, 0.01)

	result, err := exec.Execute(context.Background(), "worker-1", &task.Task{
		ID:          "t1",
		Title:       "fail",
		Description: "echo oops >&2; exit 3",
	})
	if err == nil {
		t.Fatal("expected failing command to return an error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeExecutionFailure {
		t.Fatalf("expected EXECUTION_FAILURE, got %s", xerrors.CodeOf(err))
	}
	// 失败时同样返回成本，调用方据此记账。
	if result == nil || result.Cost <= 0 {
		t.Fatalf("expected cost on failure, got %+v", result)
	}
}

func TestShellExecutorRejectsEmptyCommand(t *testing.T) {
	exec := NewShell("", time.Second, 0)

	_, err := exec.Execute(context.Background(), "worker-1", &task.Task{ID: "t1", Title: "blank"})
	if err == nil {
		t.Fatal("expected empty description to be rejected")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %s", xerrors.CodeOf(err))
	}
}

func TestShellExecutorHonorsTimeout(t *testing.T) {
	exec := NewShell("/bin/sh", 50*time.Millisecond, 0.01)

	start := time.Now()
	_, err := exec.Execute(context.Background(), "worker-1", &task.Task{
		ID:          "t1",
		Title:       "hang",
		Description: "sleep 5",
	})
	if err == nil {
		t.Fatal("expected timeout to fail the command")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("command was not killed by the timeout, took %s", elapsed)
	}
}
