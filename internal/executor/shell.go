package executor

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	xerrors "TaskForge/internal/errors"
	"TaskForge/internal/task"
)

// ShellExecutor 把任务描述作为 shell 命令执行，并按耗时折算成本。
// 描述为空的任务视为无效输入，直接返回失败。
type ShellExecutor struct {
	shell         string
	timeout       time.Duration
	costPerSecond float64
}

// NewShell 创建 shell 执行器。shell 为空时回退到 /bin/sh。
func NewShell(shell string, timeout time.Duration, costPerSecond float64) *ShellExecutor {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &ShellExecutor{
		shell:         shell,
		timeout:       timeout,
		costPerSecond: costPerSecond,
	}
}

// Execute 在子进程中运行任务命令，并收集标准输出作为任务结果。
// 即使命令失败也会返回带成本的结果，调用方据此记账。
func (e *ShellExecutor) Execute(ctx context.Context, workerID string, t *task.Task) (*task.ExecutionResult, error) {
	command := strings.TrimSpace(t.Description)
	if command == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务描述为空，无法执行",
			xerrors.WithMetadata("task_id", t.ID))
	}

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.shell, "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := &task.ExecutionResult{
		Output: strings.TrimSpace(stdout.String()),
		Cost:   elapsed.Seconds() * e.costPerSecond,
	}

	if runErr != nil {
		return result, xerrors.Wrap(xerrors.CodeExecutionFailure, runErr, "执行任务命令失败",
			xerrors.WithMetadata("task_id", t.ID),
			xerrors.WithMetadata("worker", workerID),
			xerrors.WithMetadata("stderr", strings.TrimSpace(stderr.String())))
	}
	return result, nil
}
