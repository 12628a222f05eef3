package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	xerrors "TaskForge/internal/errors"
)

// MySQLStore 使用 MySQL 记录队列状态，供多进程部署时共享同一个队列。
// 行级锁由事务内的 SELECT ... FOR UPDATE 提供，Claim 的扫描加迁移
// 在单个事务内完成。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS queue_tasks (
        id VARCHAR(64) PRIMARY KEY,
        seq INT NOT NULL AUTO_INCREMENT UNIQUE,
        title VARCHAR(255) NOT NULL,
        description TEXT,
        status VARCHAR(32) NOT NULL,
        assigned_worker VARCHAR(64) DEFAULT '',
        result TEXT,
        last_error TEXT,
        cost DOUBLE NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        started_at BIGINT NOT NULL DEFAULT 0,
        completed_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_queue_status_seq (status, seq)
)`,
		`CREATE TABLE IF NOT EXISTS queue_workers (
        id VARCHAR(64) PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        state VARCHAR(32) NOT NULL,
        current_task_id VARCHAR(64) DEFAULT '',
        tasks_completed INT NOT NULL DEFAULT 0,
        total_cost DOUBLE NOT NULL DEFAULT 0,
        last_error TEXT
)`,
		`CREATE TABLE IF NOT EXISTS queue_meta (
        id TINYINT PRIMARY KEY,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        total_cost DOUBLE NOT NULL DEFAULT 0,
        dispatch_started_at BIGINT NOT NULL DEFAULT 0
)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化队列表失败")
		}
	}
	now := nowUnixMilli()
	if _, err := s.db.Exec(`INSERT IGNORE INTO queue_meta (id, created_at, updated_at) VALUES (1, ?, ?)`, now, now); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化队列元数据失败")
	}
	return nil
}

// Add 插入新的任务记录。
func (s *MySQLStore) Add(ctx context.Context, t *Task) (*Task, error) {
	if t == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(t.Title) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务标题不能为空")
	}
	id := strings.TrimSpace(t.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := nowUnixMilli()

	const stmt = `INSERT INTO queue_tasks
        (id, title, description, status, assigned_worker, result, last_error, cost, created_at)
        VALUES (?, ?, ?, ?, '', '', '', 0, ?)`
	_, err := s.db.ExecContext(ctx, stmt, id, t.Title, t.Description, StatusPending, now)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 已存在",
				xerrors.WithMetadata("task_id", id))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	if err := s.touchMeta(ctx, now); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Claim 在单个事务内领取插入顺序最靠前的待处理任务。
func (s *MySQLStore) Claim(ctx context.Context, workerID string) (*Task, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "worker ID 不能为空")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	row := tx.QueryRowContext(ctx,
		`SELECT id FROM queue_tasks WHERE status = ? ORDER BY seq ASC LIMIT 1 FOR UPDATE`,
		StatusPending)
	if err := row.Scan(&id); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoTaskAvailable
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描待处理任务失败")
	}

	now := nowUnixMilli()
	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_tasks SET status = ?, assigned_worker = ?, started_at = ? WHERE id = ?`,
		StatusInProgress, workerID, now, id); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_workers (id, name, state, current_task_id, last_error)
         VALUES (?, ?, ?, ?, '')
         ON DUPLICATE KEY UPDATE state = VALUES(state), current_task_id = VALUES(current_task_id), last_error = ''`,
		workerID, workerID, WorkerWorking, id); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新工作者状态失败")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_meta SET updated_at = ? WHERE id = 1`, now); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新队列元数据失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交领取事务失败")
	}
	return s.Get(ctx, id)
}

// UpdateStatus 推进任务状态并同步工作者聚合。
func (s *MySQLStore) UpdateStatus(ctx context.Context, id string, status Status, opts UpdateOptions) (*Task, error) {
	if !IsValidStatus(status) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的任务状态",
			xerrors.WithMetadata("status", string(status)))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	var current Status
	var assignedWorker string
	row := tx.QueryRowContext(ctx,
		`SELECT status, assigned_worker FROM queue_tasks WHERE id = ? FOR UPDATE`, id)
	if err := row.Scan(&current, &assignedWorker); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	if !canTransition(current, status) {
		return nil, xerrors.Wrap(xerrors.CodeStatusConflict, ErrStatusConflict,
			"任务状态不可回退",
			xerrors.WithMetadata("task_id", id),
			xerrors.WithMetadata("from", string(current)),
			xerrors.WithMetadata("to", string(status)))
	}

	now := nowUnixMilli()
	completedAt := int64(0)
	if status.Terminal() {
		completedAt = now
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_tasks SET status = ?, result = ?, last_error = ?, cost = ?, completed_at = ? WHERE id = ?`,
		status, opts.Result, opts.Error, opts.Cost, completedAt, id); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}

	if status.Terminal() && assignedWorker != "" {
		switch status {
		case StatusComplete:
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue_workers SET state = ?, current_task_id = '', tasks_completed = tasks_completed + 1,
                 total_cost = total_cost + ?, last_error = '' WHERE id = ?`,
				WorkerComplete, opts.Cost, assignedWorker); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新工作者状态失败")
			}
		case StatusFailed:
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue_workers SET state = ?, current_task_id = '', total_cost = total_cost + ?, last_error = ? WHERE id = ?`,
				WorkerFailed, opts.Cost, opts.Error, assignedWorker); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新工作者状态失败")
			}
		}
	}
	if status.Terminal() {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_meta SET updated_at = ?, total_cost = total_cost + ? WHERE id = 1`,
			now, opts.Cost); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新队列元数据失败")
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_meta SET updated_at = ? WHERE id = 1`, now); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新队列元数据失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交状态更新失败")
	}
	return s.Get(ctx, id)
}

const taskColumns = `id, seq, title, description, status, assigned_worker, result, last_error, cost, created_at, started_at, completed_at`

func scanTask(scanner interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	if err := scanner.Scan(
		&t.ID,
		&t.Seq,
		&t.Title,
		&t.Description,
		&t.Status,
		&t.AssignedWorker,
		&t.Result,
		&t.Error,
		&t.Cost,
		&t.CreatedAt,
		&t.StartedAt,
		&t.CompletedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM queue_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return t, nil
}

// List 按插入顺序返回任务。
func (s *MySQLStore) List(ctx context.Context, optFns ...ListOption) ([]*Task, error) {
	opts := buildListOptions(optFns)

	query := `SELECT ` + taskColumns + ` FROM queue_tasks`
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if opts.Worker != "" {
		conditions = append(conditions, "assigned_worker = ?")
		args = append(args, opts.Worker)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, 16)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// WorkerStatus 返回指定工作者的聚合状态。
func (s *MySQLStore) WorkerStatus(ctx context.Context, workerID string) (*WorkerStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, state, current_task_id, tasks_completed, total_cost, last_error
         FROM queue_workers WHERE id = ?`, workerID)
	var w WorkerStatus
	if err := row.Scan(&w.ID, &w.Name, &w.State, &w.CurrentTaskID, &w.TasksCompleted, &w.TotalCost, &w.Error); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeTaskNotFound, "未知的工作者",
				xerrors.WithMetadata("worker_id", workerID))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作者失败")
	}
	return &w, nil
}

// Workers 返回全部工作者状态。
func (s *MySQLStore) Workers(ctx context.Context) (map[string]*WorkerStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, state, current_task_id, tasks_completed, total_cost, last_error FROM queue_workers`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作者列表失败")
	}
	defer rows.Close()

	workers := make(map[string]*WorkerStatus)
	for rows.Next() {
		var w WorkerStatus
		if err := rows.Scan(&w.ID, &w.Name, &w.State, &w.CurrentTaskID, &w.TasksCompleted, &w.TotalCost, &w.Error); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作者记录失败")
		}
		workers[w.ID] = &w
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工作者失败")
	}
	return workers, nil
}

// Summary 返回队列整体进度。
func (s *MySQLStore) Summary(ctx context.Context) (Summary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS in_progress,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS complete,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed
        FROM queue_tasks`,
		string(StatusPending), string(StatusInProgress), string(StatusComplete), string(StatusFailed))

	var sum Summary
	var pending, inProgress, complete, failed sql.NullInt64
	if err := row.Scan(&sum.Total, &pending, &inProgress, &complete, &failed); err != nil {
		return Summary{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	sum.Pending = int(pending.Int64)
	sum.InProgress = int(inProgress.Int64)
	sum.Complete = int(complete.Int64)
	sum.Failed = int(failed.Int64)

	metaRow := s.db.QueryRowContext(ctx, `SELECT total_cost FROM queue_meta WHERE id = 1`)
	if err := metaRow.Scan(&sum.TotalCost); err != nil && !stdErrors.Is(err, sql.ErrNoRows) {
		return Summary{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询队列元数据失败")
	}
	sum.AllTerminal = sum.Pending == 0 && sum.InProgress == 0
	return sum, nil
}

// Snapshot 返回完整队列视图。
func (s *MySQLStore) Snapshot(ctx context.Context) (*QueueSnapshot, error) {
	tasks, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	workers, err := s.Workers(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := &QueueSnapshot{Tasks: tasks, Workers: workers}
	row := s.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at, total_cost, dispatch_started_at FROM queue_meta WHERE id = 1`)
	if err := row.Scan(&snapshot.CreatedAt, &snapshot.UpdatedAt, &snapshot.TotalCost, &snapshot.DispatchStartedAt); err != nil && !stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询队列元数据失败")
	}
	return snapshot, nil
}

// MarkDispatchStarted 记录一轮调度的起始时间。
func (s *MySQLStore) MarkDispatchStarted(ctx context.Context) error {
	now := nowUnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE queue_meta SET dispatch_started_at = ?, updated_at = ? WHERE id = 1`, now, now); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新调度起始时间失败")
	}
	return nil
}

func (s *MySQLStore) touchMeta(ctx context.Context, now int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE queue_meta SET updated_at = ? WHERE id = 1`, now); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新队列元数据失败")
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
