package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "agent-matrix/internal/errors"
	"agent-matrix/internal/task"
)

const selectCommandColumns = `SELECT id, envelope, key_id, status, attempts, max_retries, COALESCE(last_error, ''), error_code,
        has_result, COALESCE(agent_output, ''), COALESCE(run_stdout, ''), COALESCE(run_stderr, ''), exit_status,
        COALESCE(run_error, ''), duration_ms, created_at, updated_at FROM commands`

const (
	insertCommandSQL = `INSERT INTO commands
        (id, envelope, key_id, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', ?, ?)`
	claimCommandSQL = `UPDATE commands SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`
	succeedCommandSQL = `UPDATE commands SET status = ?, has_result = 1, agent_output = ?, run_stdout = ?, run_stderr = ?,
        exit_status = ?, run_error = ?, duration_ms = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`
	failCommandSQL = `UPDATE commands SET status = ?, last_error = ?, error_code = ?,
        max_retries = CASE WHEN ? THEN attempts ELSE max_retries END, updated_at = ? WHERE id = ?`
	statsCommandSQL = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM commands`
)

// mysqlDuplicateEntry 是主键冲突的错误号。
const mysqlDuplicateEntry = 1062

// CommandStore 使用 MySQL 记录命令任务状态。
type CommandStore struct {
	db *sql.DB
}

// NewCommandStore 建立连接池并执行迁移。
func NewCommandStore(ctx context.Context, cfg Config) (*CommandStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 失败")
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 MySQL 迁移失败")
	}
	return &CommandStore{db: db}, nil
}

// NewCommandStoreWithDB 使用已有连接池构造存储，不执行迁移。
func NewCommandStoreWithDB(db *sql.DB) *CommandStore {
	return &CommandStore{db: db}
}

// Create 插入新的任务记录。
func (s *CommandStore) Create(ctx context.Context, t *task.Task) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(t.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if len(t.Envelope) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务缺少信封")
	}

	now := time.Now().Unix()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, insertCommandSQL,
		t.ID,
		t.Envelope,
		t.KeyID,
		string(t.Status),
		t.Attempts,
		t.MaxRetries,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return task.ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *CommandStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, selectCommandColumns+" WHERE id = ?", id)
	t, err := scanCommand(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return t, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *CommandStore) Claim(ctx context.Context, id string) (*task.Task, error) {
	res, err := s.db.ExecContext(ctx, claimCommandSQL,
		string(task.StatusRunning),
		time.Now().Unix(),
		id,
		string(task.StatusPending),
		string(task.StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return current, nil
	}
	switch current.Status {
	case task.StatusSucceeded:
		return current, task.ErrTaskCompleted
	case task.StatusRunning:
		return current, task.ErrTaskConflict
	}
	if current.Attempts >= current.MaxRetries {
		return current, task.ErrTaskExhausted
	}
	return current, task.ErrTaskConflict
}

// MarkSucceeded 将任务标记为成功。
func (s *CommandStore) MarkSucceeded(ctx context.Context, id string, result task.Result) error {
	res, err := s.db.ExecContext(ctx, succeedCommandSQL,
		string(task.StatusSucceeded),
		result.AgentOutput,
		result.Stdout,
		result.Stderr,
		result.ExitStatus,
		result.RunError,
		result.DurationMS,
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// MarkFailed 将任务标记为失败，terminal 为 true 时不再允许领取。
func (s *CommandStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	res, err := s.db.ExecContext(ctx, failCommandSQL,
		string(task.StatusFailed),
		lastError,
		string(code),
		terminal,
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *CommandStore) List(ctx context.Context, opts task.ListOptions) ([]*task.Task, error) {
	opts.Normalize()

	query := selectCommandColumns
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == task.SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*task.Task, 0, opts.Limit)
	for rows.Next() {
		t, err := scanCommand(rows)
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

// Stats 返回符合过滤条件的任务聚合信息。
func (s *CommandStore) Stats(ctx context.Context, opts task.ListOptions) (task.TaskStats, error) {
	opts.Normalize()

	query := statsCommandSQL
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(task.StatusPending),
		string(task.StatusRunning),
		string(task.StatusSucceeded),
		string(task.StatusFailed),
	}
	args = append(args, filterArgs...)

	var stats task.TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return task.TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *CommandStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*task.Task, error) {
	var (
		t         task.Task
		status    string
		hasResult bool
		result    task.Result
	)
	if err := row.Scan(
		&t.ID,
		&t.Envelope,
		&t.KeyID,
		&status,
		&t.Attempts,
		&t.MaxRetries,
		&t.LastError,
		&t.ErrorCode,
		&hasResult,
		&result.AgentOutput,
		&result.Stdout,
		&result.Stderr,
		&result.ExitStatus,
		&result.RunError,
		&result.DurationMS,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	if hasResult {
		t.Result = &result
	}
	return &t, nil
}

func buildFilterClause(opts task.ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		conditions = append(conditions, "has_result = ?")
		args = append(args, *opts.HasResult)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR error_code LIKE ? OR last_error LIKE ? OR agent_output LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ task.Store = (*CommandStore)(nil)
