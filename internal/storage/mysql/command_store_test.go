package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stdErrors "errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-sql-driver/mysql"

	"agent-matrix/internal/task"
)

var commandColumns = []string{
	"id", "envelope", "key_id", "status", "attempts", "max_retries", "last_error", "error_code",
	"has_result", "agent_output", "run_stdout", "run_stderr", "exit_status", "run_error", "duration_ms",
	"created_at", "updated_at",
}

func commandRow(id, status string, attempts, maxRetries int64, hasResult int64, output string) []driver.Value {
	return []driver.Value{
		id, []byte("sealed"), "k1", status, attempts, maxRetries, "", "",
		hasResult, output, "", "", int64(0), "", int64(5),
		int64(10), int64(20),
	}
}

func TestCommandStoreCreate(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(insertCommandSQL, mockResult{rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := NewCommandStoreWithDB(db)
	rec := &task.Task{ID: "cmd-1", Envelope: []byte("sealed"), Status: task.StatusPending, MaxRetries: 3}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if rec.CreatedAt == 0 || rec.UpdatedAt == 0 {
		t.Fatalf("expected timestamps to be assigned: %+v", rec)
	}
}

func TestCommandStoreCreateDuplicate(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		{typ: opExec, query: insertCommandSQL, err: &mysql.MySQLError{Number: mysqlDuplicateEntry, Message: "Duplicate entry"}},
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := NewCommandStoreWithDB(db)
	err := store.Create(context.Background(), &task.Task{ID: "cmd-1", Envelope: []byte("sealed")})
	if !stdErrors.Is(err, task.ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCommandStoreCreateRejectsMissingEnvelope(t *testing.T) {
	t.Parallel()

	store := NewCommandStoreWithDB(nil)
	if err := store.Create(context.Background(), &task.Task{ID: "cmd-1"}); err == nil {
		t.Fatalf("expected error for missing envelope")
	}
}

func TestCommandStoreGet(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		queryOp(selectCommandColumns+" WHERE id = ?", mockRowsData{
			columns: commandColumns,
			values:  [][]driver.Value{commandRow("cmd-1", "succeeded", 1, 3, 1, "approved | processed")},
		}),
		queryOp(selectCommandColumns+" WHERE id = ?", mockRowsData{columns: commandColumns}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := NewCommandStoreWithDB(db)
	got, err := store.Get(context.Background(), "cmd-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != task.StatusSucceeded || got.Result == nil || got.Result.AgentOutput != "approved | processed" {
		t.Fatalf("unexpected task: %+v", got)
	}
	if string(got.Envelope) != "sealed" || got.KeyID != "k1" {
		t.Fatalf("unexpected envelope columns: %+v", got)
	}

	if _, err := store.Get(context.Background(), "missing"); !stdErrors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCommandStoreClaim(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(claimCommandSQL, mockResult{rowsAffected: 1}),
		queryOp(selectCommandColumns+" WHERE id = ?", mockRowsData{
			columns: commandColumns,
			values:  [][]driver.Value{commandRow("cmd-1", "running", 1, 3, 0, "")},
		}),
		execOp(claimCommandSQL, mockResult{rowsAffected: 0}),
		queryOp(selectCommandColumns+" WHERE id = ?", mockRowsData{
			columns: commandColumns,
			values:  [][]driver.Value{commandRow("cmd-2", "succeeded", 1, 3, 1, "done")},
		}),
		execOp(claimCommandSQL, mockResult{rowsAffected: 0}),
		queryOp(selectCommandColumns+" WHERE id = ?", mockRowsData{
			columns: commandColumns,
			values:  [][]driver.Value{commandRow("cmd-3", "failed", 2, 2, 0, "")},
		}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := NewCommandStoreWithDB(db)
	ctx := context.Background()

	claimed, err := store.Claim(ctx, "cmd-1")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if claimed.Status != task.StatusRunning || claimed.Result != nil {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}

	if _, err := store.Claim(ctx, "cmd-2"); !stdErrors.Is(err, task.ErrTaskCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	if _, err := store.Claim(ctx, "cmd-3"); !stdErrors.Is(err, task.ErrTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
}

func TestCommandStoreMarkFailedAndSucceeded(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(failCommandSQL, mockResult{rowsAffected: 1}),
		execOp(succeedCommandSQL, mockResult{rowsAffected: 0}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := NewCommandStoreWithDB(db)
	ctx := context.Background()
	if err := store.MarkFailed(ctx, "cmd-1", "CRYPTOGRAPHIC_TAMPER", "tampered", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "gone", task.Result{AgentOutput: "x"}); !stdErrors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCommandStoreListAndStats(t *testing.T) {
	t.Parallel()

	listSQL := selectCommandColumns +
		" WHERE status IN (?) AND has_result = ? AND (id LIKE ? OR error_code LIKE ? OR last_error LIKE ? OR agent_output LIKE ?)" +
		" ORDER BY updated_at ASC, created_at ASC, id ASC LIMIT ? OFFSET ?"
	statsSQL := statsCommandSQL + " WHERE status IN (?)"

	db, driver := newMockDB(t, []mockOperation{
		queryOp(listSQL, mockRowsData{
			columns: commandColumns,
			values: [][]driver.Value{
				commandRow("a", "succeeded", 1, 3, 1, "ok"),
				commandRow("b", "succeeded", 1, 3, 1, "ok"),
			},
		}),
		queryOp(statsSQL, mockRowsData{
			columns: []string{"total", "pending", "running", "succeeded", "failed", "oldest", "newest"},
			values:  [][]driver.Value{{int64(2), int64(0), int64(0), int64(2), int64(0), int64(20), int64(20)}},
		}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := NewCommandStoreWithDB(db)
	ctx := context.Background()

	opts := task.BuildListOptions([]task.ListOption{
		task.WithStatuses(task.StatusSucceeded),
		task.WithResultPresence(true),
		task.WithQuery("ok"),
		task.WithSortOrder(task.SortByUpdatedAsc),
	})
	list, err := store.List(ctx, opts)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a" {
		t.Fatalf("unexpected list: %+v", list)
	}

	stats, err := store.Stats(ctx, task.BuildListOptions([]task.ListOption{task.WithStatuses(task.StatusSucceeded)}))
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 2 || stats.Succeeded != 2 || stats.NewestUpdatedAt != 20 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMigrateAppliesEmbeddedFiles(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execOp(readMigrationStatement(), mockResult{rowsAffected: 0}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func readMigrationStatement() string {
	content, err := embeddedMigrations.ReadFile("0001_create_commands.sql")
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		panic("no statements in migration")
	}
	return statements[0]
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
