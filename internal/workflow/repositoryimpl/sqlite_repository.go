package repositoryimpl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kazz187/phaseguild/internal/workflow"
	"github.com/kazz187/phaseguild/pkg/cerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	current_phase TEXT NOT NULL,
	spent         TEXT NOT NULL,
	tripped       INTEGER NOT NULL,
	completed     INTEGER NOT NULL,
	version       INTEGER NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	record        BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS workflows_created_at ON workflows (created_at, id);
`

var connPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

// SQLiteRepository keeps each workflow as one row: the full YAML record plus
// a few denormalized columns for listing. Every write is a single IMMEDIATE
// transaction, so task state and breaker spend are committed together and a
// stale version from another process is rejected instead of overwritten.
type SQLiteRepository struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
}

var _ workflow.Repository = (*SQLiteRepository)(nil)

// OpenSQLiteRepository opens the database at path, creating the file and the
// schema if needed. The parent directory must exist.
func OpenSQLiteRepository(path string, poolSize int, logger *slog.Logger) (*SQLiteRepository, error) {
	if poolSize <= 0 {
		poolSize = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range connPragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	r := &SQLiteRepository{pool: pool, logger: logger}
	if err := r.migrate(context.Background()); err != nil {
		_ = pool.Close()
		return nil, err
	}
	logger.Info("sqlite workflow store opened", "path", path, "pool_size", poolSize)
	return r, nil
}

func (r *SQLiteRepository) Close() error {
	return r.pool.Close()
}

func (r *SQLiteRepository) migrate(ctx context.Context) error {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("failed to take sqlite connection: %w", err)
	}
	defer r.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Create(ctx context.Context, w *workflow.Workflow) (err error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return storeError("take connection", err)
	}
	defer r.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return storeError("begin transaction", err)
	}
	defer endTransaction(&err)

	exists := false
	err = sqlitex.Execute(conn, `SELECT 1 FROM workflows WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{w.ID},
		ResultFunc: func(*sqlite.Stmt) error {
			exists = true
			return nil
		},
	})
	if err != nil {
		return storeError("check workflow", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "workflow already exists", nil)
	}

	w.Version = 1
	record, err := yaml.Marshal(w)
	if err != nil {
		w.Version = 0
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal workflow: %w", err))
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO workflows (id, name, current_phase, spent, tripped, completed, version, created_at, updated_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			w.ID, w.Name, string(w.CurrentPhase), w.Breaker.Spent.String(), w.Breaker.Tripped, w.Completed,
			w.Version, formatTime(w.CreatedAt), formatTime(w.UpdatedAt), record,
		},
	})
	if err != nil {
		w.Version = 0
		return storeError("insert workflow", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, storeError("take connection", err)
	}
	defer r.pool.Put(conn)

	var w *workflow.Workflow
	err = sqlitex.Execute(conn, `SELECT record FROM workflows WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			decoded, err := decodeRecord(stmt, 0)
			w = decoded
			return err
		},
	})
	if err != nil {
		return nil, storeError("read workflow", err)
	}
	if w == nil {
		return nil, cerr.NotFoundf("workflow not found")
	}
	return w, nil
}

func (r *SQLiteRepository) List(ctx context.Context, limit, offset int) ([]*workflow.Workflow, int, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, 0, storeError("take connection", err)
	}
	defer r.pool.Put(conn)

	total := 0
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM workflows`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			total = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return nil, 0, storeError("count workflows", err)
	}

	if limit <= 0 {
		limit = -1
	}
	var out []*workflow.Workflow
	err = sqlitex.Execute(conn, `SELECT record FROM workflows ORDER BY id LIMIT ? OFFSET ?`, &sqlitex.ExecOptions{
		Args: []any{limit, offset},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			w, err := decodeRecord(stmt, 0)
			if err != nil {
				return err
			}
			out = append(out, w)
			return nil
		},
	})
	if err != nil {
		return nil, 0, storeError("list workflows", err)
	}
	return out, total, nil
}

func (r *SQLiteRepository) Update(ctx context.Context, w *workflow.Workflow) (err error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return storeError("take connection", err)
	}
	defer r.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return storeError("begin transaction", err)
	}
	defer endTransaction(&err)

	stored := int64(-1)
	err = sqlitex.Execute(conn, `SELECT version FROM workflows WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{w.ID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stored = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return storeError("read version", err)
	}
	if stored < 0 {
		return cerr.NotFoundf("workflow not found")
	}
	if stored != w.Version {
		return cerr.NewError(cerr.Aborted, "workflow was modified concurrently",
			fmt.Errorf("workflow %s: stored version %d, update based on %d", w.ID, stored, w.Version))
	}

	w.Version++
	record, err := yaml.Marshal(w)
	if err != nil {
		w.Version--
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal workflow: %w", err))
	}
	err = sqlitex.Execute(conn, `
		UPDATE workflows
		SET name = ?, current_phase = ?, spent = ?, tripped = ?, completed = ?, version = ?, updated_at = ?, record = ?
		WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{
			w.Name, string(w.CurrentPhase), w.Breaker.Spent.String(), w.Breaker.Tripped, w.Completed,
			w.Version, formatTime(w.UpdatedAt), record, w.ID,
		},
	})
	if err != nil {
		w.Version--
		return storeError("update workflow", err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return storeError("take connection", err)
	}
	defer r.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM workflows WHERE id = ?`, &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return storeError("delete workflow", err)
	}
	if conn.Changes() == 0 {
		return cerr.NotFoundf("workflow not found")
	}
	return nil
}

func decodeRecord(stmt *sqlite.Stmt, col int) (*workflow.Workflow, error) {
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	var w workflow.Workflow
	if err := yaml.Unmarshal(buf, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow record: %w", err)
	}
	return &w, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func storeError(op string, err error) error {
	var ce *cerr.Error
	if errors.As(err, &ce) {
		return err
	}
	return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("sqlite store: %s: %w", op, err))
}
