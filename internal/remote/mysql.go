package remote

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
)

// MySQLBackend implements Backend over database/sql. Writes go through
// INSERT ... ON DUPLICATE KEY UPDATE so replayed pushes stay idempotent.
type MySQLBackend struct {
	db *sql.DB
}

func NewMySQLBackend(cfg config.RemoteConfig) (*MySQLBackend, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote connection: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	// The backend being down at startup is not an error for an
	// offline-first engine; the prober will notice when it comes up.
	if err := db.Ping(); err != nil {
		logger.Log.Warn("Remote backend not reachable at startup", zap.Error(err))
	} else {
		logger.Log.Info("Connected to remote backend",
			zap.String("host", cfg.Host),
			zap.String("database", cfg.Database),
		)
	}

	return &MySQLBackend{db: db}, nil
}

func (b *MySQLBackend) Close() error {
	return b.db.Close()
}

func (b *MySQLBackend) Ping(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, "SELECT 1"); err != nil {
		return classify("ping", "", err)
	}
	return nil
}

func (b *MySQLBackend) Insert(ctx context.Context, table string, row map[string]any) error {
	return b.upsert(ctx, "insert", table, row)
}

func (b *MySQLBackend) Update(ctx context.Context, table, id string, patch map[string]any) error {
	row := make(map[string]any, len(patch)+1)
	for k, v := range patch {
		row[k] = v
	}
	row["id"] = id
	return b.upsert(ctx, "update", table, row)
}

func (b *MySQLBackend) upsert(ctx context.Context, op, table string, row map[string]any) error {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
		placeholders[i] = "?"
		args[i] = toSQLValue(row[col])
		if col != "id" {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", quoted[i], quoted[i]))
		}
	}
	if len(updates) == 0 {
		updates = append(updates, "`id` = VALUES(`id`)")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		quoteIdent(table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)

	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return classify(op, table, err)
	}
	return nil
}

func (b *MySQLBackend) Delete(ctx context.Context, table, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", quoteIdent(table))
	if _, err := b.db.ExecContext(ctx, query, id); err != nil {
		return classify("delete", table, err)
	}
	return nil
}

func (b *MySQLBackend) SelectAll(ctx context.Context, table string, limit int) ([]map[string]any, error) {
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY last_modified DESC LIMIT ?", quoteIdent(table))
	rows, err := b.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, classify("select", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classify("select", table, err)
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify("select", table, err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = fromSQLValue(values[i])
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("select", table, err)
	}
	return result, nil
}

// classify splits failures per the engine's error taxonomy: a MySQL error
// means the backend answered and refused (rejected); everything else is a
// network-level failure (unreachable).
func classify(op, table string, err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return &RejectedError{Op: op, Table: table, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) {
		return fmt.Errorf("%w: %s on %s: %v", ErrUnreachable, op, table, err)
	}

	// Unknown driver failures are treated as unreachable so they get
	// retried rather than escalated.
	return fmt.Errorf("%w: %s on %s: %v", ErrUnreachable, op, table, err)
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "") + "`"
}

// toSQLValue flattens structured payload values into driver-friendly ones.
// Nested maps and slices travel as JSON text columns.
func toSQLValue(v any) any {
	switch v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, time.Time, []byte:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

func fromSQLValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	default:
		return v
	}
}
