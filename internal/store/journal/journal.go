// Package journal keeps an append-only audit trail of committed order status
// changes in a standalone sqlite file, independent of the main store driver.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one committed transition.
type Entry struct {
	ID         int64
	OrderID    int64
	RunID      int64
	FromStatus string
	ToStatus   string
	Reason     string
	Source     string
	At         time.Time
}

// Journal wraps a sqlite database for transition entries.
type Journal struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens or creates the journal database.
func Open(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("journal path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db, path: path}, nil
}

func ensureSchema(db *sql.DB) error {
	stmt := `
	CREATE TABLE IF NOT EXISTS order_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id INTEGER NOT NULL,
		run_id INTEGER,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT,
		source TEXT,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_order_transitions_order ON order_transitions(order_id);
	`
	_, err := db.Exec(stmt)
	return err
}

// Close closes the underlying db.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

func (j *Journal) handle() (*sql.DB, error) {
	if j == nil {
		return nil, fmt.Errorf("journal 未初始化")
	}
	j.mu.Lock()
	db := j.db
	j.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("journal 未初始化")
	}
	return db, nil
}

// Append records a transition. Entries are never updated or deleted.
func (j *Journal) Append(ctx context.Context, e Entry) error {
	db, err := j.handle()
	if err != nil {
		return err
	}
	if e.OrderID <= 0 {
		return fmt.Errorf("journal: order_id 需 > 0")
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO order_transitions(order_id, run_id, from_status, to_status, reason, source, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.OrderID, nullIfZero(e.RunID), e.FromStatus, e.ToStatus,
		nullIfEmpty(e.Reason), nullIfEmpty(e.Source), at.UnixMilli())
	return err
}

// ListByOrder returns an order's transitions oldest first.
func (j *Journal) ListByOrder(ctx context.Context, orderID int64) ([]Entry, error) {
	db, err := j.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, order_id, run_id, from_status, to_status, reason, source, at
		FROM order_transitions WHERE order_id = ? ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			runID  sql.NullInt64
			reason sql.NullString
			source sql.NullString
			at     int64
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &runID, &e.FromStatus, &e.ToStatus, &reason, &source, &at); err != nil {
			return nil, err
		}
		e.RunID = runID.Int64
		e.Reason = reason.String
		e.Source = source.String
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfZero(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullIfEmpty(s string) interface{} {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}
