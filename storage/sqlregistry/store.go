// Package sqlregistry persists approval orders in SQLite so operators can
// inspect them after a restart.
package sqlregistry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"quorumpay/native/approval"
)

const (
	defaultFilePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	maxUpdateAttempts  = 16
)

var (
	// ErrPathRequired is returned when no database path is configured.
	ErrPathRequired = errors.New("sqlregistry: database path required")
	// ErrConflict is returned when an update keeps losing the version race.
	ErrConflict = errors.New("sqlregistry: concurrent update conflict")
)

// FileDSN converts a filesystem path into an on-disk SQLite DSN with sensible
// defaults.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve registry path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// Store implements approval.Registry on top of database/sql. Updates use
// optimistic concurrency on the version column, so mutators may run more
// than once.
type Store struct {
	db *sql.DB
}

var _ approval.Registry = (*Store)(nil)

// Open connects to dsn and ensures the schema exists.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS orders (
            id TEXT PRIMARY KEY,
            escrow_ref TEXT NOT NULL,
            amount INTEGER NOT NULL,
            signers TEXT NOT NULL,
            approvals TEXT NOT NULL,
            deadline INTEGER NOT NULL,
            state TEXT NOT NULL,
            memo TEXT NOT NULL DEFAULT '',
            failure_reason TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            finalized_at INTEGER NOT NULL DEFAULT 0,
            version INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS orders_state_idx ON orders(state, created_at);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, order *approval.Order) error {
	if order == nil || order.ID == "" {
		return fmt.Errorf("%w: order id required", approval.ErrInvalidRequest)
	}
	stored := order.Clone()
	stored.Version = 1
	row, err := encode(stored)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO orders (
            id, escrow_ref, amount, signers, approvals, deadline, state, memo,
            failure_reason, created_at, finalized_at, version
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO NOTHING`,
		row.id, row.escrowRef, row.amount, row.signers, row.approvals, row.deadline, row.state,
		row.memo, row.failureReason, row.createdAt, row.finalizedAt, row.version)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", order.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return approval.ErrDuplicateOrder
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*approval.Order, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	return scanOrder(row)
}

// Update re-reads the order, applies mutate and commits only if no other
// writer bumped the version in between. Losing writers retry with fresh data.
func (s *Store) Update(ctx context.Context, id string, mutate approval.Mutator) (*approval.Order, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		working := current.Clone()
		if err := mutate(working); err != nil {
			return nil, err
		}
		working.ID = current.ID
		working.Version = current.Version + 1
		row, err := encode(working)
		if err != nil {
			return nil, err
		}
		res, err := s.db.ExecContext(ctx, `UPDATE orders SET
                escrow_ref = ?, amount = ?, signers = ?, approvals = ?, deadline = ?,
                state = ?, memo = ?, failure_reason = ?, finalized_at = ?, version = ?
            WHERE id = ? AND version = ?`,
			row.escrowRef, row.amount, row.signers, row.approvals, row.deadline,
			row.state, row.memo, row.failureReason, row.finalizedAt, row.version,
			row.id, current.Version)
		if err != nil {
			return nil, fmt.Errorf("update order %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 1 {
			return working, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: order %s", ErrConflict, id)
}

func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete order %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return approval.ErrOrderNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context, filter approval.Filter) ([]*approval.Order, error) {
	query := selectColumns
	var args []any
	if filter.State != 0 {
		query += ` WHERE state = ?`
		args = append(args, filter.State.String())
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	var orders []*approval.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

const selectColumns = `SELECT id, escrow_ref, amount, signers, approvals, deadline, state, memo,
        failure_reason, created_at, finalized_at, version FROM orders`

type orderRow struct {
	id            string
	escrowRef     string
	amount        int64
	signers       string
	approvals     string
	deadline      int64
	state         string
	memo          string
	failureReason string
	createdAt     int64
	finalizedAt   int64
	version       int64
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (*approval.Order, error) {
	var row orderRow
	err := sc.Scan(&row.id, &row.escrowRef, &row.amount, &row.signers, &row.approvals, &row.deadline,
		&row.state, &row.memo, &row.failureReason, &row.createdAt, &row.finalizedAt, &row.version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, approval.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return decode(row)
}

func encode(o *approval.Order) (orderRow, error) {
	signers, err := json.Marshal(nonNil(o.Signers))
	if err != nil {
		return orderRow{}, err
	}
	approvals, err := json.Marshal(nonNil(o.Approvals))
	if err != nil {
		return orderRow{}, err
	}
	return orderRow{
		id:            o.ID,
		escrowRef:     o.EscrowRef,
		amount:        o.Amount,
		signers:       string(signers),
		approvals:     string(approvals),
		deadline:      toUnixNano(o.Deadline),
		state:         o.State.String(),
		memo:          o.Memo,
		failureReason: o.FailureReason,
		createdAt:     toUnixNano(o.CreatedAt),
		finalizedAt:   toUnixNano(o.FinalizedAt),
		version:       int64(o.Version),
	}, nil
}

func decode(row orderRow) (*approval.Order, error) {
	state, err := approval.ParseState(row.state)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", row.id, err)
	}
	order := &approval.Order{
		ID:            row.id,
		EscrowRef:     row.escrowRef,
		Amount:        row.amount,
		Deadline:      fromUnixNano(row.deadline),
		State:         state,
		Memo:          row.memo,
		FailureReason: row.failureReason,
		CreatedAt:     fromUnixNano(row.createdAt),
		FinalizedAt:   fromUnixNano(row.finalizedAt),
		Version:       uint64(row.version),
	}
	if err := json.Unmarshal([]byte(row.signers), &order.Signers); err != nil {
		return nil, fmt.Errorf("order %s signers: %w", row.id, err)
	}
	if err := json.Unmarshal([]byte(row.approvals), &order.Approvals); err != nil {
		return nil, fmt.Errorf("order %s approvals: %w", row.id, err)
	}
	return order, nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
