// Package audit keeps a durable trail of order lifecycle events and the
// idempotency records of the HTTP API.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"quorumpay/native/approval"
)

var (
	// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
	ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")
	// ErrIdempotencyInFlight is returned while the first request for a key is still running.
	ErrIdempotencyInFlight = errors.New("idempotency key is still being processed")
	// ErrDSNRequired is returned when no DSN is configured.
	ErrDSNRequired = errors.New("audit: dsn required")
)

// Store persists lifecycle events and idempotency keys through gorm.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ approval.Emitter = (*Store)(nil)

// Dialector chooses the gorm driver for dsn: PostgreSQL URLs and key/value
// DSNs go to the postgres driver, everything else is treated as SQLite.
func Dialector(dsn string) (gorm.Dialector, error) {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case trimmed == "":
		return nil, ErrDSNRequired
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"),
		strings.Contains(trimmed, "host="):
		return postgres.Open(trimmed), nil
	default:
		return sqlite.Open(trimmed), nil
	}
}

// Open connects to dsn and migrates the schema.
func Open(dsn string, log *slog.Logger) (*Store, error) {
	dialector, err := Dialector(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return New(db, log)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB, log *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("audit: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, logger: log.With("component", "audit"), now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit records evt. Failures are logged and never propagate to the workflow.
func (s *Store) Emit(ctx context.Context, evt approval.Event) {
	record := EventRecord{
		ID:         uuid.New(),
		Type:       evt.Type,
		OrderID:    evt.OrderID,
		EscrowRef:  evt.EscrowRef,
		Signer:     evt.Signer,
		Confirmed:  evt.Confirmed,
		Total:      evt.Total,
		Reason:     evt.Reason,
		TxHash:     evt.TxHash,
		OccurredAt: evt.OccurredAt,
		CreatedAt:  s.now(),
	}
	if evt.State.Valid() {
		record.State = evt.State.String()
	}
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Create(&record).Error; err != nil {
		s.logger.Error("audit event not recorded", "order", evt.OrderID, "event", evt.Type, "error", err)
	}
}

// Events returns the recorded trail of orderID in occurrence order.
func (s *Store) Events(ctx context.Context, orderID string) ([]EventRecord, error) {
	var records []EventRecord
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("occurred_at ASC").Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("load audit events: %w", err)
	}
	return records, nil
}

// HashRequest fingerprints a request body for idempotency comparisons.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ReserveIdempotency claims key for a request body hashed to requestHash. A
// nil record means the caller owns the key and must Complete or Release it.
// A completed key returns its stored response. A key still being processed
// yields ErrIdempotencyInFlight and one stored for a different body yields
// ErrIdempotencyMismatch.
func (s *Store) ReserveIdempotency(ctx context.Context, key, requestHash, method, path string) (*IdempotencyKey, error) {
	claim := IdempotencyKey{
		Key:         key,
		RequestHash: requestHash,
		Method:      method,
		Path:        path,
		CreatedAt:   s.now(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&claim)
	if result.Error != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return nil, nil
	}
	var record IdempotencyKey
	if err := s.db.WithContext(ctx).First(&record, "key = ?", key).Error; err != nil {
		return nil, fmt.Errorf("load idempotency key: %w", err)
	}
	if record.RequestHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	if record.Status == 0 {
		return nil, ErrIdempotencyInFlight
	}
	return &record, nil
}

// CompleteIdempotency stores the response of a reserved key.
func (s *Store) CompleteIdempotency(ctx context.Context, key string, status int, response string) error {
	err := s.db.WithContext(ctx).Model(&IdempotencyKey{}).
		Where("key = ? AND status = 0", key).
		Updates(map[string]interface{}{"status": status, "response": response}).Error
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// ReleaseIdempotency drops an uncompleted reservation so the key can be retried.
func (s *Store) ReleaseIdempotency(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Where("key = ? AND status = 0", key).Delete(&IdempotencyKey{}).Error
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
