package audit

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventRecord is one committed order lifecycle transition.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Type       string    `gorm:"size:32;index"`
	OrderID    string    `gorm:"size:64;index"`
	EscrowRef  string    `gorm:"size:128"`
	Signer     string    `gorm:"size:255"`
	State      string    `gorm:"size:32"`
	Confirmed  int
	Total      int
	Reason     string    `gorm:"type:text"`
	TxHash     string    `gorm:"size:128"`
	OccurredAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// TableName pins the table name independent of gorm's pluralisation rules.
func (EventRecord) TableName() string { return "order_events" }

// IdempotencyKey stores the first response for a client supplied key. A zero
// Status marks a reservation whose request is still running.
type IdempotencyKey struct {
	Key         string `gorm:"primaryKey;size:128"`
	RequestHash string `gorm:"size:64"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the audit store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&EventRecord{},
		&IdempotencyKey{},
	)
}
