package model

import "time"

// Ledger event types emitted through the outbox.
const (
	EventDepositCredited   = "deposit_credited"
	EventTransferCompleted = "transfer_completed"
)

// LedgerEvent is written in the same storage transaction as the balance
// change it describes and drained to Kafka by the reconciler binary.
type LedgerEvent struct {
	ID          uint64    `gorm:"primaryKey"`
	Aggregate   string    `gorm:"size:64;not null"`
	AggregateID uint64    `gorm:"not null"`
	EventType   string    `gorm:"size:64;not null"`
	Payload     string    `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Processed   bool      `gorm:"not null;default:false"`
	ProcessedAt *time.Time
}

func (LedgerEvent) TableName() string { return "ledger_event" }
