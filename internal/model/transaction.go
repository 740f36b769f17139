package model

import "time"

// Transaction types.
const (
	TypeDeposit     = "deposit"
	TypeTransferIn  = "transfer_in"
	TypeTransferOut = "transfer_out"
)

// Transaction statuses. pending may move to success or failed; both are terminal.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Transaction is the append-mostly record of a balance-affecting event.
// Reference is globally unique and acts as the idempotency key.
type Transaction struct {
	ID            uint64     `gorm:"primaryKey"`
	Reference     string     `gorm:"size:64;uniqueIndex;not null"`
	WalletID      uint64     `gorm:"index;not null"`
	Type          string     `gorm:"size:32;not null"`
	Status        string     `gorm:"size:16;not null;default:'pending'"`
	Amount        int64      `gorm:"not null"`
	ExtraData     string     `gorm:"type:jsonb"`
	AttemptCount  int        `gorm:"not null;default:0"`
	LastAttemptAt *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

func (Transaction) TableName() string { return "transaction" }

// Terminal reports whether the status can no longer change.
func (t *Transaction) Terminal() bool {
	return t.Status == StatusSuccess || t.Status == StatusFailed
}
