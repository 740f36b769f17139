package model

import "time"

// Wallet holds a single integer balance in the smallest currency unit.
// Balance is mutated only by the ledger service inside a storage transaction.
type Wallet struct {
	ID           uint64    `gorm:"primaryKey;column:id"`
	OwnerID      uint64    `gorm:"uniqueIndex;not null"`
	WalletNumber string    `gorm:"size:10;uniqueIndex;not null"`
	Balance      int64     `gorm:"not null;default:0;check:balance >= 0"`
	Version      uint64    `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallet" }
