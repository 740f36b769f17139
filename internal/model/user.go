package model

import "time"

// User is provisioned at first login; its wallet is created in the same
// storage transaction and lives forever.
type User struct {
	ID        uint64    `gorm:"primaryKey"`
	Email     string    `gorm:"size:255;uniqueIndex;not null"`
	GoogleID  string    `gorm:"size:255;uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (User) TableName() string { return "app_user" }
