package model

import (
	"strings"
	"time"
)

// API key permissions.
const (
	PermRead     = "read"
	PermDeposit  = "deposit"
	PermTransfer = "transfer"
)

// APIKey is a bearer credential carrying a permission set. SecretHash is
// base64(salt || pbkdf2(secret)); the plaintext secret is never stored.
type APIKey struct {
	ID          uint64    `gorm:"primaryKey"`
	OwnerID     uint64    `gorm:"index;not null"`
	Name        string    `gorm:"size:100;not null"`
	SecretHash  string    `gorm:"size:255;not null"`
	Permissions string    `gorm:"size:128;not null"`
	ExpiresAt   time.Time `gorm:"not null"`
	Revoked     bool      `gorm:"not null;default:false"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (APIKey) TableName() string { return "api_key" }

// Active reports whether the key is usable at the given instant.
func (k *APIKey) Active(now time.Time) bool {
	return !k.Revoked && k.ExpiresAt.After(now)
}

// HasPermission checks membership in the serialized permission set.
func (k *APIKey) HasPermission(perm string) bool {
	for _, p := range strings.Split(k.Permissions, ",") {
		if p == perm {
			return true
		}
	}
	return false
}

// JoinPermissions serializes a permission list for storage.
func JoinPermissions(perms []string) string { return strings.Join(perms, ",") }

// SplitPermissions deserializes a stored permission set.
func SplitPermissions(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
