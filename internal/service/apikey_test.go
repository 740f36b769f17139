package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/marcusvh/wallet-ledger/internal/logger"
	"github.com/marcusvh/wallet-ledger/internal/model"
	"github.com/marcusvh/wallet-ledger/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newKeyHarness(t *testing.T) (*APIKeyService, *gorm.DB, context.Context) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.APIKey{}))

	rdb, _ := redismock.NewClientMock()
	log, _ := logger.NewLogger()
	repository := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	return NewAPIKeyService(repository, 5, log), db, context.Background()
}

func TestAPIKey_CreateAndAuthenticate(t *testing.T) {
	svc, _, ctx := newKeyHarness(t)

	key, secret, err := svc.Create(ctx, 1, "ci", []string{model.PermRead, model.PermDeposit}, "1D")
	assert.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.NotContains(t, key.SecretHash, secret)

	got, err := svc.Authenticate(ctx, secret, model.PermRead)
	assert.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)

	// valid credential, missing capability: authorization failure
	_, err = svc.Authenticate(ctx, secret, model.PermTransfer)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// bad secret: authentication failure
	_, err = svc.Authenticate(ctx, "not-the-secret", model.PermRead)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAPIKey_InvalidInputs(t *testing.T) {
	svc, _, ctx := newKeyHarness(t)

	_, _, err := svc.Create(ctx, 1, "bad", []string{"admin"}, "1D")
	assert.ErrorIs(t, err, ErrInvalidPermission)

	_, _, err = svc.Create(ctx, 1, "bad", []string{model.PermRead}, "2W")
	assert.ErrorIs(t, err, ErrInvalidExpiry)
}

func TestAPIKey_ActiveCeiling(t *testing.T) {
	svc, db, ctx := newKeyHarness(t)

	for i := 0; i < 5; i++ {
		_, _, err := svc.Create(ctx, 1, fmt.Sprintf("k%d", i), []string{model.PermRead}, "1D")
		assert.NoError(t, err)
	}
	_, _, err := svc.Create(ctx, 1, "overflow", []string{model.PermRead}, "1D")
	assert.ErrorIs(t, err, ErrKeyLimitReached)

	// another owner is unaffected
	_, _, err = svc.Create(ctx, 2, "other", []string{model.PermRead}, "1D")
	assert.NoError(t, err)

	// expired keys do not count against the ceiling
	assert.NoError(t, db.Model(&model.APIKey{}).Where("owner_id = 1 AND name = 'k0'").
		Update("expires_at", time.Now().Add(-time.Hour)).Error)
	_, _, err = svc.Create(ctx, 1, "replacement", []string{model.PermRead}, "1D")
	assert.NoError(t, err)
}

func TestAPIKey_ExpiredRejected(t *testing.T) {
	svc, db, ctx := newKeyHarness(t)

	_, secret, err := svc.Create(ctx, 1, "shortlived", []string{model.PermRead}, "1H")
	assert.NoError(t, err)
	assert.NoError(t, db.Model(&model.APIKey{}).Where("owner_id = 1").
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	_, err = svc.Authenticate(ctx, secret, model.PermRead)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAPIKey_Rollover(t *testing.T) {
	svc, db, ctx := newKeyHarness(t)

	key, _, err := svc.Create(ctx, 1, "rotating", []string{model.PermRead, model.PermTransfer}, "1D")
	assert.NoError(t, err)

	// still active: rollover refused
	_, _, err = svc.Rollover(ctx, 1, key.ID)
	assert.ErrorIs(t, err, ErrKeyNotExpired)

	// someone else's key looks like it does not exist
	_, _, err = svc.Rollover(ctx, 2, key.ID)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.NoError(t, db.Model(&model.APIKey{}).Where("id = ?", key.ID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	next, secret, err := svc.Rollover(ctx, 1, key.ID)
	assert.NoError(t, err)
	assert.Equal(t, key.Permissions, next.Permissions)
	assert.Equal(t, key.Name, next.Name)
	assert.True(t, next.ExpiresAt.After(time.Now()))

	got, err := svc.Authenticate(ctx, secret, model.PermTransfer)
	assert.NoError(t, err)
	assert.Equal(t, next.ID, got.ID)

	// the source key is terminally revoked
	var source model.APIKey
	assert.NoError(t, db.First(&source, key.ID).Error)
	assert.True(t, source.Revoked)
	_, _, err = svc.Rollover(ctx, 1, key.ID)
	assert.ErrorIs(t, err, ErrKeyRevoked)
}
