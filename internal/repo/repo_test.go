package repo

import (
	"context"
	"sync"
	"testing"

	"github.com/marcusvh/wallet-ledger/internal/logger"
	"github.com/marcusvh/wallet-ledger/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestWalletUpdate_ConcurrentVersionConflict(t *testing.T) {
	db, _ := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	_ = db.AutoMigrate(&model.Wallet{})

	// seed wallet
	db.Create(&model.Wallet{ID: 1, OwnerID: 1, WalletNumber: "0000000001", Balance: 100})

	repo := NewRepository(db, nil, &kafka.Writer{}, must(logger.NewLogger()))

	wg := sync.WaitGroup{}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = db.Transaction(func(tx *gorm.DB) error {
				w, err := repo.GetWalletForUpdate(context.Background(), tx, 1)
				if err != nil {
					return err
				}
				return repo.UpdateWalletBalance(context.Background(), tx, 1, w.Balance+10, w.Version)
			})
		}()
	}
	wg.Wait()

	var final model.Wallet
	_ = db.First(&final, 1).Error

	assert.Equal(t, int64(110), final.Balance, "only one concurrent update should pass the version check")
}

func TestCreateTransaction_DuplicateReference(t *testing.T) {
	db, _ := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	_ = db.AutoMigrate(&model.Transaction{})

	repo := NewRepository(db, nil, &kafka.Writer{}, must(logger.NewLogger()))
	ctx := context.Background()

	first := &model.Transaction{Reference: "R1", WalletID: 1, Type: model.TypeDeposit, Status: model.StatusPending, Amount: 100}
	assert.NoError(t, repo.CreateTransaction(ctx, repo.DB(ctx), first))

	dup := &model.Transaction{Reference: "R1", WalletID: 2, Type: model.TypeDeposit, Status: model.StatusPending, Amount: 200}
	err := repo.CreateTransaction(ctx, repo.DB(ctx), dup)
	assert.ErrorIs(t, err, ErrDuplicateReference)
}

func TestTouchVerificationAttempt(t *testing.T) {
	db, _ := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	_ = db.AutoMigrate(&model.Transaction{})

	repo := NewRepository(db, nil, &kafka.Writer{}, must(logger.NewLogger()))
	ctx := context.Background()

	txn := &model.Transaction{Reference: "R1", WalletID: 1, Type: model.TypeDeposit, Status: model.StatusPending, Amount: 100}
	assert.NoError(t, repo.CreateTransaction(ctx, repo.DB(ctx), txn))

	assert.NoError(t, repo.TouchVerificationAttempt(ctx, txn.ID))
	assert.NoError(t, repo.TouchVerificationAttempt(ctx, txn.ID))

	got, err := repo.GetTransactionByReference(ctx, "R1")
	assert.NoError(t, err)
	assert.Equal(t, 2, got.AttemptCount)
	assert.NotNil(t, got.LastAttemptAt)
}

func TestStoreInitPayload_OnlyWhilePending(t *testing.T) {
	db, _ := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	_ = db.AutoMigrate(&model.Transaction{})

	repo := NewRepository(db, nil, &kafka.Writer{}, must(logger.NewLogger()))
	ctx := context.Background()

	pending := &model.Transaction{Reference: "R1", WalletID: 1, Type: model.TypeDeposit, Status: model.StatusPending, Amount: 100}
	assert.NoError(t, repo.CreateTransaction(ctx, repo.DB(ctx), pending))
	assert.NoError(t, repo.StoreInitPayload(ctx, "R1", `{"authorization_url":"x"}`))

	got, err := repo.GetTransactionByReference(ctx, "R1")
	assert.NoError(t, err)
	assert.Equal(t, `{"authorization_url":"x"}`, got.ExtraData)
	assert.Equal(t, model.StatusPending, got.Status)

	// a settled row keeps its payload and its status
	settled := &model.Transaction{Reference: "R2", WalletID: 1, Type: model.TypeDeposit, Status: model.StatusSuccess, Amount: 100, ExtraData: `{"status":"success"}`}
	assert.NoError(t, repo.CreateTransaction(ctx, repo.DB(ctx), settled))
	assert.NoError(t, repo.StoreInitPayload(ctx, "R2", `{"authorization_url":"x"}`))

	got, err = repo.GetTransactionByReference(ctx, "R2")
	assert.NoError(t, err)
	assert.Equal(t, `{"status":"success"}`, got.ExtraData)
	assert.Equal(t, model.StatusSuccess, got.Status)
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}
