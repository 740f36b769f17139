package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/marcusvh/wallet-ledger/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicateReference is returned when a transaction reference is already taken.
var ErrDuplicateReference = errors.New("duplicate reference")

// RepositoryInterface restricts Repo methods (unit test mocks).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error)
	GetWalletByOwner(ctx context.Context, ownerID uint64) (*model.Wallet, error)
	GetWalletByNumber(ctx context.Context, number string) (*model.Wallet, error)
	CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	UpdateWalletBalance(ctx context.Context, tx *gorm.DB, walletID uint64, newBalance int64, oldVersion uint64) error
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error)
	GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, reference string) (*model.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	StoreInitPayload(ctx context.Context, reference, extraData string) error
	TouchVerificationAttempt(ctx context.Context, id uint64) error
	ListPendingDeposits(ctx context.Context, limit int) ([]model.Transaction, error)
	ListTransactions(ctx context.Context, walletID uint64, limit, offset int) ([]model.Transaction, error)
	CreateLedgerEvent(ctx context.Context, tx *gorm.DB, evt *model.LedgerEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.LedgerEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.LedgerEvent) error
	CacheBalance(ctx context.Context, walletID uint64, balance int64) error
	GetCachedBalance(ctx context.Context, walletID uint64) (int64, error)
	CreateAPIKey(ctx context.Context, tx *gorm.DB, k *model.APIKey) error
	GetAPIKey(ctx context.Context, id uint64) (*model.APIKey, error)
	ListUnrevokedKeys(ctx context.Context, ownerID uint64) ([]model.APIKey, error)
	ListCandidateKeys(ctx context.Context) ([]model.APIKey, error)
	SaveAPIKey(ctx context.Context, tx *gorm.DB, k *model.APIKey) error
	GetUserByGoogleID(ctx context.Context, googleID string) (*model.User, error)
	GetUserByID(ctx context.Context, id uint64) (*model.User, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetWalletForUpdate locks wallet row.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", walletID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWalletByOwner fetches the owner's wallet without a lock.
func (r *Repository) GetWalletByOwner(ctx context.Context, ownerID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWalletByNumber resolves the externally visible wallet number.
func (r *Repository) GetWalletByNumber(ctx context.Context, number string) (*model.Wallet, error) {
	var w model.Wallet
	if err := r.db.WithContext(ctx).Where("wallet_number = ?", number).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWallet inserts a wallet row.
func (r *Repository) CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	return tx.WithContext(ctx).Create(w).Error
}

// UpdateWalletBalance with optimistic version check on top of the row lock.
func (r *Repository) UpdateWalletBalance(ctx context.Context, tx *gorm.DB, walletID uint64, newBalance int64, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", walletID, oldVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("wallet version conflict")
	}
	return nil
}

// CreateTransaction inserts record; duplicate references surface as ErrDuplicateReference.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}

// GetTransactionByReference fetches without a lock.
func (r *Repository) GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTransactionForUpdate locks the transaction row inside tx.
func (r *Repository) GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, reference string) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reference = ?", reference).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTransaction persists all fields of t.
func (r *Repository) UpdateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Save(t).Error
}

// StoreInitPayload records the gateway init response on a still-pending row.
// A row that went terminal in the meantime keeps its settlement payload; the
// status guard stops this write from resurrecting it.
func (r *Repository) StoreInitPayload(ctx context.Context, reference, extraData string) error {
	return r.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("reference = ? AND status = ?", reference, model.StatusPending).
		Update("extra_data", extraData).Error
}

// TouchVerificationAttempt bumps attempt metadata outside any transaction so
// backoff advances even when the gateway call that follows fails.
func (r *Repository) TouchVerificationAttempt(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.Transaction{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"last_attempt_at": &now,
		}).Error
}

// ListPendingDeposits selects deposits awaiting reconciliation.
func (r *Repository) ListPendingDeposits(ctx context.Context, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND type = ?", model.StatusPending, model.TypeDeposit).
		Order("created_at").Limit(limit).Find(&txs).Error
	return txs, err
}

// ListTransactions pages a wallet's history, newest first.
func (r *Repository) ListTransactions(ctx context.Context, walletID uint64, limit, offset int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("created_at desc").
		Limit(limit).Offset(offset).
		Find(&txs).Error
	return txs, err
}

// CreateLedgerEvent writes an outbox row.
func (r *Repository) CreateLedgerEvent(ctx context.Context, tx *gorm.DB, evt *model.LedgerEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.LedgerEvent, error) {
	var evts []model.LedgerEvent
	err := r.db.WithContext(ctx).Where("processed = false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.LedgerEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.LedgerEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.ID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, walletID uint64, balance int64) error {
	return r.rdb.Set(ctx, fmt.Sprintf("balance:%d", walletID), balance, 5*time.Minute).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, walletID uint64) (int64, error) {
	return r.rdb.Get(ctx, fmt.Sprintf("balance:%d", walletID)).Int64()
}

// CreateAPIKey inserts a key row inside tx.
func (r *Repository) CreateAPIKey(ctx context.Context, tx *gorm.DB, k *model.APIKey) error {
	return tx.WithContext(ctx).Create(k).Error
}

// GetAPIKey fetches by id.
func (r *Repository) GetAPIKey(ctx context.Context, id uint64) (*model.APIKey, error) {
	var k model.APIKey
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&k).Error; err != nil {
		return nil, err
	}
	return &k, nil
}

// ListUnrevokedKeys returns an owner's non-revoked keys; expiry is filtered in
// the service where "now" lives.
func (r *Repository) ListUnrevokedKeys(ctx context.Context, ownerID uint64) ([]model.APIKey, error) {
	var keys []model.APIKey
	err := r.db.WithContext(ctx).Where("owner_id = ? AND revoked = false", ownerID).Find(&keys).Error
	return keys, err
}

// ListCandidateKeys returns every non-revoked key for secret verification.
func (r *Repository) ListCandidateKeys(ctx context.Context) ([]model.APIKey, error) {
	var keys []model.APIKey
	err := r.db.WithContext(ctx).Where("revoked = false").Find(&keys).Error
	return keys, err
}

// SaveAPIKey persists key mutations (revocation, rollover bookkeeping).
func (r *Repository) SaveAPIKey(ctx context.Context, tx *gorm.DB, k *model.APIKey) error {
	return tx.WithContext(ctx).Save(k).Error
}

// GetUserByGoogleID looks up the identity-provider subject.
func (r *Repository) GetUserByGoogleID(ctx context.Context, googleID string) (*model.User, error) {
	var u model.User
	if err := r.db.WithContext(ctx).Where("google_id = ?", googleID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByID fetches a user row.
func (r *Repository) GetUserByID(ctx context.Context, id uint64) (*model.User, error) {
	var u model.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}
