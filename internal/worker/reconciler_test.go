package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/marcusvh/wallet-ledger/internal/config"
	"github.com/marcusvh/wallet-ledger/internal/logger"
	"github.com/marcusvh/wallet-ledger/internal/model"
	"github.com/marcusvh/wallet-ledger/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeVerifier struct {
	mu      sync.Mutex
	seen    []string
	err     error
	release chan struct{}
}

func (f *fakeVerifier) VerifyAndCredit(ctx context.Context, reference string) (*model.Transaction, error) {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	f.seen = append(f.seen, reference)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &model.Transaction{Reference: reference, Status: model.StatusSuccess}, nil
}

func (f *fakeVerifier) references() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func reconcileCfg() config.ReconcileConfig {
	return config.ReconcileConfig{
		Enabled: true, TickSeconds: 1,
		ShortInterval: 60, LongInterval: 120, AttemptThreshold: 5,
	}
}

func newWorkerHarness(t *testing.T) (*repo.Repository, *gorm.DB) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.Transaction{}, &model.LedgerEvent{}))

	rdb, _ := redismock.NewClientMock()
	log, _ := logger.NewLogger()
	return repo.NewRepository(db, rdb, &kafka.Writer{}, log), db
}

func pendingDeposit(reference string, attempts int, lastAttempt *time.Time) *model.Transaction {
	return &model.Transaction{
		Reference: reference, WalletID: 1, Type: model.TypeDeposit,
		Status: model.StatusPending, Amount: 100,
		AttemptCount: attempts, LastAttemptAt: lastAttempt,
	}
}

func TestDue_TwoTierBackoff(t *testing.T) {
	repository, _ := newWorkerHarness(t)
	log, _ := logger.NewLogger()
	r := NewReconciler(repository, &fakeVerifier{}, reconcileCfg(), log)
	now := time.Now()

	// never attempted: immediately due
	assert.True(t, r.Due(pendingDeposit("a", 0, nil), now))

	// below threshold: short interval applies
	recent := now.Add(-30 * time.Second)
	stale := now.Add(-61 * time.Second)
	assert.False(t, r.Due(pendingDeposit("b", 2, &recent), now))
	assert.True(t, r.Due(pendingDeposit("c", 2, &stale), now))

	// at/above threshold: only the long interval triggers
	assert.False(t, r.Due(pendingDeposit("d", 5, &stale), now))
	longStale := now.Add(-121 * time.Second)
	assert.True(t, r.Due(pendingDeposit("e", 5, &longStale), now))
	assert.True(t, r.Due(pendingDeposit("f", 9, &longStale), now))
}

func TestCycle_VerifiesDueDepositsOnly(t *testing.T) {
	repository, db := newWorkerHarness(t)
	recent := time.Now().Add(-5 * time.Second)
	assert.NoError(t, db.Create(pendingDeposit("due-now", 0, nil)).Error)
	assert.NoError(t, db.Create(pendingDeposit("not-due", 1, &recent)).Error)
	// terminal and non-deposit rows are never selected
	assert.NoError(t, db.Create(&model.Transaction{
		Reference: "done", WalletID: 1, Type: model.TypeDeposit,
		Status: model.StatusSuccess, Amount: 100,
	}).Error)
	assert.NoError(t, db.Create(&model.Transaction{
		Reference: "xfer", WalletID: 1, Type: model.TypeTransferOut,
		Status: model.StatusPending, Amount: 100,
	}).Error)

	fv := &fakeVerifier{}
	log, _ := logger.NewLogger()
	r := NewReconciler(repository, fv, reconcileCfg(), log)

	assert.True(t, r.Cycle(context.Background()))
	assert.Equal(t, []string{"due-now"}, fv.references())
}

func TestCycle_FailureIsIsolated(t *testing.T) {
	repository, db := newWorkerHarness(t)
	assert.NoError(t, db.Create(pendingDeposit("first", 0, nil)).Error)
	assert.NoError(t, db.Create(pendingDeposit("second", 0, nil)).Error)

	fv := &fakeVerifier{err: fmt.Errorf("gateway down")}
	log, _ := logger.NewLogger()
	r := NewReconciler(repository, fv, reconcileCfg(), log)

	// one bad reference must not stop the rest of the cycle
	assert.True(t, r.Cycle(context.Background()))
	assert.ElementsMatch(t, []string{"first", "second"}, fv.references())
}

func TestCycle_SkipsWhileBusy(t *testing.T) {
	repository, db := newWorkerHarness(t)
	assert.NoError(t, db.Create(pendingDeposit("slow", 0, nil)).Error)

	fv := &fakeVerifier{release: make(chan struct{})}
	log, _ := logger.NewLogger()
	r := NewReconciler(repository, fv, reconcileCfg(), log)

	done := make(chan bool)
	go func() { done <- r.Cycle(context.Background()) }()

	// wait for the cycle to reach the blocking verifier
	assert.Eventually(t, func() bool { return r.busy.Load() }, time.Second, 5*time.Millisecond)

	// the overlapping cycle is skipped, not queued
	assert.False(t, r.Cycle(context.Background()))

	close(fv.release)
	assert.True(t, <-done)
	assert.Equal(t, []string{"slow"}, fv.references())
}

func TestPublisher_FailedPublishRetained(t *testing.T) {
	repository, db := newWorkerHarness(t)
	assert.NoError(t, db.Create(&model.LedgerEvent{
		Aggregate: "Wallet", AggregateID: 1,
		EventType: model.EventDepositCredited, Payload: `{"amount":100}`,
	}).Error)

	log, _ := logger.NewLogger()
	p := NewPublisher(repository, log)

	// the zero-value kafka writer fails to publish; the event must survive
	p.Drain(context.Background())
	var unprocessed int64
	assert.NoError(t, db.Model(&model.LedgerEvent{}).Where("processed = false").Count(&unprocessed).Error)
	assert.Equal(t, int64(1), unprocessed)
}
