package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/marcusvh/wallet-ledger/internal/config"
	"github.com/marcusvh/wallet-ledger/internal/model"
	"github.com/marcusvh/wallet-ledger/internal/repo"
	"go.uber.org/zap"
)

const pendingBatchSize = 200

// Verifier is the crediting entry point shared with the webhook path.
type Verifier interface {
	VerifyAndCredit(ctx context.Context, reference string) (*model.Transaction, error)
}

// Reconciler re-verifies pending deposits the gateway never resolved via
// webhook. Two-tier backoff: the short interval while attempt_count is below
// the threshold, the long interval at or above it.
type Reconciler struct {
	repo repo.RepositoryInterface
	svc  Verifier
	cfg  config.ReconcileConfig
	log  *zap.SugaredLogger
	busy atomic.Bool
}

// NewReconciler returns Reconciler.
func NewReconciler(r repo.RepositoryInterface, svc Verifier, cfg config.ReconcileConfig, logger *zap.SugaredLogger) *Reconciler {
	return &Reconciler{repo: r, svc: svc, cfg: cfg, log: logger}
}

// Run ticks until the context is cancelled. A cycle still in flight when the
// next tick fires is skipped, not queued.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(r.cfg.TickSeconds) * time.Second)
	defer ticker.Stop()

	r.log.Info("reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.Cycle(ctx)
		}
	}
}

// Cycle processes one reconciliation pass. Returns false when skipped because
// a previous cycle is still running.
func (r *Reconciler) Cycle(ctx context.Context) bool {
	if !r.busy.CompareAndSwap(false, true) {
		r.log.Warn("reconcile cycle still running, skipping tick")
		return false
	}
	defer r.busy.Store(false)

	pending, err := r.repo.ListPendingDeposits(ctx, pendingBatchSize)
	if err != nil {
		r.log.Errorf("list pending deposits: %v", err)
		return true
	}
	now := time.Now()
	for i := range pending {
		txn := &pending[i]
		if !r.Due(txn, now) {
			continue
		}
		updated, err := r.svc.VerifyAndCredit(ctx, txn.Reference)
		if err != nil {
			// stays pending for the next cycle
			r.log.Warnf("reconcile %s: %v", txn.Reference, err)
			continue
		}
		if updated.Status != model.StatusPending {
			r.log.Infof("reconciled %s -> %s", txn.Reference, updated.Status)
		}
	}
	return true
}

// Due applies the two-tier backoff schedule to a pending deposit.
func (r *Reconciler) Due(txn *model.Transaction, now time.Time) bool {
	if txn.LastAttemptAt == nil {
		return true
	}
	interval := time.Duration(r.cfg.ShortInterval) * time.Second
	if txn.AttemptCount >= r.cfg.AttemptThreshold {
		interval = time.Duration(r.cfg.LongInterval) * time.Second
	}
	return now.Sub(*txn.LastAttemptAt) >= interval
}
