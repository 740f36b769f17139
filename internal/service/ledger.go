package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/marcusvh/wallet-ledger/internal/gateway"
	"github.com/marcusvh/wallet-ledger/internal/model"
	"github.com/marcusvh/wallet-ledger/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Validation failures.
var (
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrMissingReference = errors.New("missing reference")
)

// Conflict failures; no mutation occurs when these are returned.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSelfTransfer        = errors.New("cannot transfer to own wallet")
	ErrRecipientNotFound   = errors.New("recipient wallet not found")
)

// Not-found failures.
var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// ErrInvalidSignature rejects webhooks before any parsing or storage access.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// DepositIntent is returned to the caller after a deposit is initialized.
type DepositIntent struct {
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorization_url"`
}

// LedgerService is the sole writer of wallet balances. Both crediting entry
// points (webhook and reconciler) funnel into VerifyAndCredit.
type LedgerService struct {
	repo repo.RepositoryInterface
	gw   gateway.Gateway
	log  *zap.SugaredLogger
}

// NewLedgerService returns LedgerService.
func NewLedgerService(r repo.RepositoryInterface, gw gateway.Gateway, logger *zap.SugaredLogger) *LedgerService {
	return &LedgerService{repo: r, gw: gw, log: logger}
}

// WalletForOwner resolves the authenticated owner's wallet.
func (s *LedgerService) WalletForOwner(ctx context.Context, ownerID uint64) (*model.Wallet, error) {
	w, err := s.repo.GetWalletByOwner(ctx, ownerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return w, nil
}

// InitiateDeposit creates a pending transaction and asks the gateway to
// initialize collection. A failed gateway call marks the row failed rather
// than deleting it; references are never silently lost.
func (s *LedgerService) InitiateDeposit(ctx context.Context, owner *model.User, amount int64) (*DepositIntent, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	wallet, err := s.WalletForOwner(ctx, owner.ID)
	if err != nil {
		return nil, err
	}
	reference, err := s.freshReference(ctx)
	if err != nil {
		return nil, err
	}

	txn := &model.Transaction{
		Reference: reference,
		WalletID:  wallet.ID,
		Type:      model.TypeDeposit,
		Status:    model.StatusPending,
		Amount:    amount,
	}
	if err := s.repo.CreateTransaction(ctx, s.repo.DB(ctx), txn); err != nil {
		return nil, err
	}

	res, err := s.gw.Initialize(ctx, owner.Email, reference, amount)
	if err != nil {
		s.log.Warnf("initialize deposit %s: %v", reference, err)
		if mErr := s.markFailed(ctx, reference, ""); mErr != nil {
			s.log.Errorf("mark deposit %s failed: %v", reference, mErr)
		}
		return nil, err
	}

	// guarded write: a webhook can settle the row while Initialize is in
	// flight, and a full save here would drag it back to pending
	if err := s.repo.StoreInitPayload(ctx, reference, string(res.RawPayload)); err != nil {
		return nil, err
	}
	return &DepositIntent{Reference: reference, AuthorizationURL: res.AuthorizationURL}, nil
}

// VerifyAndCredit resolves a pending deposit against the gateway and credits
// the wallet at most once. Safe to call any number of times, concurrently or
// sequentially, from the webhook handler, the status endpoint and the
// reconciliation worker.
func (s *LedgerService) VerifyAndCredit(ctx context.Context, reference string) (*model.Transaction, error) {
	txn, err := s.repo.GetTransactionByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	// cheap short-circuit before touching the gateway
	if txn.Terminal() {
		return txn, nil
	}

	if err := s.repo.TouchVerificationAttempt(ctx, txn.ID); err != nil {
		return nil, err
	}

	res, err := s.gw.Verify(ctx, reference)
	if err != nil {
		// stays pending; the worker or a later manual check retries
		return txn, err
	}

	switch res.Outcome {
	case gateway.OutcomeSuccess:
		return s.credit(ctx, reference, res.RawPayload)
	case gateway.OutcomeFailed:
		if err := s.markFailed(ctx, reference, string(res.RawPayload)); err != nil {
			return nil, err
		}
		return s.repo.GetTransactionByReference(ctx, reference)
	default:
		return s.repo.GetTransactionByReference(ctx, reference)
	}
}

// credit applies the success outcome inside one storage transaction. The row
// is re-read under a lock and re-checked for pending status: two concurrent
// callers can both see a success outcome, but only one passes the re-check.
func (s *LedgerService) credit(ctx context.Context, reference string, payload json.RawMessage) (*model.Transaction, error) {
	var credited *model.Transaction
	var walletID uint64
	var newBalance int64
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := s.repo.GetTransactionForUpdate(ctx, tx, reference)
		if err != nil {
			return err
		}
		if txn.Status != model.StatusPending {
			credited = txn
			return nil
		}
		wallet, err := s.repo.GetWalletForUpdate(ctx, tx, txn.WalletID)
		if err != nil {
			return err
		}
		newBal := wallet.Balance + txn.Amount
		if err := s.repo.UpdateWalletBalance(ctx, tx, wallet.ID, newBal, wallet.Version); err != nil {
			return err
		}
		txn.Status = model.StatusSuccess
		txn.ExtraData = string(payload)
		if err := s.repo.UpdateTransaction(ctx, tx, txn); err != nil {
			return err
		}
		evtPayload, _ := json.Marshal(map[string]interface{}{
			"wallet_id": wallet.ID, "reference": txn.Reference, "amount": txn.Amount, "balance": newBal,
		})
		evt := &model.LedgerEvent{
			Aggregate: "Wallet", AggregateID: wallet.ID,
			EventType: model.EventDepositCredited, Payload: string(evtPayload),
		}
		if err := s.repo.CreateLedgerEvent(ctx, tx, evt); err != nil {
			return err
		}
		credited = txn
		walletID = wallet.ID
		newBalance = newBal
		return nil
	})
	if err != nil {
		return nil, err
	}
	if walletID != 0 {
		if err := s.repo.CacheBalance(ctx, walletID, newBalance); err != nil {
			s.log.Warnf("cache balance wallet=%d: %v", walletID, err)
		}
	}
	return credited, nil
}

// markFailed transitions a still-pending row to failed. Terminal rows are
// left untouched.
func (s *LedgerService) markFailed(ctx context.Context, reference, payload string) error {
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := s.repo.GetTransactionForUpdate(ctx, tx, reference)
		if err != nil {
			return err
		}
		if txn.Status != model.StatusPending {
			return nil
		}
		txn.Status = model.StatusFailed
		if payload != "" {
			txn.ExtraData = payload
		}
		return s.repo.UpdateTransaction(ctx, tx, txn)
	})
}

type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
	} `json:"data"`
}

// HandleWebhook authenticates the raw body, extracts the reference and runs
// the shared crediting algorithm. References never originate from webhooks;
// unknown ones are rejected.
func (s *LedgerService) HandleWebhook(ctx context.Context, rawBody []byte, signature string) (*model.Transaction, error) {
	if !s.gw.ValidateSignature(rawBody, signature) {
		return nil, ErrInvalidSignature
	}
	var payload webhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("%w: bad webhook body", ErrMissingReference)
	}
	if payload.Data.Reference == "" {
		return nil, ErrMissingReference
	}
	return s.VerifyAndCredit(ctx, payload.Data.Reference)
}

// GetDepositStatus returns the owner's transaction, by default re-running
// verification as a synchronous fallback while the row is still pending.
// Gateway trouble is absorbed; the current row is returned either way.
func (s *LedgerService) GetDepositStatus(ctx context.Context, ownerID uint64, reference string, refresh bool) (*model.Transaction, error) {
	wallet, err := s.WalletForOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	txn, err := s.repo.GetTransactionByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if txn.WalletID != wallet.ID {
		return nil, ErrTransactionNotFound
	}
	if refresh && txn.Status == model.StatusPending {
		updated, err := s.VerifyAndCredit(ctx, reference)
		if err != nil {
			s.log.Warnf("status refresh %s: %v", reference, err)
			return txn, nil
		}
		return updated, nil
	}
	return txn, nil
}

// Transfer moves amount between two wallets atomically. Wallets are locked in
// ascending id order so opposite-direction transfers cannot deadlock. Partial
// transfers are impossible by construction: every mutation shares one storage
// transaction.
func (s *LedgerService) Transfer(ctx context.Context, ownerID uint64, recipientNumber string, amount int64, reference string) (*model.Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	sender, err := s.WalletForOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	recipient, err := s.repo.GetWalletByNumber(ctx, recipientNumber)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}
	if recipient.ID == sender.ID {
		return nil, ErrSelfTransfer
	}
	if reference == "" {
		if reference, err = s.freshReference(ctx); err != nil {
			return nil, err
		}
	} else if _, err := s.repo.GetTransactionByReference(ctx, reference); err == nil {
		return nil, repo.ErrDuplicateReference
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var out *model.Transaction
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		// lock wallets in deterministic order
		firstID, secondID := sender.ID, recipient.ID
		if secondID < firstID {
			firstID, secondID = secondID, firstID
		}
		w1, err := s.repo.GetWalletForUpdate(ctx, tx, firstID)
		if err != nil {
			return err
		}
		w2, err := s.repo.GetWalletForUpdate(ctx, tx, secondID)
		if err != nil {
			return err
		}
		wFrom, wTo := w1, w2
		if firstID != sender.ID {
			wFrom, wTo = w2, w1
		}
		if wFrom.Balance < amount {
			return ErrInsufficientBalance
		}
		newFrom := wFrom.Balance - amount
		newTo := wTo.Balance + amount
		if err := s.repo.UpdateWalletBalance(ctx, tx, wFrom.ID, newFrom, wFrom.Version); err != nil {
			return err
		}
		if err := s.repo.UpdateWalletBalance(ctx, tx, wTo.ID, newTo, wTo.Version); err != nil {
			return err
		}

		outExtra, _ := json.Marshal(map[string]interface{}{
			"recipient_wallet_id": wTo.ID, "recipient_wallet_number": recipient.WalletNumber,
		})
		inExtra, _ := json.Marshal(map[string]interface{}{
			"sender_wallet_id": wFrom.ID, "sender_wallet_number": sender.WalletNumber,
		})
		txOut := &model.Transaction{
			Reference: reference, WalletID: wFrom.ID,
			Type: model.TypeTransferOut, Status: model.StatusSuccess,
			Amount: amount, ExtraData: string(outExtra),
		}
		txIn := &model.Transaction{
			Reference: reference + ":in", WalletID: wTo.ID,
			Type: model.TypeTransferIn, Status: model.StatusSuccess,
			Amount: amount, ExtraData: string(inExtra),
		}
		if err := s.repo.CreateTransaction(ctx, tx, txOut); err != nil {
			return err
		}
		if err := s.repo.CreateTransaction(ctx, tx, txIn); err != nil {
			return err
		}
		evtPayload, _ := json.Marshal(map[string]interface{}{
			"from": wFrom.ID, "to": wTo.ID, "amount": amount, "reference": reference,
		})
		evt := &model.LedgerEvent{
			Aggregate: "Wallet", AggregateID: wFrom.ID,
			EventType: model.EventTransferCompleted, Payload: string(evtPayload),
		}
		if err := s.repo.CreateLedgerEvent(ctx, tx, evt); err != nil {
			return err
		}
		if err := s.repo.CacheBalance(ctx, wFrom.ID, newFrom); err != nil {
			s.log.Warn(err)
		}
		if err := s.repo.CacheBalance(ctx, wTo.ID, newTo); err != nil {
			s.log.Warn(err)
		}
		out = txOut
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetBalance serves the cached balance when available, falling back to the row.
func (s *LedgerService) GetBalance(ctx context.Context, ownerID uint64) (*model.Wallet, error) {
	wallet, err := s.WalletForOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if bal, err := s.repo.GetCachedBalance(ctx, wallet.ID); err == nil {
		wallet.Balance = bal
		return wallet, nil
	}
	if err := s.repo.CacheBalance(ctx, wallet.ID, wallet.Balance); err != nil {
		s.log.Warn(err)
	}
	return wallet, nil
}

// ListTransactions pages the owner's history, newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, ownerID uint64, limit, offset int) ([]model.Transaction, error) {
	wallet, err := s.WalletForOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListTransactions(ctx, wallet.ID, limit, offset)
}

// freshReference generates a reference that is not yet in the ledger.
func (s *LedgerService) freshReference(ctx context.Context) (string, error) {
	for {
		ref := strings.ReplaceAll(uuid.NewString(), "-", "")
		_, err := s.repo.GetTransactionByReference(ctx, ref)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ref, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// generateWalletNumber returns a fixed-length numeric wallet number. Bytes of
// 250 and above are rejected so every digit is uniform.
func generateWalletNumber() (string, error) {
	const digits = "0123456789"
	out := make([]byte, 0, 10)
	buf := make([]byte, 16)
	for len(out) < 10 {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= 250 {
				continue
			}
			out = append(out, digits[b%10])
			if len(out) == 10 {
				break
			}
		}
	}
	return string(out), nil
}
