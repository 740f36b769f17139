package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/marcusvh/wallet-ledger/internal/gateway"
	"github.com/marcusvh/wallet-ledger/internal/model"
	"github.com/marcusvh/wallet-ledger/internal/repo"
	"github.com/marcusvh/wallet-ledger/internal/service"
	"go.uber.org/zap"
)

// Handler wires the services into gin routes.
type Handler struct {
	ledger *service.LedgerService
	keys   *service.APIKeyService
	auth   *service.AuthService
	users  repo.RepositoryInterface
	log    *zap.SugaredLogger
}

// NewHandler returns Handler.
func NewHandler(ledger *service.LedgerService, keys *service.APIKeyService, auth *service.AuthService, users repo.RepositoryInterface, log *zap.SugaredLogger) *Handler {
	return &Handler{ledger: ledger, keys: keys, auth: auth, users: users, log: log}
}

// RegisterHandlers mounts all routes.
func (h *Handler) RegisterHandlers(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	auth := r.Group("/auth")
	{
		auth.GET("/google", h.googleLogin)
		auth.GET("/google/callback", h.googleCallback)
	}

	wallet := r.Group("/wallet")
	{
		wallet.POST("/deposit", h.RequireAuth(model.PermDeposit), h.initiateDeposit)
		wallet.POST("/paystack/webhook", h.paystackWebhook)
		wallet.GET("/deposit/:reference/status", h.RequireAuth(model.PermRead), h.depositStatus)
		wallet.GET("/balance", h.RequireAuth(model.PermRead), h.balance)
		wallet.POST("/transfer", h.RequireAuth(model.PermTransfer), h.transfer)
		wallet.GET("/transactions", h.RequireAuth(model.PermRead), h.transactions)
	}

	keys := r.Group("/keys", h.RequireBearer())
	{
		keys.POST("/create", h.createKey)
		keys.POST("/rollover", h.rolloverKey)
	}
}

type depositReq struct {
	Amount int64 `json:"amount" binding:"required"`
}

func (h *Handler) initiateDeposit(c *gin.Context) {
	var req depositReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	intent, err := h.ledger.InitiateDeposit(c.Request.Context(), currentUser(c), req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

func (h *Handler) paystackWebhook(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	signature := c.GetHeader("x-paystack-signature")
	txn, err := h.ledger.HandleWebhook(c.Request.Context(), raw, signature)
	if err != nil {
		// verification trouble leaves the row pending; ack so the gateway
		// does not retry-storm a handler that is working correctly
		if errors.Is(err, gateway.ErrUnavailable) {
			c.JSON(http.StatusOK, gin.H{"status": model.StatusPending})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": txn.Status})
}

func (h *Handler) depositStatus(c *gin.Context) {
	refresh := c.DefaultQuery("refresh", "true") != "false"
	txn, err := h.ledger.GetDepositStatus(c.Request.Context(), currentUser(c).ID, c.Param("reference"), refresh)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, transactionOut(txn))
}

func (h *Handler) balance(c *gin.Context) {
	wallet, err := h.ledger.GetBalance(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallet_number": wallet.WalletNumber,
		"balance":       wallet.Balance,
	})
}

type transferReq struct {
	RecipientWalletNumber string `json:"recipient_wallet_number" binding:"required"`
	Amount                int64  `json:"amount" binding:"required"`
	Reference             string `json:"reference"`
}

func (h *Handler) transfer(c *gin.Context) {
	var req transferReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	txn, err := h.ledger.Transfer(c.Request.Context(), currentUser(c).ID, req.RecipientWalletNumber, req.Amount, req.Reference)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reference": txn.Reference, "status": txn.Status})
}

func (h *Handler) transactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	txns, err := h.ledger.ListTransactions(c.Request.Context(), currentUser(c).ID, limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(txns))
	for i := range txns {
		out = append(out, transactionOut(&txns[i]))
	}
	c.JSON(http.StatusOK, out)
}

type createKeyReq struct {
	Name        string   `json:"name" binding:"required"`
	Permissions []string `json:"permissions" binding:"required"`
	Expiry      string   `json:"expiry" binding:"required"`
}

func (h *Handler) createKey(c *gin.Context) {
	var req createKeyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, secret, err := h.keys.Create(c.Request.Context(), currentUser(c).ID, req.Name, req.Permissions, req.Expiry)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, keyOut(key, secret))
}

type rolloverKeyReq struct {
	APIKeyID uint64 `json:"api_key_id" binding:"required"`
}

func (h *Handler) rolloverKey(c *gin.Context) {
	var req rolloverKeyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, secret, err := h.keys.Rollover(c.Request.Context(), currentUser(c).ID, req.APIKeyID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, keyOut(key, secret))
}

func (h *Handler) googleLogin(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"url": h.auth.LoginURL()})
}

func (h *Handler) googleCallback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
		return
	}
	idToken, err := h.auth.ExchangeCode(c.Request.Context(), code)
	if err != nil {
		h.writeError(c, err)
		return
	}
	user, err := h.auth.ResolveToken(c.Request.Context(), idToken)
	if err != nil {
		h.writeError(c, err)
		return
	}
	wallet, err := h.ledger.WalletForOwner(c.Request.Context(), user.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user": gin.H{
			"id":            user.ID,
			"email":         user.Email,
			"wallet_number": wallet.WalletNumber,
		},
		"id_token": idToken,
	})
}

func transactionOut(t *model.Transaction) gin.H {
	var extra json.RawMessage
	if t.ExtraData != "" {
		extra = json.RawMessage(t.ExtraData)
	}
	return gin.H{
		"reference":  t.Reference,
		"type":       t.Type,
		"status":     t.Status,
		"amount":     t.Amount,
		"extra_data": extra,
		"created_at": t.CreatedAt.Format(time.RFC3339),
	}
}

func keyOut(k *model.APIKey, secret string) gin.H {
	return gin.H{
		"id":          k.ID,
		"name":        k.Name,
		"permissions": model.SplitPermissions(k.Permissions),
		"expires_at":  k.ExpiresAt.Format(time.RFC3339),
		"revoked":     k.Revoked,
		"created_at":  k.CreatedAt.Format(time.RFC3339),
		"key":         secret,
	}
}

// writeError maps domain errors onto precise responses; anything unrecognized
// is logged server-side and returned as an opaque failure.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrMissingReference),
		errors.Is(err, service.ErrInvalidSignature),
		errors.Is(err, service.ErrInvalidPermission),
		errors.Is(err, service.ErrInvalidExpiry):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUnauthenticated),
		errors.Is(err, service.ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrWalletNotFound),
		errors.Is(err, service.ErrTransactionNotFound),
		errors.Is(err, service.ErrKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, repo.ErrDuplicateReference),
		errors.Is(err, service.ErrInsufficientBalance),
		errors.Is(err, service.ErrSelfTransfer),
		errors.Is(err, service.ErrRecipientNotFound),
		errors.Is(err, service.ErrKeyLimitReached),
		errors.Is(err, service.ErrKeyRevoked),
		errors.Is(err, service.ErrKeyNotExpired):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, gateway.ErrUnavailable),
		errors.Is(err, service.ErrIdentityUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream unavailable"})
	default:
		h.log.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
