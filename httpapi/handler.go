package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ineyio/creditledger"
)

// Handler serves the account endpoints.
type Handler struct {
	engine *creditledger.Engine
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(eng *creditledger.Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: eng, logger: logger}
}

type openRequest struct {
	Tier string `json:"tier" binding:"required"`
}

type consumeRequest struct {
	Operation      string `json:"operation" binding:"required"`
	Quantity       int64  `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
}

type bonusRequest struct {
	Amount         int64  `json:"amount" binding:"required"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type accountResponse struct {
	AccountID        string               `json:"account_id"`
	Tier             string               `json:"tier"`
	Balance          creditledger.Credits `json:"balance"`
	MonthlyAllowance creditledger.Credits `json:"monthly_allowance"`
	BonusBalance     int64                `json:"bonus_balance"`
	ConsumedLifetime int64                `json:"consumed_lifetime"`
	LastResetAt      time.Time            `json:"last_reset_at"`
}

func newAccountResponse(a creditledger.Account) accountResponse {
	return accountResponse{
		AccountID:        a.ID,
		Tier:             a.Tier,
		Balance:          a.Balance,
		MonthlyAllowance: a.MonthlyAllowance,
		BonusBalance:     a.BonusBalance,
		ConsumedLifetime: a.ConsumedLifetime,
		LastResetAt:      a.LastResetAt,
	}
}

// Health reports liveness and the ledger store breaker state. The service
// keeps answering through the fallback cache while the store is down.
func (h *Handler) Health(c *gin.Context) {
	state := h.engine.Health().State()
	status := "ok"
	if state != creditledger.HealthHealthy {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "store": state.String()})
}

// OpenAccount handles POST /v1/accounts/:id and opens the account on the requested tier.
func (h *Handler) OpenAccount(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	acc, err := h.engine.OpenAccount(c.Request.Context(), c.Param("id"), req.Tier)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAccountResponse(acc))
}

// Consume handles POST /v1/accounts/:id/consume.
func (h *Handler) Consume(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.engine.CheckAndConsume(c.Request.Context(), c.Param("id"), req.Operation, req.Quantity,
		creditledger.WithIdempotencyKey(idempotencyKey(c, req.IdempotencyKey)))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Balance handles GET /v1/accounts/:id/balance.
func (h *Handler) Balance(c *gin.Context) {
	bal, err := h.engine.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

// GrantBonus handles POST /v1/accounts/:id/bonus.
func (h *Handler) GrantBonus(c *gin.Context) {
	var req bonusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	acc, err := h.engine.GrantBonus(c.Request.Context(), c.Param("id"), req.Amount, req.Reason,
		creditledger.WithIdempotencyKey(idempotencyKey(c, req.IdempotencyKey)))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAccountResponse(acc))
}

// Reset handles POST /v1/accounts/:id/reset, a manual monthly reset.
func (h *Handler) Reset(c *gin.Context) {
	acc, err := h.engine.ApplyMonthlyReset(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAccountResponse(acc))
}

// Transactions handles GET /v1/accounts/:id/transactions?limit=N, most recent first.
func (h *Handler) Transactions(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(c, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	txs, err := h.engine.GetTransactionHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if txs == nil {
		txs = []creditledger.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

// idempotencyKey prefers the body field over the Idempotency-Key header.
func idempotencyKey(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.GetHeader("Idempotency-Key")
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var ice *creditledger.InsufficientCreditsError
	switch {
	case errors.As(err, &ice):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient credits",
			"required":  ice.Required,
			"available": ice.Available,
			"shortage":  ice.Shortage,
		})
	case errors.Is(err, creditledger.ErrInvalidAmount),
		errors.Is(err, creditledger.ErrUnknownOperation),
		errors.Is(err, creditledger.ErrUnknownTier):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, creditledger.ErrDuplicateRequest):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case creditledger.IsRetryable(err):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed",
			"path", c.FullPath(),
			"account", c.Param("id"),
			"request_id", c.GetString(requestIDKey),
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
