package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"canteen-settlement/internal/models"
	"canteen-settlement/internal/service"
	"canteen-settlement/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Settler is the settlement surface the HTTP layer drives
type Settler interface {
	Sell(ctx context.Context, req *service.SellRequest) (*service.SellResult, error)
	Refund(ctx context.Context, transactionID int64) (*service.RefundResult, error)
	GetTransaction(ctx context.Context, id int64) (*models.Transaction, error)
	Deposit(ctx context.Context, req *service.DepositRequest) (*service.DepositResult, error)
	DeleteAccount(ctx context.Context, ref models.AccountRef) error
	TopUpSchoolCredit(ctx context.Context, schoolID int64, amount decimal.Decimal, note, actor string) (*service.TopUpResult, error)
	SchoolCreditStatement(ctx context.Context, schoolID int64) (*service.SchoolCreditStatement, error)
	AccountHistory(ctx context.Context, ref models.AccountRef, limit int) ([]models.Transaction, error)
	SetCommissionRate(ctx context.Context, ratePercent decimal.Decimal, actor string) error
}

// Pinger is a dependency the readiness probe checks
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	settler    Settler
	dependents map[string]Pinger
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler. dependents are pinged by /ready.
func NewHandler(settler Settler, dependents map[string]Pinger) *Handler {
	return &Handler{
		settler:    settler,
		dependents: dependents,
		logger:     util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/sales", h.sell)
		v1.GET("/transactions/:id", h.getTransaction)
		v1.POST("/transactions/:id/refund", h.refund)
		v1.POST("/accounts/:kind/:id/deposits", h.deposit)
		v1.DELETE("/accounts/:kind/:id", h.deleteAccount)
		v1.GET("/accounts/:kind/:id/transactions", h.accountHistory)
		v1.GET("/schools/:id/credit", h.schoolCredit)
		v1.POST("/schools/:id/credit", h.topUpSchoolCredit)
		v1.PUT("/settings/commission-rate", h.setCommissionRate)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, dep := range h.dependents {
		if err := dep.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// sell handles a card purchase
func (h *Handler) sell(c *gin.Context) {
	var req service.SellRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if key := c.GetHeader("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	resp, err := h.settler.Sell(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, "Sale failed", err)
		return
	}

	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// refund handles reversal of a purchase
func (h *Handler) refund(c *gin.Context) {
	id, ok := parseID(c, "id", "Invalid transaction ID")
	if !ok {
		return
	}

	resp, err := h.settler.Refund(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "Refund failed", err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// getTransaction handles get transaction by ID
func (h *Handler) getTransaction(c *gin.Context) {
	id, ok := parseID(c, "id", "Invalid transaction ID")
	if !ok {
		return
	}

	txn, err := h.settler.GetTransaction(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "Transaction lookup failed", err)
		return
	}

	c.JSON(http.StatusOK, txn)
}

// deposit handles a wallet top-up
func (h *Handler) deposit(c *gin.Context) {
	ref, ok := parseAccountRef(c)
	if !ok {
		return
	}

	var req service.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	req.Account = ref

	resp, err := h.settler.Deposit(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, "Deposit failed", err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// deleteAccount removes a wallet with no outstanding debt
func (h *Handler) deleteAccount(c *gin.Context) {
	ref, ok := parseAccountRef(c)
	if !ok {
		return
	}

	if err := h.settler.DeleteAccount(c.Request.Context(), ref); err != nil {
		h.respondError(c, "Account deletion failed", err)
		return
	}

	c.Status(http.StatusNoContent)
}

// accountHistory lists a wallet's recent transactions
func (h *Handler) accountHistory(c *gin.Context) {
	ref, ok := parseAccountRef(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid limit",
			})
			return
		}
		limit = n
	}

	txns, err := h.settler.AccountHistory(c.Request.Context(), ref, limit)
	if err != nil {
		h.respondError(c, "History lookup failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
	})
}

// schoolCredit returns a school's credit balance and audit trail
func (h *Handler) schoolCredit(c *gin.Context) {
	schoolID, ok := parseID(c, "id", "Invalid school ID")
	if !ok {
		return
	}

	stmt, err := h.settler.SchoolCreditStatement(c.Request.Context(), schoolID)
	if err != nil {
		h.respondError(c, "School credit lookup failed", err)
		return
	}

	c.JSON(http.StatusOK, stmt)
}

type topUpRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note"`
}

// topUpSchoolCredit handles the admin credit adjustment
func (h *Handler) topUpSchoolCredit(c *gin.Context) {
	schoolID, ok := parseID(c, "id", "Invalid school ID")
	if !ok {
		return
	}

	actor, ok := requireActor(c)
	if !ok {
		return
	}

	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.settler.TopUpSchoolCredit(c.Request.Context(), schoolID, req.Amount, req.Note, actor)
	if err != nil {
		h.respondError(c, "Top-up failed", err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

type commissionRateRequest struct {
	RatePercent decimal.Decimal `json:"rate_percent"`
}

// setCommissionRate changes the fallback commission percentage
func (h *Handler) setCommissionRate(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	var req commissionRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.settler.SetCommissionRate(c.Request.Context(), req.RatePercent, actor); err != nil {
		h.respondError(c, "Commission rate update failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rate_percent": req.RatePercent,
	})
}

// respondError maps settlement errors onto HTTP statuses
func (h *Handler) respondError(c *gin.Context, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(message,
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	body := gin.H{
		"error":   message,
		"details": err.Error(),
	}

	var ife *models.InsufficientFundsError
	if errors.As(err, &ife) {
		body["balance"] = ife.Balance
		body["credit_limit"] = ife.CreditLimit
		body["attempted"] = ife.Attempted
	}

	c.JSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrAccountNotFound),
		errors.Is(err, models.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrEmptyCart),
		errors.Is(err, models.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrNotRefundable),
		errors.Is(err, models.ErrOutstandingDebt),
		errors.Is(err, models.ErrLockNotObtained),
		errors.Is(err, models.ErrIdempotencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseID(c *gin.Context, param, message string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": message,
		})
		return 0, false
	}
	return id, true
}

func requireActor(c *gin.Context) (string, bool) {
	actor := c.GetHeader("X-Actor")
	if actor == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "X-Actor header is required",
		})
		return "", false
	}
	return actor, true
}

func parseAccountRef(c *gin.Context) (models.AccountRef, bool) {
	kind := models.AccountKind(c.Param("kind"))
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Account kind must be student or staff",
		})
		return models.AccountRef{}, false
	}

	id, ok := parseID(c, "id", "Invalid account ID")
	if !ok {
		return models.AccountRef{}, false
	}
	return models.AccountRef{Kind: kind, ID: id}, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
