package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marqueehq/marquee/internal/pagination"
	"github.com/marqueehq/marquee/internal/validation"
)

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up member-facing ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/members/:id/balance", h.GetBalance)
	r.GET("/members/:id/history", h.GetHistory)
}

// RegisterStaffRoutes sets up staff-only ledger routes.
func (h *Handler) RegisterStaffRoutes(r *gin.RouterGroup) {
	r.POST("/members/:id/credits", h.RecordCredit)
}

// RegisterAdminRoutes sets up the operator reconciliation surface.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconcile", h.Reconcile)
	r.GET("/reconcile/:id", h.ReconcileMember)
}

// GetBalance handles GET /members/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	member := c.Param("id")

	// Support point-in-time query
	if tsStr := c.Query("at"); tsStr != "" {
		ts, err := time.Parse(time.RFC3339, tsStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_timestamp", "message": "Use RFC3339 format"})
			return
		}
		bal, err := h.ledger.BalanceAt(c.Request.Context(), member, ts)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_error", "message": "Failed to replay balance"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal, "at": tsStr})
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), member)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance": balance,
	})
}

// GetHistory handles GET /members/:id/history?limit=&cursor=
func (h *Handler) GetHistory(c *gin.Context) {
	member := c.Param("id")

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	entries, next, err := h.ledger.GetHistory(c.Request.Context(), member, limit, c.Query("cursor"))
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "Cursor is malformed",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	resp := gin.H{"entries": entries}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// CreditRequest records a staff-issued credit.
type CreditRequest struct {
	Amount      int64  `json:"amount"`
	Category    string `json:"category" binding:"required"`
	Channel     string `json:"channel"`
	Description string `json:"description"`
	DisplayRef  string `json:"displayRef"`
}

// RecordCredit handles POST /members/:id/credits (staff goodwill/promotions)
func (h *Handler) RecordCredit(c *gin.Context) {
	member := c.Param("id")

	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if req.Channel == "" {
		req.Channel = "staff"
	}

	if verrs := validation.Validate(
		validation.Required("category", req.Category),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
		validation.MaxLength("displayRef", req.DisplayRef, 64),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": verrs,
		})
		return
	}

	entry, tokens, err := h.ledger.Credit(c.Request.Context(), EntryParams{
		Member:      member,
		Amount:      req.Amount,
		Category:    req.Category,
		Channel:     req.Channel,
		Description: req.Description,
		DisplayRef:  req.DisplayRef,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidMember):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_member_id",
				"message": "member id must be email-shaped",
			})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Credit amount must not be negative",
			})
		default:
			h.logger.Error("credit failed", "member", member, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "credit_error",
				"message": "Failed to record credit",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"entry":  entry,
		"tokens": tokens,
	})
}

// Reconcile handles GET /reconcile — replays entry history vs stored totals.
func (h *Handler) Reconcile(c *gin.Context) {
	results, err := h.ledger.ReconcileAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_error",
			"message": err.Error(),
		})
		return
	}

	// Filter to show only discrepancies if requested
	if c.Query("discrepancies") == "true" {
		var filtered []*ReconciliationResult
		for _, r := range results {
			if !r.Match {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"count":   len(results),
	})
}

// ReconcileMember handles GET /reconcile/:id for a single account.
func (h *Handler) ReconcileMember(c *gin.Context) {
	result, err := h.ledger.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}
