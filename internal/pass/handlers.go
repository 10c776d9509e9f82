package pass

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marqueehq/marquee/internal/idgen"
	"github.com/marqueehq/marquee/internal/ledger"
	"github.com/marqueehq/marquee/internal/validation"
)

// TokenLedger is the slice of the ledger the pass surface needs. A link is
// recorded as a zero-amount credit so it shows in the member's history, and
// the balance read seeds the first sync.
type TokenLedger interface {
	Credit(ctx context.Context, p ledger.EntryParams) (*ledger.Entry, int64, error)
	GetBalance(ctx context.Context, member string) (*ledger.Balance, error)
}

// Handler provides HTTP endpoints for pass registration management.
type Handler struct {
	store  Store
	syncer *Syncer
	tokens TokenLedger
	logger *slog.Logger
}

// NewHandler creates a pass registration handler.
func NewHandler(store Store, syncer *Syncer, tokens TokenLedger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, syncer: syncer, tokens: tokens, logger: logger}
}

// RegisterRoutes sets up pass registration routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/members/:id/passes", h.RegisterPass)
	r.GET("/members/:id/passes", h.ListPasses)
	r.DELETE("/members/:id/passes/:passId", h.DeletePass)
}

// RegisterPassRequest is the POST body for adding a wallet pass.
type RegisterPassRequest struct {
	Platform     string `json:"platform" binding:"required"`
	SerialNumber string `json:"serialNumber" binding:"required"`
}

// RegisterPass handles POST /members/:id/passes.
func (h *Handler) RegisterPass(c *gin.Context) {
	member := validation.SanitizeMemberID(c.Param("id"))
	if !validation.IsValidMemberID(member) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_member_id",
			"message": "member id must be an email address",
		})
		return
	}

	var req RegisterPassRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	platform := Platform(req.Platform)
	if !ValidPlatform(platform) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_platform",
			"message": "platform must be apple or google",
		})
		return
	}

	reg := &Registration{
		ID:           idgen.WithPrefix("pas_"),
		Member:       member,
		Platform:     platform,
		SerialNumber: req.SerialNumber,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), reg); err != nil {
		h.logger.Error("pass registration failed", "member", member, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to register pass",
		})
		return
	}

	// A link is a non-monetary event: a zero-amount credit puts it in the
	// member's history without moving tokens.
	if h.tokens != nil {
		if _, _, err := h.tokens.Credit(c.Request.Context(), ledger.EntryParams{
			Member:      member,
			Amount:      0,
			Category:    "pass",
			Channel:     "web",
			Description: "Linked " + string(platform) + " wallet pass",
			DisplayRef:  reg.ID,
		}); err != nil {
			h.logger.Warn("pass link left no ledger entry", "member", member, "error", err)
		}
	}

	// Push the current balance so the fresh pass shows real numbers.
	if h.syncer != nil && h.syncer.Enabled() && h.tokens != nil {
		if bal, err := h.tokens.GetBalance(c.Request.Context(), member); err == nil {
			go h.syncer.SyncBalance(context.Background(), member, bal.Tokens)
		}
	}

	c.JSON(http.StatusCreated, gin.H{"pass": reg})
}

// ListPasses handles GET /members/:id/passes.
func (h *Handler) ListPasses(c *gin.Context) {
	member := validation.SanitizeMemberID(c.Param("id"))
	if !validation.IsValidMemberID(member) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_member_id",
			"message": "member id must be an email address",
		})
		return
	}

	regs, err := h.store.GetByMember(c.Request.Context(), member)
	if err != nil {
		h.logger.Error("pass listing failed", "member", member, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list passes",
		})
		return
	}
	if regs == nil {
		regs = []*Registration{}
	}

	c.JSON(http.StatusOK, gin.H{"passes": regs})
}

// DeletePass handles DELETE /members/:id/passes/:passId.
func (h *Handler) DeletePass(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("passId")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete pass",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
