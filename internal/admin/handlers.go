package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marqueehq/marquee/internal/intent"
	"github.com/marqueehq/marquee/internal/ledger"
	"github.com/marqueehq/marquee/internal/settlement"
)

// StuckLister surfaces settlements waiting on an operator.
type StuckLister interface {
	ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*intent.Intent, error)
}

// SettlementResolver finishes a stuck settlement.
type SettlementResolver interface {
	ResolveStuck(ctx context.Context, intentID string) (*settlement.SettlementResult, error)
}

// TopUpSweeper expires overdue intents on demand.
type TopUpSweeper interface {
	SweepNow(ctx context.Context) int
}

// FeedStats reports live feed statistics.
type FeedStats interface {
	Stats() map[string]interface{}
}

// defaultStuckGrace keeps settlements that are mid-flight off the stuck
// list; a healthy settlement completes within one webhook request.
const defaultStuckGrace = time.Minute

// Handler provides staff admin HTTP endpoints.
type Handler struct {
	stuck    StuckLister
	resolver SettlementResolver
	sweeper  TopUpSweeper
	feed     FeedStats
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithIntents sets the intent service for listing stuck settlements.
func (h *Handler) WithIntents(s StuckLister) *Handler {
	h.stuck = s
	return h
}

// WithResolver sets the settlement service for resolving stuck settlements.
func (h *Handler) WithResolver(r SettlementResolver) *Handler {
	h.resolver = r
	return h
}

// WithSweeper sets the sweeper for on-demand expiry runs.
func (h *Handler) WithSweeper(s TopUpSweeper) *Handler {
	h.sweeper = s
	return h
}

// WithFeed sets the realtime hub for feed statistics.
func (h *Handler) WithFeed(f FeedStats) *Handler {
	h.feed = f
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/settlements/stuck", h.listStuck)
	r.POST("/admin/settlements/:id/resolve", h.resolveSettlement)
	r.POST("/admin/topups/sweep", h.sweepTopUps)
	r.GET("/admin/feed/stats", h.feedStats)
}

// listStuck returns paid intents that never completed.
func (h *Handler) listStuck(c *gin.Context) {
	if h.stuck == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "intent service not configured"})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	grace := defaultStuckGrace
	if g := c.Query("olderThanSeconds"); g != "" {
		if parsed, err := strconv.Atoi(g); err == nil && parsed >= 0 {
			grace = time.Duration(parsed) * time.Second
		}
	}

	intents, err := h.stuck.ListStuck(c.Request.Context(), grace, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stuck settlements", "message": err.Error()})
		return
	}

	now := time.Now().UTC()
	views := make([]StuckSettlement, 0, len(intents))
	for _, it := range intents {
		views = append(views, stuckView(it, now))
	}

	c.JSON(http.StatusOK, gin.H{"settlements": views, "count": len(views)})
}

// resolveSettlement re-runs the charge for a stuck settlement. The member
// keeps their credited top-up throughout, so staff top the balance up (or
// wait for the member to) and then hit this.
func (h *Handler) resolveSettlement(c *gin.Context) {
	if h.resolver == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "settlement service not configured"})
		return
	}

	intentID := c.Param("id")
	result, err := h.resolver.ResolveStuck(c.Request.Context(), intentID)
	if err != nil {
		var insufficient *ledger.InsufficientFundsError
		switch {
		case errors.Is(err, intent.ErrIntentNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "settlement_not_found",
				"message": "No top-up intent with that id",
			})
		case errors.Is(err, intent.ErrInvalidStatus):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "not_stuck",
				"message": "Only settlements stuck in paid can be resolved",
			})
		case errors.As(err, &insufficient):
			c.JSON(http.StatusConflict, gin.H{
				"error":     "balance_too_low",
				"message":   "The member's balance no longer covers the purchase; credit the shortfall first",
				"balance":   insufficient.Balance,
				"requested": insufficient.Requested,
				"shortfall": insufficient.Shortfall(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed", "message": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"resolved": true,
		"topUp":    result.Intent,
		"balance":  result.NewBalance,
	})
}

// sweepTopUps expires every overdue pending intent right now.
func (h *Handler) sweepTopUps(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sweeper not configured"})
		return
	}

	n := h.sweeper.SweepNow(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"expiredCount": n})
}

// feedStats reports live feed connection statistics.
func (h *Handler) feedStats(c *gin.Context) {
	if h.feed == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime feed not configured"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"feed": h.feed.Stats()})
}
