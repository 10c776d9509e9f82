package intent

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/marqueehq/marquee/internal/validation"
)

// Handler provides HTTP endpoints for top-up intents.
type Handler struct {
	intents *Service
	logger  *slog.Logger
}

// NewHandler creates a new intent handler.
func NewHandler(intents *Service, logger *slog.Logger) *Handler {
	return &Handler{intents: intents, logger: logger}
}

// RegisterRoutes sets up top-up routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	topups := r.Group("/topups")
	topups.Use(validation.IntentParamMiddleware())
	topups.GET("/:id", h.GetTopUp)
	topups.POST("/:id/cancel", h.CancelTopUp)
}

// GetTopUp handles GET /topups/:id — members poll this after checkout.
func (h *Handler) GetTopUp(c *gin.Context) {
	it, err := h.intents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrIntentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "topup_not_found",
				"message": "No top-up with that id",
			})
			return
		}
		h.logger.Error("failed to load top-up", "intentId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "topup_error",
			"message": "Failed to load top-up",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"topUp": it})
}

// CancelTopUp handles POST /topups/:id/cancel.
func (h *Handler) CancelTopUp(c *gin.Context) {
	it, err := h.intents.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrIntentNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "topup_not_found",
				"message": "No top-up with that id",
			})
		case errors.Is(err, ErrInvalidStatus):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_cancellable",
				"message": "Only a pending top-up can be cancelled",
			})
		default:
			h.logger.Error("failed to cancel top-up", "intentId", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "topup_error",
				"message": "Failed to cancel top-up",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"topUp": it})
}
