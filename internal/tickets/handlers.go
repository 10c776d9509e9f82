package tickets

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marqueehq/marquee/internal/ledger"
	"github.com/marqueehq/marquee/internal/settlement"
)

// Handler exposes ticketing over HTTP.
type Handler struct {
	tickets *Service
	logger  *slog.Logger
}

func NewHandler(tickets *Service, logger *slog.Logger) *Handler {
	return &Handler{tickets: tickets, logger: logger}
}

// RegisterRoutes sets up the member-facing ticketing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/screenings", h.ListScreenings)
	r.GET("/screenings/:id", h.GetScreening)
	r.POST("/reservations", h.Reserve)
	r.GET("/reservations/:ref", h.GetReservation)
}

// RegisterStaffRoutes sets up staff-only ticketing routes.
func (h *Handler) RegisterStaffRoutes(r *gin.RouterGroup) {
	r.POST("/screenings", h.CreateScreening)
}

// ScreeningHTTPRequest schedules a screening.
type ScreeningHTTPRequest struct {
	Title       string    `json:"title" binding:"required"`
	Room        string    `json:"room"`
	StartsAt    time.Time `json:"startsAt" binding:"required"`
	Capacity    int       `json:"capacity" binding:"required"`
	PriceTokens int64     `json:"priceTokens" binding:"required"`
}

// CreateScreening handles POST /screenings (staff).
func (h *Handler) CreateScreening(c *gin.Context) {
	var req ScreeningHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	sc, err := h.tickets.CreateScreening(c.Request.Context(), ScreeningParams{
		Title:       req.Title,
		Room:        req.Room,
		StartsAt:    req.StartsAt,
		Capacity:    req.Capacity,
		PriceTokens: req.PriceTokens,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidScreening) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_screening",
				"message": err.Error(),
			})
			return
		}
		h.logger.Error("failed to create screening", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "screening_error",
			"message": "Failed to create screening",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"screening": sc})
}

// ListScreenings handles GET /screenings.
func (h *Handler) ListScreenings(c *gin.Context) {
	list, err := h.tickets.ListScreenings(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list screenings", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "screening_error",
			"message": "Failed to list screenings",
		})
		return
	}
	if list == nil {
		list = []*Screening{}
	}
	c.JSON(http.StatusOK, gin.H{"screenings": list})
}

// GetScreening handles GET /screenings/:id.
func (h *Handler) GetScreening(c *gin.Context) {
	sc, err := h.tickets.GetScreening(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "screening_not_found",
			"message": "No screening with that id",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"screening": sc, "seatsLeft": sc.SeatsLeft()})
}

// ReserveHTTPRequest asks for seats at a screening.
type ReserveHTTPRequest struct {
	Member      string `json:"member" binding:"required"`
	ScreeningID string `json:"screeningId" binding:"required"`
	Seats       int    `json:"seats" binding:"required"`
	Channel     string `json:"channel"`
}

// Reserve handles POST /reservations. A covered purchase returns 201 with
// the confirmed reservation; a shortfall returns 402 with the pending
// reservation and the checkout URL, mirroring the purchase endpoint.
func (h *Handler) Reserve(c *gin.Context) {
	var req ReserveHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	result, err := h.tickets.Reserve(c.Request.Context(), ReserveParams{
		Member:      req.Member,
		ScreeningID: req.ScreeningID,
		Seats:       req.Seats,
		Channel:     req.Channel,
	})
	if err != nil {
		h.writeReserveError(c, err)
		return
	}

	if result.Purchase.Outcome == settlement.OutcomeCharged {
		c.JSON(http.StatusCreated, gin.H{
			"reservation": result.Reservation,
			"outcome":     result.Purchase.Outcome,
			"balance":     result.Purchase.NewBalance,
		})
		return
	}

	c.JSON(http.StatusPaymentRequired, gin.H{
		"reservation":   result.Reservation,
		"outcome":       result.Purchase.Outcome,
		"amountToTopUp": result.Purchase.AmountToTopUp,
		"topUp":         result.Purchase.Intent,
		"checkoutUrl":   result.Purchase.Intent.CheckoutURL,
	})
}

func (h *Handler) writeReserveError(c *gin.Context, err error) {
	var collab *settlement.CollaboratorError
	switch {
	case errors.Is(err, ErrSoldOut):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "sold_out",
			"message": "Not enough seats left for that screening",
		})
	case errors.Is(err, ErrScreeningNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "screening_not_found",
			"message": "No screening with that id",
		})
	case errors.Is(err, ErrScreeningStarted):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "screening_started",
			"message": "That screening has already started",
		})
	case errors.Is(err, ErrInvalidSeats):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_seats",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrInvalidMember):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_member_id",
			"message": "Member id must be an email address",
		})
	case errors.As(err, &collab):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "collaborator_unavailable",
			"message": "The payment provider is unreachable, try again shortly",
		})
	default:
		h.logger.Error("reservation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reservation_error",
			"message": "Failed to reserve seats",
		})
	}
}

// GetReservation handles GET /reservations/:ref, accepting either the
// res_ id or the pickup code the member shows at the box office.
func (h *Handler) GetReservation(c *gin.Context) {
	r, err := h.tickets.GetReservation(c.Request.Context(), c.Param("ref"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "reservation_not_found",
			"message": "No reservation with that id or code",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": r})
}
