package settlement

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/marqueehq/marquee/internal/ledger"
	"github.com/marqueehq/marquee/internal/metrics"
	"github.com/marqueehq/marquee/internal/validation"
)

// maxWebhookBody caps raw webhook reads. Matches the payment provider's
// documented maximum event size.
const maxWebhookBody = int64(65536)

// WebhookParser authenticates a raw webhook delivery and extracts the
// checkout session ref it reports on. ok is false for authentic events
// settlement does not care about.
type WebhookParser interface {
	ParseWebhookEvent(payload []byte, header http.Header) (ref string, ok bool, err error)
}

// Handler exposes the purchase flow over HTTP.
type Handler struct {
	settlement *Service
	parser     WebhookParser
	logger     *slog.Logger
}

// NewHandler creates a settlement HTTP handler.
func NewHandler(settlement *Service, parser WebhookParser, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{settlement: settlement, parser: parser, logger: logger}
}

// RegisterRoutes registers the member-facing purchase endpoint.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/purchase", h.RequestPurchase)
}

// RegisterWebhookRoutes registers the payment provider's webhook target.
// Mounted outside the authenticated groups; the parser's signature check
// is the authentication.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payments", h.PaymentWebhook)
}

// PurchaseHTTPRequest is the POST /purchase body.
type PurchaseHTTPRequest struct {
	Member      string         `json:"member" binding:"required"`
	Tokens      int64          `json:"tokens" binding:"required"`
	Channel     string         `json:"channel"`
	Category    string         `json:"category"`
	Description string         `json:"description"`
	DisplayRef  string         `json:"displayRef"`
	ProductData map[string]any `json:"productData"`
}

// RequestPurchase handles POST /purchase.
func (h *Handler) RequestPurchase(c *gin.Context) {
	var req PurchaseHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if verrs := validation.Validate(
		validation.Required("member", req.Member),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
		validation.MaxLength("displayRef", req.DisplayRef, 64),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": verrs,
		})
		return
	}

	result, err := h.settlement.RequestPurchase(c.Request.Context(), PurchaseRequest{
		Member:      req.Member,
		Tokens:      req.Tokens,
		Channel:     req.Channel,
		Category:    req.Category,
		Description: req.Description,
		DisplayRef:  req.DisplayRef,
		ProductData: req.ProductData,
	})
	if err != nil {
		var collab *CollaboratorError
		switch {
		case errors.Is(err, ledger.ErrInvalidMember):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_member_id",
				"message": "member id must be an email address",
			})
		case errors.Is(err, ledger.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "tokens must be a positive whole number",
			})
		case errors.As(err, &collab):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "collaborator_unavailable",
				"message": "The payment provider is unreachable, try again shortly",
			})
		default:
			h.logger.Error("purchase request failed", "member", req.Member, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "purchase_error",
				"message": "Failed to process purchase",
			})
		}
		return
	}

	if result.Outcome == OutcomeCharged {
		c.JSON(http.StatusOK, gin.H{
			"outcome": result.Outcome,
			"entry":   result.Entry,
			"balance": result.NewBalance,
		})
		return
	}

	// 402: the member pays the shortfall by card, then the webhook
	// finishes the purchase.
	c.JSON(http.StatusPaymentRequired, gin.H{
		"outcome":       result.Outcome,
		"amountToTopUp": result.AmountToTopUp,
		"topUp":         result.Intent,
		"checkoutUrl":   result.Intent.CheckoutURL,
	})
}

// PaymentWebhook handles POST /webhooks/payments. Always answers 2xx for
// authenticated deliveries so the provider stops retrying; duplicates
// and late confirmations are no-ops inside OnPaymentConfirmed.
func (h *Handler) PaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Failed to read webhook body",
		})
		return
	}

	ref, ok, err := h.parser.ParseWebhookEvent(payload, c.Request.Header)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		h.logger.Warn("webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}
	if !ok {
		metrics.WebhookEventsTotal.WithLabelValues("ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true, "result": "ignored"})
		return
	}

	result, err := h.settlement.OnPaymentConfirmed(c.Request.Context(), ref)
	if err != nil {
		h.logger.Error("payment confirmation failed", "paymentRef", ref, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "settlement_error",
			"message": "Failed to process payment confirmation",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"result":   result.Outcome,
	})
}
