// Package payments integrates the card payment providers behind token
// top-ups. A provider opens hosted checkout sessions and authenticates
// the webhook deliveries that report on them. Stripe backs production;
// the simulated provider covers development and tests.
package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/webhook"
)

// minSessionTTL is the provider's floor for checkout session expiry.
const minSessionTTL = 30 * time.Minute

// StripeConfig carries everything the Stripe provider needs.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Currency      string // ISO code, lowercase
	CentsPerToken int64  // price of one token in minor currency units
	SessionTTL    time.Duration
}

// StripeProvider opens Stripe Checkout sessions and verifies Stripe
// webhook signatures.
type StripeProvider struct {
	cfg    StripeConfig
	logger *slog.Logger
}

// NewStripeProvider creates a Stripe-backed payment provider.
func NewStripeProvider(cfg StripeConfig, logger *slog.Logger) *StripeProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.CentsPerToken < 1 {
		cfg.CentsPerToken = 1
	}
	if cfg.SessionTTL < minSessionTTL {
		cfg.SessionTTL = minSessionTTL
	}
	stripe.Key = cfg.SecretKey
	return &StripeProvider{cfg: cfg, logger: logger}
}

// Name identifies the provider in logs.
func (p *StripeProvider) Name() string { return "stripe" }

// CreateCheckoutSession opens a hosted checkout for the top-up amount.
// The session carries the intent id in its client reference and metadata
// so the webhook can be matched back even if the session id is lost.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, intentID, member string, topUpTokens int64, channel string) (string, string, error) {
	amount := topUpTokens * p.cfg.CentsPerToken

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(p.cfg.Currency),
					UnitAmount: stripe.Int64(amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("%d Marquee tokens", topUpTokens)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(p.cfg.SuccessURL),
		CancelURL:         stripe.String(p.cfg.CancelURL),
		CustomerEmail:     stripe.String(member),
		ClientReferenceID: stripe.String(intentID),
		ExpiresAt:         stripe.Int64(time.Now().Add(p.cfg.SessionTTL).Unix()),
	}
	params.Context = ctx
	params.AddMetadata("intentId", intentID)
	params.AddMetadata("member", member)
	params.AddMetadata("channel", channel)
	params.AddMetadata("topUpTokens", fmt.Sprintf("%d", topUpTokens))

	s, err := session.New(params)
	if err != nil {
		return "", "", fmt.Errorf("stripe checkout session: %w", err)
	}

	p.logger.Info("checkout session created",
		"sessionId", s.ID,
		"intentId", intentID,
		"amountMinor", amount,
		"currency", p.cfg.Currency)

	return s.ID, s.URL, nil
}

// ParseWebhookEvent verifies the delivery signature and extracts the
// session id for confirmations worth settling. Sessions completed with an
// async payment method are ignored until async_payment_succeeded arrives.
func (p *StripeProvider) ParseWebhookEvent(payload []byte, header http.Header) (string, bool, error) {
	event, err := webhook.ConstructEventWithOptions(
		payload,
		header.Get("Stripe-Signature"),
		p.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		return "", false, fmt.Errorf("webhook verification: %w", err)
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
	default:
		return "", false, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return "", false, fmt.Errorf("webhook payload: %w", err)
	}
	if sess.ID == "" {
		return "", false, fmt.Errorf("webhook payload: missing session id")
	}

	if event.Type == stripe.EventTypeCheckoutSessionCompleted &&
		sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		// Delayed payment method; async_payment_succeeded settles it later.
		return "", false, nil
	}

	return sess.ID, true, nil
}
