package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// SimulatedProvider fakes the payment provider for development. Checkout
// "sessions" are just refs derived from the intent id, and the webhook
// accepts an unsigned JSON body:
//
//	{"type": "payment.completed", "ref": "sim_pur_..."}
//
// The server only wires it when no Stripe key is configured, and config
// validation refuses that combination in production.
type SimulatedProvider struct {
	baseURL string
	logger  *slog.Logger
}

// NewSimulatedProvider creates the development provider. baseURL is where
// the fake checkout page would live, typically the server's own origin.
func NewSimulatedProvider(baseURL string, logger *slog.Logger) *SimulatedProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &SimulatedProvider{baseURL: strings.TrimRight(baseURL, "/"), logger: logger}
}

// Name identifies the provider in logs.
func (p *SimulatedProvider) Name() string { return "simulated" }

// CreateCheckoutSession mints a deterministic ref for the intent.
func (p *SimulatedProvider) CreateCheckoutSession(ctx context.Context, intentID, member string, topUpTokens int64, channel string) (string, string, error) {
	ref := "sim_" + intentID
	url := fmt.Sprintf("%s/dev/checkout/%s", p.baseURL, ref)

	p.logger.Info("simulated checkout session",
		"ref", ref,
		"intentId", intentID,
		"member", member,
		"topUpTokens", topUpTokens)

	return ref, url, nil
}

type simulatedEvent struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// ParseWebhookEvent accepts the simulated confirmation body. There is no
// signature to check.
func (p *SimulatedProvider) ParseWebhookEvent(payload []byte, header http.Header) (string, bool, error) {
	var ev simulatedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", false, fmt.Errorf("simulated webhook payload: %w", err)
	}
	if ev.Type != "payment.completed" {
		return "", false, nil
	}
	if ev.Ref == "" {
		return "", false, fmt.Errorf("simulated webhook payload: missing ref")
	}
	return ev.Ref, true, nil
}
