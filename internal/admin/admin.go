// Package admin provides staff-only endpoints for resolving stuck
// financial states.
package admin

import (
	"time"

	"github.com/marqueehq/marquee/internal/intent"
)

// StuckSettlement is the operator's view of a paid intent that never
// finished moving tokens.
type StuckSettlement struct {
	ID             string    `json:"id"`
	Member         string    `json:"member"`
	PurchaseTokens int64     `json:"purchaseTokens"`
	TopUpTokens    int64     `json:"topUpTokens"`
	Channel        string    `json:"channel"`
	PaymentRef     string    `json:"paymentRef,omitempty"`
	PaidAt         time.Time `json:"paidAt"`
	CreatedAt      time.Time `json:"createdAt"`
	AgeSeconds     int64     `json:"ageSeconds"`
}

func stuckView(it *intent.Intent, now time.Time) StuckSettlement {
	v := StuckSettlement{
		ID:             it.ID,
		Member:         it.Member,
		PurchaseTokens: it.PurchaseTokens,
		TopUpTokens:    it.TopUpTokens,
		Channel:        it.Channel,
		PaymentRef:     it.PaymentRef,
		CreatedAt:      it.CreatedAt,
	}
	if it.PaidAt != nil {
		v.PaidAt = *it.PaidAt
		v.AgeSeconds = int64(now.Sub(*it.PaidAt).Seconds())
	}
	return v
}
