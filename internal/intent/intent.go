// Package intent tracks deferred purchases awaiting a card top-up.
//
// Flow:
//  1. A purchase comes up short → intent created with the missing tokens
//  2. Member pays the top-up through the card checkout
//  3. Payment confirmation claims the intent (pending → paid)
//  4. Settlement credits the top-up and charges the purchase (paid → completed)
//  5. No payment within the TTL → expired; member may also cancel
//
// Paid is deliberately not terminal: a settlement that claimed the intent
// but could not finish leaves it in paid for an operator to resolve.
package intent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/marqueehq/marquee/internal/idgen"
	"github.com/marqueehq/marquee/internal/metrics"
	"github.com/marqueehq/marquee/internal/validation"
)

var (
	ErrIntentNotFound    = errors.New("top-up intent not found")
	ErrInvalidStatus     = errors.New("invalid intent status for this operation")
	ErrInvalidMember     = errors.New("invalid member identifier")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrMissingPaymentRef = errors.New("payment reference is required")
)

// Status represents the state of a top-up intent.
type Status string

const (
	StatusPending   Status = "pending"   // Created, awaiting payment
	StatusPaid      Status = "paid"      // Payment confirmed, settlement claimed
	StatusCompleted Status = "completed" // Tokens credited and purchase charged
	StatusExpired   Status = "expired"   // No payment within the TTL
	StatusCancelled Status = "cancelled" // Member backed out before paying
)

// DefaultTTL is the default time a member has to complete the card payment.
const DefaultTTL = 30 * time.Minute

// Intent records a purchase that is waiting on a token top-up.
type Intent struct {
	ID             string         `json:"id"`
	Member         string         `json:"member"`
	PurchaseTokens int64          `json:"purchaseTokens"` // full price of the blocked purchase
	TopUpTokens    int64          `json:"topUpTokens"`    // tokens the card payment buys
	Channel        string         `json:"channel"`
	ProductData    map[string]any `json:"productData,omitempty"` // opaque purchase payload, replayed at settlement
	Status         Status         `json:"status"`
	PaymentRef     string         `json:"paymentRef,omitempty"` // checkout session id at the payment provider
	CheckoutURL    string         `json:"checkoutUrl,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	ExpiresAt      time.Time      `json:"expiresAt"`
	PaidAt         *time.Time     `json:"paidAt,omitempty"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true if the intent is in a final state. Paid is not
// final: it marks a claimed settlement that has not finished.
func (i *Intent) IsTerminal() bool {
	switch i.Status {
	case StatusCompleted, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Overdue reports whether a pending intent has outlived its payment window.
func (i *Intent) Overdue(now time.Time) bool {
	return i.Status == StatusPending && now.After(i.ExpiresAt)
}

// CanTransition reports whether a move between two statuses is allowed.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusPaid || to == StatusExpired || to == StatusCancelled
	case StatusPaid:
		return to == StatusCompleted
	}
	return false
}

// NewID returns a fresh intent id.
func NewID() string {
	return idgen.WithPrefix("pur_")
}

// Store persists intent data. Transition is the concurrency primitive:
// it must compare-and-set the status atomically so that exactly one of
// any number of racing callers wins a given move.
type Store interface {
	Create(ctx context.Context, it *Intent) error
	Get(ctx context.Context, id string) (*Intent, error)
	// GetByPaymentRef finds the intent carrying exactly this provider
	// reference. Matching is case-sensitive; an empty ref never matches.
	GetByPaymentRef(ctx context.Context, ref string) (*Intent, error)
	// AttachPaymentRef records the provider's checkout reference and URL
	// on a pending intent, leaving the status untouched. Returns false
	// without error when the intent is no longer pending.
	AttachPaymentRef(ctx context.Context, id, ref, url string, at time.Time) (bool, error)
	// Transition moves an intent from one status to another, stamping
	// updated_at plus the status's own timestamp. Returns false without
	// error when the intent was no longer in the from status.
	Transition(ctx context.Context, id string, from, to Status, at time.Time) (bool, error)
	// ListOverdue returns pending intents whose deadline passed before
	// the given time.
	ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Intent, error)
	// ListStuck returns paid intents that were claimed before the given
	// time and never completed, oldest first.
	ListStuck(ctx context.Context, before time.Time, limit int) ([]*Intent, error)
	CountPending(ctx context.Context) (int, error)
}

// CreateParams describes a new top-up intent.
type CreateParams struct {
	ID             string // optional; minted when empty
	Member         string
	PurchaseTokens int64
	TopUpTokens    int64
	Channel        string
	ProductData    map[string]any
	PaymentRef     string
	CheckoutURL    string
}

// Service implements intent lifecycle logic.
type Service struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewService creates a new intent service. A non-positive ttl falls back
// to DefaultTTL.
func NewService(store Store, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, ttl: ttl, logger: logger}
}

// TTL returns the payment window applied to new intents.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Create records a new pending intent with the service's TTL.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Intent, error) {
	member := validation.SanitizeMemberID(p.Member)
	if !validation.IsValidMemberID(member) {
		return nil, ErrInvalidMember
	}
	if p.PurchaseTokens <= 0 || p.TopUpTokens <= 0 {
		return nil, ErrInvalidAmount
	}

	id := p.ID
	if id == "" {
		id = NewID()
	}

	now := time.Now().UTC()
	it := &Intent{
		ID:             id,
		Member:         member,
		PurchaseTokens: p.PurchaseTokens,
		TopUpTokens:    p.TopUpTokens,
		Channel:        p.Channel,
		ProductData:    p.ProductData,
		Status:         StatusPending,
		PaymentRef:     p.PaymentRef,
		CheckoutURL:    p.CheckoutURL,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}

	if err := s.store.Create(ctx, it); err != nil {
		return nil, err
	}

	metrics.TopUpsTotal.WithLabelValues("created").Inc()
	return it, nil
}

// Get returns an intent by id. An overdue pending intent is expired on
// read, so callers never act on a stale pending state between sweeps.
func (s *Service) Get(ctx context.Context, id string) (*Intent, error) {
	it, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.lazyExpire(ctx, it), nil
}

// FindByPaymentRef returns the intent carrying the given provider
// reference, applying the same read-time expiry as Get.
func (s *Service) FindByPaymentRef(ctx context.Context, ref string) (*Intent, error) {
	if ref == "" {
		return nil, ErrIntentNotFound
	}
	it, err := s.store.GetByPaymentRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.lazyExpire(ctx, it), nil
}

// AttachPaymentRef records the checkout session opened for a pending
// intent, so the provider's webhook can be correlated back to it. The
// status stays pending; only a payment confirmation moves it.
func (s *Service) AttachPaymentRef(ctx context.Context, id, ref, url string) (*Intent, error) {
	if ref == "" {
		return nil, ErrMissingPaymentRef
	}

	ok, err := s.store.AttachPaymentRef(ctx, id, ref, url, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidStatus
	}
	return s.store.Get(ctx, id)
}

// Cancel backs a member out of a pending intent.
func (s *Service) Cancel(ctx context.Context, id string) (*Intent, error) {
	it, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	won, err := s.store.Transition(ctx, id, StatusPending, StatusCancelled, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !won {
		// Raced with a payment confirmation or the sweeper.
		return nil, ErrInvalidStatus
	}

	metrics.TopUpsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.logger.Info("top-up intent cancelled", "intentId", id, "member", it.Member)

	return s.store.Get(ctx, id)
}

// BeginSettlement claims a pending intent for settlement. Exactly one of
// any number of racing or repeated callers wins the pending→paid move.
func (s *Service) BeginSettlement(ctx context.Context, id string) (bool, error) {
	won, err := s.store.Transition(ctx, id, StatusPending, StatusPaid, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if won {
		metrics.TopUpsTotal.WithLabelValues(string(StatusPaid)).Inc()
	}
	return won, nil
}

// CompleteSettlement finishes a claimed settlement (paid → completed).
func (s *Service) CompleteSettlement(ctx context.Context, id string) error {
	won, err := s.store.Transition(ctx, id, StatusPaid, StatusCompleted, time.Now().UTC())
	if err != nil {
		return err
	}
	if !won {
		return ErrInvalidStatus
	}
	metrics.TopUpsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	return nil
}

// Expire moves an overdue pending intent to expired. Reports whether this
// call made the move.
func (s *Service) Expire(ctx context.Context, id string) (bool, error) {
	won, err := s.store.Transition(ctx, id, StatusPending, StatusExpired, time.Now().UTC())
	if err != nil || !won {
		return false, err
	}
	metrics.TopUpsTotal.WithLabelValues(string(StatusExpired)).Inc()
	return true, nil
}

// ListStuck returns intents that have sat in paid for at least olderThan,
// oldest first. A settlement normally completes within a request, so
// anything on this list needs an operator.
func (s *Service) ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*Intent, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListStuck(ctx, time.Now().UTC().Add(-olderThan), limit)
}

func (s *Service) lazyExpire(ctx context.Context, it *Intent) *Intent {
	if !it.Overdue(time.Now().UTC()) {
		return it
	}

	won, err := s.Expire(ctx, it.ID)
	if err != nil {
		s.logger.Warn("failed to expire overdue intent", "intentId", it.ID, "error", err)
		return it
	}
	if won {
		s.logger.Info("expired overdue top-up intent on read",
			"intentId", it.ID, "member", it.Member)
	}

	// Whoever won, the stored status is now the truth.
	fresh, err := s.store.Get(ctx, it.ID)
	if err != nil {
		return it
	}
	return fresh
}
