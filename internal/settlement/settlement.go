// Package settlement orchestrates the purchase flow, including the
// deferred path where a member must top up tokens by card first.
//
// Flow:
//  1. A purchase request charges the member's token balance directly.
//  2. If the balance cannot cover it, a top-up intent is opened with the
//     shortfall and the member is sent to the payment provider's checkout.
//  3. The provider reports the completed payment over a webhook.
//  4. Settlement claims the intent (exactly once), credits the top-up and
//     charges the original purchase price.
//  5. If the purchase charge fails after the credit landed, the intent
//     stays paid and operators are alerted. Nothing retries it blindly;
//     a human resolves it through the admin surface.
//
// The intent store's status CAS is what makes step 4 safe to run from any
// number of processes receiving the same webhook.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/marqueehq/marquee/internal/intent"
	"github.com/marqueehq/marquee/internal/ledger"
	"github.com/marqueehq/marquee/internal/metrics"
	"github.com/marqueehq/marquee/internal/retry"
	"github.com/marqueehq/marquee/internal/syncutil"
	"github.com/marqueehq/marquee/internal/traces"
)

var (
	// ErrInvalidRequest means the purchase request failed validation.
	ErrInvalidRequest = errors.New("invalid purchase request")
)

// CollaboratorError reports an outbound dependency that failed after
// retries. Handlers map it to 503 so callers know to try again later.
type CollaboratorError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// TokenLedger is the slice of the ledger settlement needs. Both movement
// calls return the entry plus the balance after it, so settlement never
// needs a separate balance read.
type TokenLedger interface {
	Credit(ctx context.Context, p ledger.EntryParams) (*ledger.Entry, int64, error)
	Charge(ctx context.Context, p ledger.EntryParams) (*ledger.Entry, int64, error)
}

// IntentLog records top-up intents and arbitrates their status transitions.
// *intent.Service satisfies it.
type IntentLog interface {
	Create(ctx context.Context, p intent.CreateParams) (*intent.Intent, error)
	Get(ctx context.Context, id string) (*intent.Intent, error)
	FindByPaymentRef(ctx context.Context, ref string) (*intent.Intent, error)
	AttachPaymentRef(ctx context.Context, id, ref, url string) (*intent.Intent, error)
	Cancel(ctx context.Context, id string) (*intent.Intent, error)
	BeginSettlement(ctx context.Context, id string) (bool, error)
	CompleteSettlement(ctx context.Context, id string) error
}

// CheckoutProvider opens hosted checkout sessions at the payment provider.
// The returned ref is the provider's session id; webhooks carry it back.
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, intentID, member string, topUpTokens int64, channel string) (ref, url string, err error)
}

// PassSyncer pushes a member's new balance to their wallet pass. Optional.
type PassSyncer interface {
	SyncBalance(ctx context.Context, member string, balance int64)
}

// AlertNotifier reaches operators about settlements needing a human. Optional.
type AlertNotifier interface {
	NotifyStuckSettlement(ctx context.Context, intentID, member string, missingTokens int64, cause string) error
}

// EventEmitter broadcasts member-facing events to live listeners. Optional.
type EventEmitter interface {
	Emit(event string, data map[string]any)
}

// PurchaseRequest describes one attempted purchase against a member's
// token balance.
type PurchaseRequest struct {
	Member      string
	Tokens      int64
	Channel     string
	Category    string
	Description string
	DisplayRef  string
	ProductData map[string]any
}

// PurchaseOutcome distinguishes the two ways a purchase request resolves.
type PurchaseOutcome string

const (
	OutcomeCharged       PurchaseOutcome = "charged"
	OutcomeTopUpRequired PurchaseOutcome = "topup_required"
)

// PurchaseResult is the outcome of RequestPurchase. Entry and NewBalance
// are set when the charge went through; Intent and AmountToTopUp when the
// member has to pay first.
type PurchaseResult struct {
	Outcome       PurchaseOutcome
	Entry         *ledger.Entry
	NewBalance    int64
	Intent        *intent.Intent
	AmountToTopUp int64
}

// SettlementOutcome distinguishes the ways a payment confirmation resolves.
type SettlementOutcome string

const (
	// OutcomeSettled means tokens were credited, the purchase was charged
	// and the intent is completed.
	OutcomeSettled SettlementOutcome = "settled"
	// OutcomeAlreadyHandled means the confirmation matched no pending
	// intent: unknown ref, a duplicate delivery, or an intent that
	// expired or was cancelled first. Nothing was changed.
	OutcomeAlreadyHandled SettlementOutcome = "already_handled"
	// OutcomeStuck means the card payment landed but the token movement
	// did not finish. The intent stays paid until an operator resolves it.
	OutcomeStuck SettlementOutcome = "stuck"
)

// SettlementResult is the outcome of OnPaymentConfirmed.
type SettlementResult struct {
	Outcome    SettlementOutcome
	Intent     *intent.Intent
	NewBalance int64
}

// Service coordinates the ledger, the intent log and the payment provider.
type Service struct {
	tokens   TokenLedger
	intents  IntentLog
	checkout CheckoutProvider
	locks    *syncutil.ContextShardedMutex
	logger   *slog.Logger

	passes  PassSyncer
	alerts  AlertNotifier
	emitter EventEmitter
}

// NewService creates a settlement service.
func NewService(tokens TokenLedger, intents IntentLog, checkout CheckoutProvider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tokens:   tokens,
		intents:  intents,
		checkout: checkout,
		locks:    syncutil.NewContextShardedMutex(),
		logger:   logger,
	}
}

// WithPassSyncer attaches wallet-pass balance sync.
func (s *Service) WithPassSyncer(p PassSyncer) *Service {
	s.passes = p
	return s
}

// WithAlerts attaches the operator alert channel.
func (s *Service) WithAlerts(a AlertNotifier) *Service {
	s.alerts = a
	return s
}

// WithEmitter attaches the live event broadcast.
func (s *Service) WithEmitter(e EventEmitter) *Service {
	s.emitter = e
	return s
}

// RequestPurchase attempts to charge the purchase price from the member's
// balance. When the balance falls short it opens a checkout session for
// exactly the shortfall and records a top-up intent, so the member pays
// only the difference by card.
func (s *Service) RequestPurchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.RequestPurchase",
		attribute.String("member", req.Member),
		attribute.Int64("tokens", req.Tokens),
		attribute.String("channel", req.Channel),
	)
	defer span.End()

	if req.Channel == "" {
		req.Channel = "web"
	}
	if req.Category == "" {
		req.Category = "purchase"
	}

	entry, balance, err := s.tokens.Charge(ctx, ledger.EntryParams{
		Member:      req.Member,
		Amount:      req.Tokens,
		Category:    req.Category,
		Channel:     req.Channel,
		Description: req.Description,
		DisplayRef:  req.DisplayRef,
	})
	if err == nil {
		s.logger.Info("purchase charged",
			"member", entry.Member,
			"tokens", req.Tokens,
			"balance", balance,
			"channel", req.Channel)
		s.notifyBalance(entry.Member, balance, "purchase.charged", map[string]any{
			"member":  entry.Member,
			"tokens":  req.Tokens,
			"balance": balance,
		})
		return &PurchaseResult{Outcome: OutcomeCharged, Entry: entry, NewBalance: balance}, nil
	}

	var insufficient *ledger.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		return s.openTopUp(ctx, req, insufficient)
	case errors.Is(err, ledger.ErrMemberNotFound):
		// First purchase before any top-up. The ledger record appears when
		// the settlement credit lands, so the member pays full price by card.
		return s.openTopUp(ctx, req, &ledger.InsufficientFundsError{Balance: 0, Requested: req.Tokens})
	default:
		return nil, err
	}
}

// openTopUp opens the deferred path: record the intent, open a checkout
// session for the shortfall, attach the session ref for webhook
// correlation. An intent whose session never materialized is cancelled
// on the way out.
func (s *Service) openTopUp(ctx context.Context, req PurchaseRequest, shortage *ledger.InsufficientFundsError) (*PurchaseResult, error) {
	missing := shortage.Shortfall()

	it, err := s.intents.Create(ctx, intent.CreateParams{
		Member:         req.Member,
		PurchaseTokens: req.Tokens,
		TopUpTokens:    missing,
		Channel:        req.Channel,
		ProductData:    productSnapshot(req),
	})
	if err != nil {
		return nil, err
	}

	var ref, url string
	err = retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var cerr error
		ref, url, cerr = s.checkout.CreateCheckoutSession(ctx, it.ID, req.Member, missing, req.Channel)
		return cerr
	})
	if err != nil {
		s.abandonTopUp(ctx, it.ID)
		s.logger.Error("checkout session creation failed",
			"member", req.Member,
			"intentId", it.ID,
			"missingTokens", missing,
			"error", err)
		return nil, &CollaboratorError{Collaborator: "payment provider", Err: err}
	}

	it, err = s.intents.AttachPaymentRef(ctx, it.ID, ref, url)
	if err != nil {
		// The member never saw the URL, so the session dies unpaid on
		// the provider's own clock.
		s.abandonTopUp(ctx, it.ID)
		s.logger.Error("checkout session not recorded on intent",
			"intentId", it.ID,
			"paymentRef", ref,
			"error", err)
		return nil, err
	}

	s.logger.Info("top-up required",
		"member", it.Member,
		"intentId", it.ID,
		"purchaseTokens", it.PurchaseTokens,
		"topUpTokens", it.TopUpTokens,
		"balance", shortage.Balance)

	return &PurchaseResult{
		Outcome:       OutcomeTopUpRequired,
		Intent:        it,
		AmountToTopUp: missing,
	}, nil
}

// abandonTopUp backs out an intent whose checkout never materialized.
// Best effort; a leftover pending intent expires through the sweeper.
func (s *Service) abandonTopUp(ctx context.Context, id string) {
	if _, err := s.intents.Cancel(ctx, id); err != nil {
		s.logger.Warn("orphaned top-up intent left pending", "intentId", id, "error", err)
	}
}

// productSnapshot preserves what the settlement charge needs to look like
// the original purchase attempt.
func productSnapshot(req PurchaseRequest) map[string]any {
	snap := make(map[string]any, len(req.ProductData)+3)
	for k, v := range req.ProductData {
		snap[k] = v
	}
	snap["category"] = req.Category
	if req.Description != "" {
		snap["description"] = req.Description
	}
	if req.DisplayRef != "" {
		snap["displayRef"] = req.DisplayRef
	}
	return snap
}

// OnPaymentConfirmed settles the intent behind a payment provider
// confirmation. It is safe to call any number of times with the same ref:
// only the call that wins the pending → paid claim moves tokens, every
// other call reports OutcomeAlreadyHandled and changes nothing.
func (s *Service) OnPaymentConfirmed(ctx context.Context, paymentRef string) (*SettlementResult, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.OnPaymentConfirmed",
		attribute.String("paymentRef", paymentRef),
	)
	defer span.End()

	it, err := s.intents.FindByPaymentRef(ctx, paymentRef)
	if err != nil {
		if errors.Is(err, intent.ErrIntentNotFound) {
			s.logger.Warn("payment confirmation matched no intent", "paymentRef", paymentRef)
			metrics.WebhookEventsTotal.WithLabelValues("unmatched").Inc()
			return &SettlementResult{Outcome: OutcomeAlreadyHandled}, nil
		}
		return nil, err
	}

	// Serializes the multi-step token movement per intent within this
	// process; the intent store's CAS arbitrates across processes.
	unlock, err := s.locks.LockContext(ctx, it.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	won, err := s.intents.BeginSettlement(ctx, it.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		s.logger.Warn("payment confirmation for an intent no longer pending",
			"intentId", it.ID,
			"status", it.Status,
			"paymentRef", paymentRef)
		metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
		fresh, gerr := s.intents.Get(ctx, it.ID)
		if gerr != nil {
			fresh = it
		}
		return &SettlementResult{Outcome: OutcomeAlreadyHandled, Intent: fresh}, nil
	}

	return s.settle(ctx, it)
}

// settle runs the token movement for a freshly claimed intent: credit the
// top-up, then charge the original purchase price. Only ever reached by
// the single caller that won the claim.
func (s *Service) settle(ctx context.Context, it *intent.Intent) (*SettlementResult, error) {
	_, _, err := s.tokens.Credit(ctx, ledger.EntryParams{
		Member:      it.Member,
		Amount:      it.TopUpTokens,
		Category:    "topup",
		Channel:     it.Channel,
		Description: "Card top-up",
		DisplayRef:  it.ID,
	})
	if err != nil {
		return s.markStuck(ctx, it, fmt.Errorf("top-up credit failed: %w", err)), nil
	}

	entry, balance, err := s.tokens.Charge(ctx, ledger.EntryParams{
		Member:      it.Member,
		Amount:      it.PurchaseTokens,
		Category:    snapshotString(it.ProductData, "category", "purchase"),
		Channel:     it.Channel,
		Description: snapshotString(it.ProductData, "description", ""),
		DisplayRef:  snapshotString(it.ProductData, "displayRef", ""),
	})
	if err != nil {
		// The card payment landed and the credit is on the books, but
		// the purchase could not be charged. Most likely a concurrent
		// spend drained the balance between credit and charge.
		return s.markStuck(ctx, it, fmt.Errorf("purchase charge failed: %w", err)), nil
	}

	if cerr := s.intents.CompleteSettlement(ctx, it.ID); cerr != nil {
		// Retry once. Tokens already moved, so the status must follow.
		if cerr = s.intents.CompleteSettlement(ctx, it.ID); cerr != nil {
			s.logger.Error("CRITICAL: settlement charged but intent still reads paid",
				"intentId", it.ID,
				"member", it.Member,
				"error", cerr)
		}
	}

	metrics.WebhookEventsTotal.WithLabelValues("settled").Inc()
	metrics.SettlementDuration.Observe(time.Since(it.CreatedAt).Seconds())

	s.logger.Info("top-up settled",
		"intentId", it.ID,
		"member", it.Member,
		"topUpTokens", it.TopUpTokens,
		"purchaseTokens", it.PurchaseTokens,
		"balance", balance)

	s.notifyBalance(it.Member, balance, "topup.settled", map[string]any{
		"member":   it.Member,
		"intentId": it.ID,
		"tokens":   it.PurchaseTokens,
		"balance":  balance,
		"entryId":  entry.ID,
	})

	fresh, err := s.intents.Get(ctx, it.ID)
	if err != nil {
		fresh = it
	}
	return &SettlementResult{Outcome: OutcomeSettled, Intent: fresh, NewBalance: balance}, nil
}

// markStuck records a settlement that claimed its intent but could not
// finish moving tokens. The intent remains paid, which blocks every
// duplicate confirmation, so the alert fires exactly once per intent.
func (s *Service) markStuck(ctx context.Context, it *intent.Intent, cause error) *SettlementResult {
	metrics.StuckSettlementsTotal.Inc()
	metrics.WebhookEventsTotal.WithLabelValues("stuck").Inc()

	s.logger.Error("settlement stuck, operator intervention required",
		"intentId", it.ID,
		"member", it.Member,
		"topUpTokens", it.TopUpTokens,
		"purchaseTokens", it.PurchaseTokens,
		"error", cause)

	if s.alerts != nil {
		if aerr := s.alerts.NotifyStuckSettlement(ctx, it.ID, it.Member, it.PurchaseTokens, cause.Error()); aerr != nil {
			s.logger.Error("stuck settlement alert not delivered", "intentId", it.ID, "error", aerr)
		}
	}

	fresh, err := s.intents.Get(ctx, it.ID)
	if err != nil {
		fresh = it
	}
	return &SettlementResult{Outcome: OutcomeStuck, Intent: fresh}
}

// ResolveStuck retries the purchase charge for an intent stuck in paid.
// Operators call it once the member's balance can cover the purchase
// again. The credit from the original settlement attempt is never
// repeated, only the charge.
func (s *Service) ResolveStuck(ctx context.Context, intentID string) (*SettlementResult, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.ResolveStuck",
		attribute.String("intentId", intentID),
	)
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, intentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	it, err := s.intents.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if it.Status != intent.StatusPaid {
		return nil, intent.ErrInvalidStatus
	}

	entry, balance, err := s.tokens.Charge(ctx, ledger.EntryParams{
		Member:      it.Member,
		Amount:      it.PurchaseTokens,
		Category:    snapshotString(it.ProductData, "category", "purchase"),
		Channel:     it.Channel,
		Description: snapshotString(it.ProductData, "description", ""),
		DisplayRef:  snapshotString(it.ProductData, "displayRef", ""),
	})
	if err != nil {
		return nil, err
	}

	if cerr := s.intents.CompleteSettlement(ctx, it.ID); cerr != nil {
		if cerr = s.intents.CompleteSettlement(ctx, it.ID); cerr != nil {
			s.logger.Error("CRITICAL: stuck resolution charged but intent still reads paid",
				"intentId", it.ID,
				"member", it.Member,
				"error", cerr)
		}
	}

	metrics.SettlementDuration.Observe(time.Since(it.CreatedAt).Seconds())

	s.logger.Info("stuck settlement resolved",
		"intentId", it.ID,
		"member", it.Member,
		"purchaseTokens", it.PurchaseTokens,
		"balance", balance)

	s.notifyBalance(it.Member, balance, "topup.settled", map[string]any{
		"member":   it.Member,
		"intentId": it.ID,
		"tokens":   it.PurchaseTokens,
		"balance":  balance,
		"entryId":  entry.ID,
	})

	fresh, err := s.intents.Get(ctx, it.ID)
	if err != nil {
		fresh = it
	}
	return &SettlementResult{Outcome: OutcomeSettled, Intent: fresh, NewBalance: balance}, nil
}

// notifyBalance fans a balance change out to the optional collaborators.
func (s *Service) notifyBalance(member string, balance int64, event string, data map[string]any) {
	if s.passes != nil {
		go s.passes.SyncBalance(context.Background(), member, balance)
	}
	if s.emitter != nil {
		s.emitter.Emit(event, data)
	}
}

func snapshotString(m map[string]any, key, fallback string) string {
	if m == nil {
		return fallback
	}
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
