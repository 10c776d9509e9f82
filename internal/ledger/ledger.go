// Package ledger tracks member token balances at the venue.
//
// Flow:
//  1. Member tops up with a card payment; settlement credits tokens
//  2. Member spends tokens on tickets and concessions (charges)
//  3. Staff issue goodwill and promotion credits
//
// Every movement is an append-only entry. The balance is a stored running
// total kept in the same transaction as the entry, so it never disagrees
// with the history it summarizes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marqueehq/marquee/internal/idgen"
	"github.com/marqueehq/marquee/internal/metrics"
	"github.com/marqueehq/marquee/internal/pagination"
	"github.com/marqueehq/marquee/internal/validation"
)

var (
	ErrInvalidMember   = errors.New("invalid member identifier")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrMemberNotFound  = errors.New("member has no ledger record")
	ErrMissingCategory = errors.New("entry category is required")
	ErrMissingChannel  = errors.New("entry channel is required")
)

// InsufficientFundsError reports a rejected charge along with the balance
// observed at the moment of the check, so callers can tell members exactly
// how many tokens they are short.
type InsufficientFundsError struct {
	Balance   int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d tokens, requested %d", e.Balance, e.Requested)
}

// Shortfall returns how many tokens are missing.
func (e *InsufficientFundsError) Shortfall() int64 {
	return e.Requested - e.Balance
}

// Direction says which way tokens moved.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionCharge Direction = "charge"
)

// Entry is one immutable ledger line. Entries are never updated or deleted;
// corrections are new entries in the opposite direction.
type Entry struct {
	ID          string    `json:"id"`
	Member      string    `json:"member"`
	Direction   Direction `json:"direction"`
	Amount      int64     `json:"amount"`
	Category    string    `json:"category"` // topup, purchase, goodwill, promotion, refund
	Channel     string    `json:"channel"`  // web, kiosk, box_office, staff, system
	Description string    `json:"description,omitempty"`
	DisplayRef  string    `json:"displayRef,omitempty"` // shown on receipts and member-facing pages
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance is a member's current token position.
type Balance struct {
	Member    string    `json:"member"`
	Tokens    int64     `json:"tokens"`
	TotalIn   int64     `json:"totalIn"`  // lifetime credits
	TotalOut  int64     `json:"totalOut"` // lifetime charges
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists ledger data. Implementations must make Charge atomic:
// the sufficient-balance check and the debit happen as one step, and the
// entry is recorded in the same transaction as the balance change.
type Store interface {
	GetBalance(ctx context.Context, member string) (*Balance, error)
	// Credit appends a credit entry and returns the resulting token balance.
	Credit(ctx context.Context, e *Entry) (int64, error)
	// Charge appends a charge entry if the member holds at least e.Amount
	// tokens, returning the resulting balance. Returns
	// *InsufficientFundsError when the balance falls short and
	// ErrMemberNotFound when the member has no balance row at all; only a
	// credit creates the row.
	Charge(ctx context.Context, e *Entry) (int64, error)
	// History returns up to limit entries newest-first, strictly older than
	// the cursor position when one is given.
	History(ctx context.Context, member string, limit int, before *pagination.Cursor) ([]*Entry, error)
	// AllEntries returns a member's full history oldest-first, for replay.
	AllEntries(ctx context.Context, member string) ([]*Entry, error)
	// Members lists every member that holds a balance row.
	Members(ctx context.Context) ([]string, error)
}

// EntryParams describes a credit or charge to record.
type EntryParams struct {
	Member      string
	Amount      int64
	Category    string
	Channel     string
	Description string
	DisplayRef  string
}

// Ledger manages member token balances.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a new ledger over the given store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// GetBalance returns a member's current balance. An account with no history
// reads as zero. A negative stored total means the history was tampered with
// or a migration went wrong; it is reported and floored to zero rather than
// shown to the member.
func (l *Ledger) GetBalance(ctx context.Context, member string) (*Balance, error) {
	defer observeOp("get_balance")()

	member = validation.SanitizeMemberID(member)
	bal, err := l.store.GetBalance(ctx, member)
	if err != nil {
		return nil, err
	}
	if bal.Tokens < 0 {
		l.logger.Error("ledger integrity violation: negative balance floored to zero",
			"member", member, "tokens", bal.Tokens)
		bal.Tokens = 0
	}
	return bal, nil
}

// Credit appends tokens to a member's balance. Zero-amount credits are
// allowed so promotions can leave an audit trail without moving tokens.
func (l *Ledger) Credit(ctx context.Context, p EntryParams) (*Entry, int64, error) {
	defer observeOp("credit")()

	e, err := l.buildEntry(p, DirectionCredit)
	if err != nil {
		return nil, 0, err
	}
	if p.Amount < 0 {
		return nil, 0, ErrInvalidAmount
	}

	tokens, err := l.store.Credit(ctx, e)
	if err != nil {
		return nil, 0, err
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(DirectionCredit)).Inc()
	return e, tokens, nil
}

// Charge atomically debits a member's balance if it covers the amount.
// The returned *InsufficientFundsError carries the observed balance so
// callers can compute what a member would need to top up. A member with
// no ledger record at all is refused with ErrMemberNotFound; unlike
// reads, a charge never treats a missing record as zero.
func (l *Ledger) Charge(ctx context.Context, p EntryParams) (*Entry, int64, error) {
	defer observeOp("charge")()

	e, err := l.buildEntry(p, DirectionCharge)
	if err != nil {
		return nil, 0, err
	}
	if p.Amount <= 0 {
		return nil, 0, ErrInvalidAmount
	}

	tokens, err := l.store.Charge(ctx, e)
	if err != nil {
		var insufficient *InsufficientFundsError
		if errors.As(err, &insufficient) {
			InsufficientChargesTotal.Inc()
		}
		return nil, 0, err
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(DirectionCharge)).Inc()
	return e, tokens, nil
}

// GetHistory returns a member's entries newest-first with an opaque cursor
// for the next page. An empty cursor starts from the most recent entry.
func (l *Ledger) GetHistory(ctx context.Context, member string, limit int, cursor string) ([]*Entry, string, error) {
	defer observeOp("get_history")()

	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}

	member = validation.SanitizeMemberID(member)
	entries, err := l.store.History(ctx, member, limit+1, before)
	if err != nil {
		return nil, "", err
	}

	page, next, _ := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

func (l *Ledger) buildEntry(p EntryParams, dir Direction) (*Entry, error) {
	member := validation.SanitizeMemberID(p.Member)
	if !validation.IsValidMemberID(member) {
		return nil, ErrInvalidMember
	}
	if p.Category == "" {
		return nil, ErrMissingCategory
	}
	if p.Channel == "" {
		return nil, ErrMissingChannel
	}

	return &Entry{
		ID:          idgen.WithPrefix("txn_"),
		Member:      member,
		Direction:   dir,
		Amount:      p.Amount,
		Category:    p.Category,
		Channel:     p.Channel,
		Description: p.Description,
		DisplayRef:  p.DisplayRef,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
