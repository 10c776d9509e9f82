// Package tickets sells seats for scheduled screenings.
//
// A reservation is a seat hold plus a token purchase. When the member's
// balance covers the price the reservation confirms on the spot; otherwise
// it stays pending on a purchase intent and confirms when the top-up
// settles. Pending holds give their seats back if the intent expires or is
// cancelled, which the service applies lazily on read the same way intents
// expire.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marqueehq/marquee/internal/idgen"
	"github.com/marqueehq/marquee/internal/intent"
	"github.com/marqueehq/marquee/internal/ledger"
	"github.com/marqueehq/marquee/internal/settlement"
	"github.com/marqueehq/marquee/internal/validation"
)

// Status of a reservation.
type Status string

const (
	// StatusPending means seats are held while the member tops up.
	StatusPending Status = "pending"
	// StatusConfirmed means the tokens were charged and the seats are sold.
	StatusConfirmed Status = "confirmed"
	// StatusCancelled means the hold was released without a sale.
	StatusCancelled Status = "cancelled"
)

const (
	// maxSeatsPerReservation keeps one member from draining a room.
	maxSeatsPerReservation = 10
	// pickupCodeLength is what the box office types or scans.
	pickupCodeLength = 8
)

var (
	ErrScreeningNotFound   = errors.New("screening not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrSoldOut             = errors.New("not enough seats left")
	ErrScreeningStarted    = errors.New("screening already started")
	ErrInvalidSeats        = fmt.Errorf("seat count must be between 1 and %d", maxSeatsPerReservation)
	ErrInvalidScreening    = errors.New("screening needs a title, a future start and positive capacity")
)

// Screening is a scheduled show with fixed seating.
type Screening struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Room        string    `json:"room"`
	StartsAt    time.Time `json:"startsAt"`
	Capacity    int       `json:"capacity"`
	Reserved    int       `json:"reserved"`
	PriceTokens int64     `json:"priceTokens"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SeatsLeft is how many seats can still be held.
func (s *Screening) SeatsLeft() int {
	return s.Capacity - s.Reserved
}

// Reservation is a member's claim on seats, identified to staff by a short
// pickup code.
type Reservation struct {
	ID         string     `json:"id"`
	Screening  string     `json:"screeningId"`
	Member     string     `json:"member"`
	Seats      int        `json:"seats"`
	Code       string     `json:"code"`
	Status     Status     `json:"status"`
	IntentID   string     `json:"intentId,omitempty"`
	EntryID    string     `json:"entryId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists screenings and reservations.
type Store interface {
	CreateScreening(ctx context.Context, s *Screening) error
	GetScreening(ctx context.Context, id string) (*Screening, error)
	ListScreenings(ctx context.Context, from time.Time) ([]*Screening, error)

	// HoldSeats increments the reserved count only when the screening can
	// still seat the request. Returns false when it cannot. The check and
	// the increment are one atomic step, so concurrent holds never oversell.
	HoldSeats(ctx context.Context, screeningID string, seats int) (bool, error)
	// ReleaseSeats gives seats back after a cancelled or expired hold.
	ReleaseSeats(ctx context.Context, screeningID string, seats int) error

	CreateReservation(ctx context.Context, r *Reservation) error
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	GetReservationByCode(ctx context.Context, code string) (*Reservation, error)
	GetReservationByIntent(ctx context.Context, intentID string) (*Reservation, error)
	// TransitionReservation moves id from one status to another, stamping
	// resolvedAt and, when non-empty, entryID. Returns false when the
	// reservation was not in the from status.
	TransitionReservation(ctx context.Context, id string, from, to Status, entryID string) (bool, error)
}

// Purchaser runs the token purchase for a reservation.
// *settlement.Service satisfies it.
type Purchaser interface {
	RequestPurchase(ctx context.Context, req settlement.PurchaseRequest) (*settlement.PurchaseResult, error)
}

// IntentReader reports top-up status for pending reservations.
// *intent.Service satisfies it.
type IntentReader interface {
	Get(ctx context.Context, id string) (*intent.Intent, error)
}

// Service coordinates seat holds with the purchase flow.
type Service struct {
	store     Store
	purchases Purchaser
	intents   IntentReader
	logger    *slog.Logger
	emitter   settlement.EventEmitter
}

func NewService(store Store, purchases Purchaser, intents IntentReader, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		purchases: purchases,
		intents:   intents,
		logger:    logger.With("component", "tickets"),
	}
}

// WithEmitter attaches a live event feed. Optional.
func (s *Service) WithEmitter(e settlement.EventEmitter) *Service {
	s.emitter = e
	return s
}

func (s *Service) emit(event string, data map[string]any) {
	if s.emitter != nil {
		s.emitter.Emit(event, data)
	}
}

// ScreeningParams describes a screening to schedule.
type ScreeningParams struct {
	Title       string
	Room        string
	StartsAt    time.Time
	Capacity    int
	PriceTokens int64
}

// CreateScreening schedules a show.
func (s *Service) CreateScreening(ctx context.Context, p ScreeningParams) (*Screening, error) {
	if strings.TrimSpace(p.Title) == "" || p.Capacity <= 0 || p.PriceTokens <= 0 {
		return nil, ErrInvalidScreening
	}
	if !p.StartsAt.After(time.Now()) {
		return nil, ErrInvalidScreening
	}

	sc := &Screening{
		ID:          idgen.WithPrefix("scr_"),
		Title:       strings.TrimSpace(p.Title),
		Room:        strings.TrimSpace(p.Room),
		StartsAt:    p.StartsAt.UTC(),
		Capacity:    p.Capacity,
		PriceTokens: p.PriceTokens,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateScreening(ctx, sc); err != nil {
		return nil, fmt.Errorf("failed to create screening: %w", err)
	}

	s.logger.Info("screening scheduled",
		"screeningId", sc.ID,
		"title", sc.Title,
		"startsAt", sc.StartsAt,
		"capacity", sc.Capacity,
		"priceTokens", sc.PriceTokens)
	return sc, nil
}

// GetScreening returns one screening.
func (s *Service) GetScreening(ctx context.Context, id string) (*Screening, error) {
	return s.store.GetScreening(ctx, id)
}

// ListScreenings returns screenings that have not started yet.
func (s *Service) ListScreenings(ctx context.Context) ([]*Screening, error) {
	return s.store.ListScreenings(ctx, time.Now())
}

// ReserveParams describes a seat request.
type ReserveParams struct {
	Member      string
	ScreeningID string
	Seats       int
	Channel     string
}

// ReserveResult pairs the reservation with the purchase outcome. When the
// purchase came back topup_required the caller forwards the checkout URL
// and the reservation stays pending until settlement.
type ReserveResult struct {
	Reservation *Reservation
	Purchase    *settlement.PurchaseResult
}

// Reserve holds seats and charges for them. The hold happens before the
// charge so two members cannot buy the same seat; if the charge path fails
// outright the hold is released.
func (s *Service) Reserve(ctx context.Context, p ReserveParams) (*ReserveResult, error) {
	member := validation.SanitizeMemberID(p.Member)
	if !validation.IsValidMemberID(member) {
		return nil, ledger.ErrInvalidMember
	}
	if p.Seats < 1 || p.Seats > maxSeatsPerReservation {
		return nil, ErrInvalidSeats
	}

	sc, err := s.store.GetScreening(ctx, p.ScreeningID)
	if err != nil {
		return nil, err
	}
	if !sc.StartsAt.After(time.Now()) {
		return nil, ErrScreeningStarted
	}

	held, err := s.store.HoldSeats(ctx, sc.ID, p.Seats)
	if err != nil {
		return nil, fmt.Errorf("failed to hold seats: %w", err)
	}
	if !held {
		return nil, ErrSoldOut
	}

	r := &Reservation{
		ID:        idgen.WithPrefix("res_"),
		Screening: sc.ID,
		Member:    member,
		Seats:     p.Seats,
		Code:      idgen.Code(pickupCodeLength),
		CreatedAt: time.Now().UTC(),
	}

	result, err := s.purchases.RequestPurchase(ctx, settlement.PurchaseRequest{
		Member:      member,
		Tokens:      int64(p.Seats) * sc.PriceTokens,
		Channel:     p.Channel,
		Category:    "tickets",
		Description: fmt.Sprintf("%d seat(s) for %s", p.Seats, sc.Title),
		DisplayRef:  r.Code,
		ProductData: map[string]any{
			"productType":   "cine",
			"screeningId":   sc.ID,
			"seats":         p.Seats,
			"reservationId": r.ID,
		},
	})
	if err != nil {
		if relErr := s.store.ReleaseSeats(ctx, sc.ID, p.Seats); relErr != nil {
			s.logger.Error("failed to release seats after purchase error",
				"screeningId", sc.ID,
				"seats", p.Seats,
				"error", relErr)
		}
		return nil, err
	}

	now := time.Now().UTC()
	switch result.Outcome {
	case settlement.OutcomeCharged:
		r.Status = StatusConfirmed
		r.EntryID = result.Entry.ID
		r.ResolvedAt = &now
	default:
		r.Status = StatusPending
		r.IntentID = result.Intent.ID
	}

	if err := s.store.CreateReservation(ctx, r); err != nil {
		// The tokens are already moved or the intent already open; only the
		// seat hold is safe to undo here.
		s.logger.Error("CRITICAL: reservation write failed after purchase",
			"member", member,
			"screeningId", sc.ID,
			"outcome", result.Outcome,
			"error", err)
		if relErr := s.store.ReleaseSeats(ctx, sc.ID, p.Seats); relErr != nil {
			s.logger.Error("failed to release seats after reservation write failure",
				"screeningId", sc.ID,
				"seats", p.Seats,
				"error", relErr)
		}
		return nil, fmt.Errorf("failed to create reservation: %w", err)
	}

	s.logger.Info("reservation created",
		"reservationId", r.ID,
		"screeningId", sc.ID,
		"member", member,
		"seats", p.Seats,
		"status", r.Status)
	s.emit("reservation.created", map[string]any{
		"reservationId": r.ID,
		"screeningId":   sc.ID,
		"member":        member,
		"seats":         p.Seats,
		"status":        string(r.Status),
	})
	return &ReserveResult{Reservation: r, Purchase: result}, nil
}

// GetReservation looks a reservation up by res_ id or pickup code and
// resolves a pending one against its intent.
func (s *Service) GetReservation(ctx context.Context, ref string) (*Reservation, error) {
	var (
		r   *Reservation
		err error
	)
	if strings.HasPrefix(ref, "res_") {
		r, err = s.store.GetReservation(ctx, ref)
	} else {
		r, err = s.store.GetReservationByCode(ctx, strings.ToUpper(strings.TrimSpace(ref)))
	}
	if err != nil {
		return nil, err
	}
	return s.resolvePending(ctx, r), nil
}

// ConfirmByIntent flips the reservation riding on a settled intent to
// confirmed. Purchases that never came from a reservation have no match,
// which is not an error.
func (s *Service) ConfirmByIntent(ctx context.Context, intentID, entryID string) error {
	r, err := s.store.GetReservationByIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, ErrReservationNotFound) {
			return nil
		}
		return err
	}
	if r.Status != StatusPending {
		return nil
	}

	flipped, err := s.store.TransitionReservation(ctx, r.ID, StatusPending, StatusConfirmed, entryID)
	if err != nil {
		return fmt.Errorf("failed to confirm reservation %s: %w", r.ID, err)
	}
	if flipped {
		s.logger.Info("reservation confirmed by settlement",
			"reservationId", r.ID,
			"intentId", intentID,
			"member", r.Member)
		s.emit("reservation.confirmed", map[string]any{
			"reservationId": r.ID,
			"screeningId":   r.Screening,
			"member":        r.Member,
			"seats":         r.Seats,
		})
	}
	return nil
}

// resolvePending checks a pending reservation's intent and applies the
// outcome: settled confirms, expired or cancelled releases the seats.
func (s *Service) resolvePending(ctx context.Context, r *Reservation) *Reservation {
	if r.Status != StatusPending || r.IntentID == "" || s.intents == nil {
		return r
	}

	it, err := s.intents.Get(ctx, r.IntentID)
	if err != nil {
		s.logger.Warn("pending reservation has unreadable intent",
			"reservationId", r.ID,
			"intentId", r.IntentID,
			"error", err)
		return r
	}

	switch it.Status {
	case intent.StatusCompleted:
		if flipped, err := s.store.TransitionReservation(ctx, r.ID, StatusPending, StatusConfirmed, ""); err == nil && flipped {
			s.logger.Info("reservation confirmed on read",
				"reservationId", r.ID,
				"intentId", r.IntentID)
			s.emit("reservation.confirmed", map[string]any{
				"reservationId": r.ID,
				"screeningId":   r.Screening,
				"member":        r.Member,
				"seats":         r.Seats,
			})
		}
	case intent.StatusExpired, intent.StatusCancelled:
		if flipped, err := s.store.TransitionReservation(ctx, r.ID, StatusPending, StatusCancelled, ""); err == nil && flipped {
			if relErr := s.store.ReleaseSeats(ctx, r.Screening, r.Seats); relErr != nil {
				s.logger.Error("failed to release seats for dead reservation",
					"reservationId", r.ID,
					"error", relErr)
			}
			s.logger.Info("reservation cancelled, top-up never settled",
				"reservationId", r.ID,
				"intentId", r.IntentID,
				"intentStatus", it.Status)
		}
	default:
		return r
	}

	fresh, err := s.store.GetReservation(ctx, r.ID)
	if err != nil {
		return r
	}
	return fresh
}
