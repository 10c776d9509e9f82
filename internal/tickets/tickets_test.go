package tickets

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marqueehq/marquee/internal/intent"
	"github.com/marqueehq/marquee/internal/ledger"
	"github.com/marqueehq/marquee/internal/settlement"
)

// stubCheckout stands in for the payment provider.
type stubCheckout struct {
	err error
}

func (s *stubCheckout) CreateCheckoutSession(ctx context.Context, intentID, member string, topUpTokens int64, channel string) (string, string, error) {
	if s.err != nil {
		return "", "", s.err
	}
	ref := "cs_" + intentID
	return ref, "https://pay.example.com/" + ref, nil
}

// failingPurchaser errors before any tokens move.
type failingPurchaser struct{}

func (failingPurchaser) RequestPurchase(ctx context.Context, req settlement.PurchaseRequest) (*settlement.PurchaseResult, error) {
	return nil, errors.New("purchase backend down")
}

// settledEmitter wires settlement events to reservation confirmation the
// same way the server does.
type settledEmitter struct {
	tickets *Service
}

func (e *settledEmitter) Emit(event string, data map[string]any) {
	if event != "topup.settled" {
		return
	}
	intentID, _ := data["intentId"].(string)
	entryID, _ := data["entryId"].(string)
	if err := e.tickets.ConfirmByIntent(context.Background(), intentID, entryID); err != nil {
		panic(err)
	}
}

type ticketsEnv struct {
	svc     *Service
	store   *MemoryStore
	tokens  *ledger.Ledger
	intents *intent.Service
	settle  *settlement.Service
}

func newTicketsEnv(ttl time.Duration) *ticketsEnv {
	quiet := slog.New(slog.DiscardHandler)
	tokens := ledger.New(ledger.NewMemoryStore(), quiet)
	intents := intent.NewService(intent.NewMemoryStore(), ttl, quiet)
	settle := settlement.NewService(tokens, intents, &stubCheckout{}, quiet)
	store := NewMemoryStore()
	svc := NewService(store, settle, intents, quiet)
	settle.WithEmitter(&settledEmitter{tickets: svc})
	return &ticketsEnv{svc, store, tokens, intents, settle}
}

func (e *ticketsEnv) credit(t *testing.T, member string, amount int64) {
	t.Helper()
	_, _, err := e.tokens.Credit(context.Background(), ledger.EntryParams{
		Member:   member,
		Amount:   amount,
		Category: "topup",
		Channel:  "staff",
	})
	if err != nil {
		t.Fatalf("seed credit failed: %v", err)
	}
}

func (e *ticketsEnv) balance(t *testing.T, member string) int64 {
	t.Helper()
	b, err := e.tokens.GetBalance(context.Background(), member)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	return b.Tokens
}

func (e *ticketsEnv) screening(t *testing.T, capacity int, price int64) *Screening {
	t.Helper()
	sc, err := e.svc.CreateScreening(context.Background(), ScreeningParams{
		Title:       "The Grand Budapest Hotel",
		Room:        "Screen 2",
		StartsAt:    time.Now().Add(3 * time.Hour),
		Capacity:    capacity,
		PriceTokens: price,
	})
	if err != nil {
		t.Fatalf("CreateScreening failed: %v", err)
	}
	return sc
}

func TestCreateScreening(t *testing.T) {
	env := newTicketsEnv(0)

	sc := env.screening(t, 120, 2000)
	if len(sc.ID) < 4 || sc.ID[:4] != "scr_" {
		t.Errorf("Expected scr_ id, got %s", sc.ID)
	}
	if sc.Reserved != 0 {
		t.Errorf("Expected fresh screening unreserved, got %d", sc.Reserved)
	}
	if sc.SeatsLeft() != 120 {
		t.Errorf("Expected 120 seats left, got %d", sc.SeatsLeft())
	}
}

func TestCreateScreening_Invalid(t *testing.T) {
	env := newTicketsEnv(0)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name   string
		params ScreeningParams
	}{
		{"empty title", ScreeningParams{Title: "  ", StartsAt: future, Capacity: 10, PriceTokens: 100}},
		{"past start", ScreeningParams{Title: "X", StartsAt: time.Now().Add(-time.Hour), Capacity: 10, PriceTokens: 100}},
		{"zero capacity", ScreeningParams{Title: "X", StartsAt: future, Capacity: 0, PriceTokens: 100}},
		{"zero price", ScreeningParams{Title: "X", StartsAt: future, Capacity: 10, PriceTokens: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.CreateScreening(context.Background(), tt.params); !errors.Is(err, ErrInvalidScreening) {
				t.Errorf("Expected ErrInvalidScreening, got %v", err)
			}
		})
	}
}

func TestListScreenings_OnlyUpcoming(t *testing.T) {
	env := newTicketsEnv(0)

	late := env.screening(t, 10, 100)
	early, err := env.svc.CreateScreening(context.Background(), ScreeningParams{
		Title:       "Matinee",
		StartsAt:    time.Now().Add(time.Hour),
		Capacity:    10,
		PriceTokens: 100,
	})
	if err != nil {
		t.Fatalf("CreateScreening failed: %v", err)
	}
	// One already started, seeded straight into the store.
	env.store.CreateScreening(context.Background(), &Screening{
		ID:          "scr_past",
		Title:       "Yesterday's show",
		StartsAt:    time.Now().Add(-time.Hour),
		Capacity:    10,
		PriceTokens: 100,
		CreatedAt:   time.Now(),
	})

	list, err := env.svc.ListScreenings(context.Background())
	if err != nil {
		t.Fatalf("ListScreenings failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 upcoming screenings, got %d", len(list))
	}
	if list[0].ID != early.ID || list[1].ID != late.ID {
		t.Errorf("Expected soonest first, got %s then %s", list[0].ID, list[1].ID)
	}
}

func TestReserve_Charged(t *testing.T) {
	env := newTicketsEnv(0)
	env.credit(t, "ada@example.com", 10000)
	sc := env.screening(t, 120, 2000)

	result, err := env.svc.Reserve(context.Background(), ReserveParams{
		Member:      "ada@example.com",
		ScreeningID: sc.ID,
		Seats:       2,
		Channel:     "web",
	})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	r := result.Reservation
	if r.Status != StatusConfirmed {
		t.Errorf("Expected confirmed, got %s", r.Status)
	}
	if len(r.Code) != pickupCodeLength {
		t.Errorf("Expected %d-char pickup code, got %q", pickupCodeLength, r.Code)
	}
	if r.EntryID == "" {
		t.Error("Expected charge entry recorded on reservation")
	}
	if result.Purchase.Outcome != settlement.OutcomeCharged {
		t.Errorf("Expected charged outcome, got %s", result.Purchase.Outcome)
	}
	if got := env.balance(t, "ada@example.com"); got != 6000 {
		t.Errorf("Expected balance 6000 after 2x2000 seats, got %d", got)
	}

	fresh, _ := env.svc.GetScreening(context.Background(), sc.ID)
	if fresh.Reserved != 2 {
		t.Errorf("Expected 2 seats reserved, got %d", fresh.Reserved)
	}
}

func TestReserve_TopUpRequired(t *testing.T) {
	env := newTicketsEnv(0)
	env.credit(t, "ada@example.com", 1000)
	sc := env.screening(t, 120, 2000)

	result, err := env.svc.Reserve(context.Background(), ReserveParams{
		Member:      "ada@example.com",
		ScreeningID: sc.ID,
		Seats:       2,
	})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	if result.Purchase.Outcome != settlement.OutcomeTopUpRequired {
		t.Fatalf("Expected topup_required, got %s", result.Purchase.Outcome)
	}
	if result.Purchase.AmountToTopUp != 3000 {
		t.Errorf("Expected 3000 shortfall, got %d", result.Purchase.AmountToTopUp)
	}

	r := result.Reservation
	if r.Status != StatusPending {
		t.Errorf("Expected pending reservation, got %s", r.Status)
	}
	if r.IntentID != result.Purchase.Intent.ID {
		t.Errorf("Expected reservation tied to intent %s, got %s", result.Purchase.Intent.ID, r.IntentID)
	}

	// Seats stay held while the member tops up.
	fresh, _ := env.svc.GetScreening(context.Background(), sc.ID)
	if fresh.Reserved != 2 {
		t.Errorf("Expected 2 seats held, got %d", fresh.Reserved)
	}
	if got := env.balance(t, "ada@example.com"); got != 1000 {
		t.Errorf("Expected balance untouched, got %d", got)
	}
}

func TestReserve_ConfirmedBySettlement(t *testing.T) {
	env := newTicketsEnv(30 * time.Minute)
	env.credit(t, "ada@example.com", 1000)
	sc := env.screening(t, 120, 2000)

	result, err := env.svc.Reserve(context.Background(), ReserveParams{
		Member:      "ada@example.com",
		ScreeningID: sc.ID,
		Seats:       2,
	})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	ref := result.Purchase.Intent.PaymentRef

	settled, err := env.settle.OnPaymentConfirmed(context.Background(), ref)
	if err != nil {
		t.Fatalf("OnPaymentConfirmed failed: %v", err)
	}
	if settled.Outcome != settlement.OutcomeSettled {
		t.Fatalf("Expected settled, got %s", settled.Outcome)
	}

	r, err := env.svc.GetReservation(context.Background(), result.Reservation.ID)
	if err != nil {
		t.Fatalf("GetReservation failed: %v", err)
	}
	if r.Status != StatusConfirmed {
		t.Errorf("Expected confirmed after settlement, got %s", r.Status)
	}
	if r.EntryID == "" {
		t.Error("Expected settlement charge entry on reservation")
	}
	if got := env.balance(t, "ada@example.com"); got != 0 {
		t.Errorf("Expected exact top-up spent, got %d", got)
	}
}

func TestReserve_SoldOut(t *testing.T) {
	env := newTicketsEnv(0)
	env.credit(t, "ada@example.com", 100000)
	env.credit(t, "bob@example.com", 100000)
	sc := env.screening(t, 3, 2000)

	if _, err := env.svc.Reserve(context.Background(), ReserveParams{
		Member: "ada@example.com", ScreeningID: sc.ID, Seats: 3,
	}); err != nil {
		t.Fatalf("First reserve failed: %v", err)
	}

	_, err := env.svc.Reserve(context.Background(), ReserveParams{
		Member: "bob@example.com", ScreeningID: sc.ID, Seats: 1,
	})
	if !errors.Is(err, ErrSoldOut) {
		t.Fatalf("Expected ErrSoldOut, got %v", err)
	}

	// Bob paid nothing for the refusal.
	if got := env.balance(t, "bob@example.com"); got != 100000 {
		t.Errorf("Expected bob untouched, got %d", got)
	}
}

func TestReserve_ReleasesSeatsOnPurchaseError(t *testing.T) {
	env := newTicketsEnv(0)
	sc := env.screening(t, 10, 2000)
	env.svc.purchases = failingPurchaser{}

	_, err := env.svc.Reserve(context.Background(), ReserveParams{
		Member: "ada@example.com", ScreeningID: sc.ID, Seats: 4,
	})
	if err == nil {
		t.Fatal("Expected purchase error to surface")
	}

	fresh, _ := env.svc.GetScreening(context.Background(), sc.ID)
	if fresh.Reserved != 0 {
		t.Errorf("Expected seats released after purchase error, got %d held", fresh.Reserved)
	}
}

func TestReserve_InvalidInputs(t *testing.T) {
	env := newTicketsEnv(0)
	sc := env.screening(t, 10, 2000)

	tests := []struct {
		name    string
		params  ReserveParams
		wantErr error
	}{
		{"bad member", ReserveParams{Member: "not-an-email", ScreeningID: sc.ID, Seats: 1}, ledger.ErrInvalidMember},
		{"zero seats", ReserveParams{Member: "ada@example.com", ScreeningID: sc.ID, Seats: 0}, ErrInvalidSeats},
		{"too many seats", ReserveParams{Member: "ada@example.com", ScreeningID: sc.ID, Seats: 11}, ErrInvalidSeats},
		{"unknown screening", ReserveParams{Member: "ada@example.com", ScreeningID: "scr_missing", Seats: 1}, ErrScreeningNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.Reserve(context.Background(), tt.params); !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestReserve_ScreeningStarted(t *testing.T) {
	env := newTicketsEnv(0)
	env.store.CreateScreening(context.Background(), &Screening{
		ID:          "scr_started",
		Title:       "Rolling now",
		StartsAt:    time.Now().Add(-time.Minute),
		Capacity:    10,
		PriceTokens: 100,
		CreatedAt:   time.Now(),
	})

	_, err := env.svc.Reserve(context.Background(), ReserveParams{
		Member: "ada@example.com", ScreeningID: "scr_started", Seats: 1,
	})
	if !errors.Is(err, ErrScreeningStarted) {
		t.Errorf("Expected ErrScreeningStarted, got %v", err)
	}
}

func TestReserve_ConcurrentHoldsNeverOversell(t *testing.T) {
	env := newTicketsEnv(0)
	sc := env.screening(t, 10, 100)

	members := []string{
		"a@example.com", "b@example.com", "c@example.com", "d@example.com",
		"e@example.com", "f@example.com", "g@example.com", "h@example.com",
		"i@example.com", "j@example.com", "k@example.com", "l@example.com",
		"m@example.com", "n@example.com", "o@example.com", "p@example.com",
		"q@example.com", "r@example.com", "s@example.com", "u@example.com",
	}
	for _, m := range members {
		env.credit(t, m, 1000)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	won, soldOut := 0, 0
	for _, m := range members {
		wg.Add(1)
		go func(member string) {
			defer wg.Done()
			_, err := env.svc.Reserve(context.Background(), ReserveParams{
				Member: member, ScreeningID: sc.ID, Seats: 1,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrSoldOut):
				soldOut++
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}(m)
	}
	wg.Wait()

	if won != 10 || soldOut != 10 {
		t.Errorf("Expected exactly 10 winners and 10 refusals, got %d/%d", won, soldOut)
	}
	fresh, _ := env.svc.GetScreening(context.Background(), sc.ID)
	if fresh.Reserved != 10 {
		t.Errorf("Expected every seat reserved exactly once, got %d", fresh.Reserved)
	}
}

func TestGetReservation_ByCode(t *testing.T) {
	env := newTicketsEnv(0)
	env.credit(t, "ada@example.com", 10000)
	sc := env.screening(t, 10, 1000)

	result, err := env.svc.Reserve(context.Background(), ReserveParams{
		Member: "ada@example.com", ScreeningID: sc.ID, Seats: 1,
	})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	r, err := env.svc.GetReservation(context.Background(), result.Reservation.Code)
	if err != nil {
		t.Fatalf("Lookup by code failed: %v", err)
	}
	if r.ID != result.Reservation.ID {
		t.Errorf("Expected %s, got %s", result.Reservation.ID, r.ID)
	}

	// Codes are case-insensitive at the box office.
	lower := "  " + strings.ToLower(result.Reservation.Code) + " "
	if _, err := env.svc.GetReservation(context.Background(), lower); err != nil {
		t.Errorf("Expected lowercase code to resolve, got %v", err)
	}

	if _, err := env.svc.GetReservation(context.Background(), "NOPE1234"); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("Expected ErrReservationNotFound, got %v", err)
	}
}

func TestGetReservation_ExpiredTopUpReleasesSeats(t *testing.T) {
	env := newTicketsEnv(10 * time.Millisecond)
	env.credit(t, "ada@example.com", 1000)
	sc := env.screening(t, 10, 2000)

	result, err := env.svc.Reserve(context.Background(), ReserveParams{
		Member: "ada@example.com", ScreeningID: sc.ID, Seats: 2,
	})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if result.Reservation.Status != StatusPending {
		t.Fatalf("Expected pending, got %s", result.Reservation.Status)
	}

	time.Sleep(20 * time.Millisecond)

	r, err := env.svc.GetReservation(context.Background(), result.Reservation.ID)
	if err != nil {
		t.Fatalf("GetReservation failed: %v", err)
	}
	if r.Status != StatusCancelled {
		t.Errorf("Expected cancelled after top-up expiry, got %s", r.Status)
	}
	fresh, _ := env.svc.GetScreening(context.Background(), sc.ID)
	if fresh.Reserved != 0 {
		t.Errorf("Expected seats released, got %d held", fresh.Reserved)
	}

	// A late payment confirmation cannot resurrect the reservation.
	if res, err := env.settle.OnPaymentConfirmed(context.Background(), result.Purchase.Intent.PaymentRef); err != nil {
		t.Fatalf("OnPaymentConfirmed failed: %v", err)
	} else if res.Outcome != settlement.OutcomeAlreadyHandled {
		t.Errorf("Expected already_handled, got %s", res.Outcome)
	}
}

func TestConfirmByIntent_UnmatchedIsNoop(t *testing.T) {
	env := newTicketsEnv(0)
	if err := env.svc.ConfirmByIntent(context.Background(), "pur_unmatched", "txn_x"); err != nil {
		t.Errorf("Expected unmatched intent to be a no-op, got %v", err)
	}
}
