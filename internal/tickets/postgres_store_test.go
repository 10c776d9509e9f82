//go:build integration

package tickets

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marqueehq/marquee/internal/testutil"
)

func pgScreening(id string, capacity int) *Screening {
	now := time.Now().UTC()
	return &Screening{
		ID:          id,
		Title:       "Stalker",
		Room:        "Screen 3",
		StartsAt:    now.Add(4 * time.Hour),
		Capacity:    capacity,
		PriceTokens: 1500,
		CreatedAt:   now,
	}
}

func pgReservation(id, screeningID, code string, status Status) *Reservation {
	return &Reservation{
		ID:        id,
		Screening: screeningID,
		Member:    "ada@example.com",
		Seats:     2,
		Code:      code,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

func TestPostgresTickets_ScreeningRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	want := pgScreening("scr_aaaaaaaaaaaaaaaaaaaaaaaa", 120)
	if err := store.CreateScreening(ctx, want); err != nil {
		t.Fatalf("CreateScreening failed: %v", err)
	}

	got, err := store.GetScreening(ctx, want.ID)
	if err != nil {
		t.Fatalf("GetScreening failed: %v", err)
	}
	if got.Title != want.Title || got.Capacity != 120 || got.PriceTokens != 1500 {
		t.Errorf("Screening fields lost in round trip: %+v", got)
	}
	if got.Reserved != 0 {
		t.Errorf("Expected unreserved, got %d", got.Reserved)
	}

	if _, err := store.GetScreening(ctx, "scr_missing"); !errors.Is(err, ErrScreeningNotFound) {
		t.Errorf("Expected ErrScreeningNotFound, got %v", err)
	}
}

func TestPostgresTickets_ListScreenings(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	past := pgScreening("scr_past00000000000000000000", 50)
	past.StartsAt = now.Add(-time.Hour)
	store.CreateScreening(ctx, past)
	store.CreateScreening(ctx, pgScreening("scr_future0000000000000000000", 50))

	list, err := store.ListScreenings(ctx, now)
	if err != nil {
		t.Fatalf("ListScreenings failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != "scr_future0000000000000000000" {
		t.Errorf("Expected only the future screening, got %d", len(list))
	}
}

func TestPostgresTickets_HoldAndReleaseSeats(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	sc := pgScreening("scr_hold000000000000000000000", 3)
	store.CreateScreening(ctx, sc)

	held, err := store.HoldSeats(ctx, sc.ID, 2)
	if err != nil || !held {
		t.Fatalf("Expected hold to succeed, got held=%v err=%v", held, err)
	}

	// Only one seat left; asking for two must refuse and hold nothing.
	held, err = store.HoldSeats(ctx, sc.ID, 2)
	if err != nil {
		t.Fatalf("HoldSeats failed: %v", err)
	}
	if held {
		t.Fatal("Expected refusal when capacity cannot seat the request")
	}

	got, _ := store.GetScreening(ctx, sc.ID)
	if got.Reserved != 2 {
		t.Errorf("Expected 2 reserved after refused hold, got %d", got.Reserved)
	}

	if err := store.ReleaseSeats(ctx, sc.ID, 2); err != nil {
		t.Fatalf("ReleaseSeats failed: %v", err)
	}
	got, _ = store.GetScreening(ctx, sc.ID)
	if got.Reserved != 0 {
		t.Errorf("Expected 0 reserved after release, got %d", got.Reserved)
	}

	if _, err := store.HoldSeats(ctx, "scr_missing", 1); !errors.Is(err, ErrScreeningNotFound) {
		t.Errorf("Expected ErrScreeningNotFound, got %v", err)
	}
}

func TestPostgresTickets_ConcurrentHolds(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	sc := pgScreening("scr_race000000000000000000000", 10)
	store.CreateScreening(ctx, sc)

	var wg sync.WaitGroup
	results := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			held, err := store.HoldSeats(ctx, sc.ID, 1)
			if err != nil {
				t.Errorf("HoldSeats failed: %v", err)
				return
			}
			results <- held
		}()
	}
	wg.Wait()
	close(results)

	held := 0
	for ok := range results {
		if ok {
			held++
		}
	}
	if held != 10 {
		t.Errorf("Expected exactly 10 holds to win, got %d", held)
	}

	got, _ := store.GetScreening(ctx, sc.ID)
	if got.Reserved != 10 {
		t.Errorf("Expected all 10 seats reserved, got %d", got.Reserved)
	}
}

func TestPostgresTickets_ReservationRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	sc := pgScreening("scr_res0000000000000000000000", 50)
	store.CreateScreening(ctx, sc)

	r := pgReservation("res_aaaaaaaaaaaaaaaaaaaaaaaa", sc.ID, "QWERTY23", StatusPending)
	r.IntentID = "pur_bbbbbbbbbbbbbbbbbbbbbbbb"
	if err := store.CreateReservation(ctx, r); err != nil {
		t.Fatalf("CreateReservation failed: %v", err)
	}

	byID, err := store.GetReservation(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReservation failed: %v", err)
	}
	if byID.Code != "QWERTY23" || byID.IntentID != r.IntentID || byID.EntryID != "" {
		t.Errorf("Reservation fields lost in round trip: %+v", byID)
	}

	if byCode, err := store.GetReservationByCode(ctx, "QWERTY23"); err != nil || byCode.ID != r.ID {
		t.Errorf("Lookup by code failed: %v", err)
	}
	if byIntent, err := store.GetReservationByIntent(ctx, r.IntentID); err != nil || byIntent.ID != r.ID {
		t.Errorf("Lookup by intent failed: %v", err)
	}
	if _, err := store.GetReservationByCode(ctx, "NOPE0000"); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("Expected ErrReservationNotFound, got %v", err)
	}
}

func TestPostgresTickets_TransitionReservation(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	sc := pgScreening("scr_tr00000000000000000000000", 50)
	store.CreateScreening(ctx, sc)
	r := pgReservation("res_tr0000000000000000000000", sc.ID, "TRANS234", StatusPending)
	store.CreateReservation(ctx, r)

	flipped, err := store.TransitionReservation(ctx, r.ID, StatusPending, StatusConfirmed, "txn_settle1")
	if err != nil || !flipped {
		t.Fatalf("Expected transition to win, got flipped=%v err=%v", flipped, err)
	}

	got, _ := store.GetReservation(ctx, r.ID)
	if got.Status != StatusConfirmed || got.EntryID != "txn_settle1" || got.ResolvedAt == nil {
		t.Errorf("Expected confirmed with entry and resolvedAt, got %+v", got)
	}

	// Stale CAS loses without clobbering the entry id.
	flipped, err = store.TransitionReservation(ctx, r.ID, StatusPending, StatusCancelled, "")
	if err != nil || flipped {
		t.Fatalf("Expected stale transition to lose, got flipped=%v err=%v", flipped, err)
	}
	got, _ = store.GetReservation(ctx, r.ID)
	if got.Status != StatusConfirmed || got.EntryID != "txn_settle1" {
		t.Errorf("Stale transition must not alter the row: %+v", got)
	}

	if _, err := store.TransitionReservation(ctx, "res_missing", StatusPending, StatusConfirmed, ""); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("Expected ErrReservationNotFound, got %v", err)
	}
}
