package intent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testService(ttl time.Duration) (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store, ttl, slog.New(slog.DiscardHandler)), store
}

func createParams() CreateParams {
	return CreateParams{
		Member:         "ada@example.com",
		PurchaseTokens: 6000,
		TopUpTokens:    4000,
		Channel:        "web",
		ProductData:    map[string]any{"sku": "tickets", "screeningId": "scr_abc"},
		PaymentRef:     "cs_test_123",
		CheckoutURL:    "https://checkout.example.com/cs_test_123",
	}
}

func TestService_Create(t *testing.T) {
	svc, _ := testService(30 * time.Minute)

	before := time.Now().UTC()
	it, err := svc.Create(context.Background(), createParams())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if it.Status != StatusPending {
		t.Errorf("Expected status pending, got %s", it.Status)
	}
	if len(it.ID) < 5 || it.ID[:4] != "pur_" {
		t.Errorf("Expected pur_ id, got %s", it.ID)
	}
	if it.PurchaseTokens != 6000 || it.TopUpTokens != 4000 {
		t.Errorf("Unexpected amounts: %+v", it)
	}

	window := it.ExpiresAt.Sub(before)
	if window < 29*time.Minute || window > 31*time.Minute {
		t.Errorf("Expected roughly 30m payment window, got %v", window)
	}
}

func TestService_Create_NormalizesMember(t *testing.T) {
	svc, _ := testService(0)

	p := createParams()
	p.Member = "  Ada@Example.COM "
	it, err := svc.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if it.Member != "ada@example.com" {
		t.Errorf("Expected normalized member, got %s", it.Member)
	}
}

func TestService_Create_PresetID(t *testing.T) {
	svc, _ := testService(0)

	p := createParams()
	p.ID = NewID()
	it, err := svc.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if it.ID != p.ID {
		t.Errorf("Expected preset id %s, got %s", p.ID, it.ID)
	}
}

func TestService_Create_Invalid(t *testing.T) {
	svc, _ := testService(0)
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(*CreateParams)
		wantErr error
	}{
		{"bad member", func(p *CreateParams) { p.Member = "not-an-email" }, ErrInvalidMember},
		{"zero purchase", func(p *CreateParams) { p.PurchaseTokens = 0 }, ErrInvalidAmount},
		{"negative topup", func(p *CreateParams) { p.TopUpTokens = -5 }, ErrInvalidAmount},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := createParams()
			tc.mutate(&p)
			_, err := svc.Create(ctx, p)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Create error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestService_GetNotFound(t *testing.T) {
	svc, _ := testService(0)

	_, err := svc.Get(context.Background(), "pur_000000000000000000000000")
	if !errors.Is(err, ErrIntentNotFound) {
		t.Errorf("Expected ErrIntentNotFound, got %v", err)
	}
}

func TestService_FindByPaymentRef(t *testing.T) {
	svc, _ := testService(0)
	ctx := context.Background()

	it, _ := svc.Create(ctx, createParams())

	found, err := svc.FindByPaymentRef(ctx, "cs_test_123")
	if err != nil {
		t.Fatalf("FindByPaymentRef failed: %v", err)
	}
	if found.ID != it.ID {
		t.Errorf("Expected intent %s, got %s", it.ID, found.ID)
	}
}

func TestService_FindByPaymentRef_CaseSensitive(t *testing.T) {
	svc, _ := testService(0)
	ctx := context.Background()

	svc.Create(ctx, createParams())

	if _, err := svc.FindByPaymentRef(ctx, "CS_TEST_123"); !errors.Is(err, ErrIntentNotFound) {
		t.Errorf("Expected case-sensitive match to miss, got %v", err)
	}
}

func TestService_FindByPaymentRef_EmptyRef(t *testing.T) {
	svc, _ := testService(0)

	if _, err := svc.FindByPaymentRef(context.Background(), ""); !errors.Is(err, ErrIntentNotFound) {
		t.Errorf("Expected empty ref to never match, got %v", err)
	}
}

func TestService_AttachPaymentRef(t *testing.T) {
	svc, _ := testService(0)
	ctx := context.Background()

	p := createParams()
	p.PaymentRef = ""
	p.CheckoutURL = ""
	it, _ := svc.Create(ctx, p)

	attached, err := svc.AttachPaymentRef(ctx, it.ID, "cs_late_456", "https://checkout.example.com/cs_late_456")
	if err != nil {
		t.Fatalf("AttachPaymentRef failed: %v", err)
	}
	if attached.PaymentRef != "cs_late_456" || attached.CheckoutURL != "https://checkout.example.com/cs_late_456" {
		t.Errorf("Expected session recorded, got %+v", attached)
	}
	if attached.Status != StatusPending {
		t.Errorf("Expected status untouched, got %s", attached.Status)
	}

	found, err := svc.FindByPaymentRef(ctx, "cs_late_456")
	if err != nil {
		t.Fatalf("FindByPaymentRef failed: %v", err)
	}
	if found.ID != it.ID {
		t.Errorf("Expected intent %s behind the ref, got %s", it.ID, found.ID)
	}
}

func TestService_AttachPaymentRef_ReplacesRef(t *testing.T) {
	svc, _ := testService(0)
	ctx := context.Background()

	it, _ := svc.Create(ctx, createParams())

	if _, err := svc.AttachPaymentRef(ctx, it.ID, "cs_retry_789", "https://checkout.example.com/cs_retry_789"); err != nil {
		t.Fatalf("AttachPaymentRef failed: %v", err)
	}

	if _, err := svc.FindByPaymentRef(ctx, "cs_test_123"); !errors.Is(err, ErrIntentNotFound) {
		t.Errorf("Expected superseded ref to stop resolving, got %v", err)
	}
	found, err := svc.FindByPaymentRef(ctx, "cs_retry_789")
	if err != nil {
		t.Fatalf("FindByPaymentRef failed: %v", err)
	}
	if found.ID != it.ID {
		t.Errorf("Expected intent %s behind the new ref, got %s", it.ID, found.ID)
	}
}

func TestService_AttachPaymentRef_RequiresPending(t *testing.T) {
	svc, _ := testService(0)
	ctx := context.Background()

	it, _ := svc.Create(ctx, createParams())
	svc.Cancel(ctx, it.ID)

	if _, err := svc.AttachPaymentRef(ctx, it.ID, "cs_late_456", ""); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus on a cancelled intent, got %v", err)
	}
}

func TestService_AttachPaymentRef_Invalid(t *testing.T) {
	svc, _ := testService(0)
	ctx := context.Background()

	it, _ := svc.Create(ctx, createParams())

	if _, err := svc.AttachPaymentRef(ctx, it.ID, "", ""); !errors.Is(err, ErrMissingPaymentRef) {
		t.Errorf("Expected ErrMissingPaymentRef for an empty ref, got %v", err)
	}
	if _, err := svc.AttachPaymentRef(ctx, "pur_000000000000000000000000", "cs_x", ""); !errors.Is(err, ErrIntentNotFound) {
		t.Errorf("Expected ErrIntentNotFound, got %v", err)
	}
}

func TestService_Cancel(t *testing.T) {
	svc, _ := testService(0)
	ctx := context.Background()

	it, _ := svc.Create(ctx, createParams())

	cancelled, err := svc.Cancel(ctx, it.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.ResolvedAt == nil {
		t.Error("Expected resolvedAt to be stamped")
	}

	// Cancelling again conflicts
	if _, err := svc.Cancel(ctx, it.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus on double cancel, got %v", err)
	}
}

func TestService_CancelPaidIntent(t *testing.T) {
	svc, _ := testService(0)
	ctx := context.Background()

	it, _ := svc.Create(ctx, createParams())
	svc.BeginSettlement(ctx, it.ID)

	if _, err := svc.Cancel(ctx, it.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus cancelling a paid intent, got %v", err)
	}
}

func TestService_BeginSettlement(t *testing.T) {
	svc, store := testService(0)
	ctx := context.Background()

	it, _ := svc.Create(ctx, createParams())

	won, err := svc.BeginSettlement(ctx, it.ID)
	if err != nil {
		t.Fatalf("BeginSettlement failed: %v", err)
	}
	if !won {
		t.Fatal("Expected first settlement attempt to win")
	}

	fresh, _ := store.Get(ctx, it.ID)
	if fresh.Status != StatusPaid {
		t.Errorf("Expected paid, got %s", fresh.Status)
	}
	if fresh.PaidAt == nil {
		t.Error("Expected paidAt to be stamped")
	}

	// Second claim loses
	won, err = svc.BeginSettlement(ctx, it.ID)
	if err != nil {
		t.Fatalf("Second BeginSettlement errored: %v", err)
	}
	if won {
		t.Error("Expected repeated settlement attempt to lose the claim")
	}
}

// Exactly one of many racing payment confirmations may claim an intent.
func TestService_BeginSettlement_ExactlyOnce(t *testing.T) {
	svc, _ := testService(0)
	ctx := context.Background()

	it, _ := svc.Create(ctx, createParams())

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := svc.BeginSettlement(ctx, it.ID)
			if err != nil {
				t.Errorf("BeginSettlement errored: %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", wins)
	}
}

func TestService_CompleteSettlement(t *testing.T) {
	svc, store := testService(0)
	ctx := context.Background()

	it, _ := svc.Create(ctx, createParams())
	svc.BeginSettlement(ctx, it.ID)

	if err := svc.CompleteSettlement(ctx, it.ID); err != nil {
		t.Fatalf("CompleteSettlement failed: %v", err)
	}

	fresh, _ := store.Get(ctx, it.ID)
	if fresh.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", fresh.Status)
	}
	if fresh.ResolvedAt == nil {
		t.Error("Expected resolvedAt to be stamped")
	}
}

func TestService_CompleteSettlement_RequiresPaid(t *testing.T) {
	svc, _ := testService(0)
	ctx := context.Background()

	it, _ := svc.Create(ctx, createParams())

	if err := svc.CompleteSettlement(ctx, it.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus completing a pending intent, got %v", err)
	}
}

func TestService_ListStuck(t *testing.T) {
	svc, store := testService(0)
	ctx := context.Background()

	// One settlement stuck since ten minutes ago, seeded directly.
	old := time.Now().UTC().Add(-10 * time.Minute)
	store.Create(ctx, &Intent{
		ID:        "pur_stuck0000000000000000000",
		Member:    "ada@example.com",
		Status:    StatusPaid,
		PaidAt:    &old,
		CreatedAt: old,
		UpdatedAt: old,
		ExpiresAt: old.Add(30 * time.Minute),
	})

	// One claimed just now, still inside a normal settlement.
	it, _ := svc.Create(ctx, createParams())
	svc.BeginSettlement(ctx, it.ID)

	// One completed, never stuck.
	done, _ := svc.Create(ctx, createParams())
	svc.BeginSettlement(ctx, done.ID)
	svc.CompleteSettlement(ctx, done.ID)

	stuck, err := svc.ListStuck(ctx, time.Minute, 10)
	if err != nil {
		t.Fatalf("ListStuck failed: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "pur_stuck0000000000000000000" {
		t.Fatalf("Expected only the old paid intent, got %d", len(stuck))
	}

	// Without a grace period the fresh claim shows up too.
	stuck, err = svc.ListStuck(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ListStuck failed: %v", err)
	}
	if len(stuck) != 2 {
		t.Fatalf("Expected both paid intents, got %d", len(stuck))
	}
	if stuck[0].ID != "pur_stuck0000000000000000000" {
		t.Errorf("Expected oldest first, got %s", stuck[0].ID)
	}
}

func TestService_LazyExpiry_OnGet(t *testing.T) {
	svc, _ := testService(10 * time.Millisecond)
	ctx := context.Background()

	it, _ := svc.Create(ctx, createParams())
	time.Sleep(20 * time.Millisecond)

	fresh, err := svc.Get(ctx, it.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fresh.Status != StatusExpired {
		t.Errorf("Expected overdue intent expired on read, got %s", fresh.Status)
	}
}

func TestService_LazyExpiry_OnFindByPaymentRef(t *testing.T) {
	svc, _ := testService(10 * time.Millisecond)
	ctx := context.Background()

	svc.Create(ctx, createParams())
	time.Sleep(20 * time.Millisecond)

	fresh, err := svc.FindByPaymentRef(ctx, "cs_test_123")
	if err != nil {
		t.Fatalf("FindByPaymentRef failed: %v", err)
	}
	if fresh.Status != StatusExpired {
		t.Errorf("Expected overdue intent expired on read, got %s", fresh.Status)
	}
}

func TestService_PaidIntentNeverLazyExpires(t *testing.T) {
	svc, _ := testService(10 * time.Millisecond)
	ctx := context.Background()

	it, _ := svc.Create(ctx, createParams())
	svc.BeginSettlement(ctx, it.ID)
	time.Sleep(20 * time.Millisecond)

	fresh, _ := svc.Get(ctx, it.ID)
	if fresh.Status != StatusPaid {
		t.Errorf("Expected paid intent untouched by expiry, got %s", fresh.Status)
	}
}

func TestService_ExpiredIntentCannotBeClaimed(t *testing.T) {
	svc, _ := testService(10 * time.Millisecond)
	ctx := context.Background()

	it, _ := svc.Create(ctx, createParams())
	time.Sleep(20 * time.Millisecond)

	// Read-time expiry fires first
	svc.Get(ctx, it.ID)

	won, err := svc.BeginSettlement(ctx, it.ID)
	if err != nil {
		t.Fatalf("BeginSettlement errored: %v", err)
	}
	if won {
		t.Error("Expected claim on expired intent to lose")
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusPaid},
		{StatusPending, StatusExpired},
		{StatusPending, StatusCancelled},
		{StatusPaid, StatusCompleted},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("Expected %s → %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusPaid, StatusCancelled},
		{StatusPaid, StatusExpired},
		{StatusCompleted, StatusPending},
		{StatusExpired, StatusPaid},
		{StatusCancelled, StatusPaid},
		{StatusPending, StatusCompleted},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("Expected %s → %s to be denied", tc.from, tc.to)
		}
	}
}

func TestMemoryStore_CopyIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	it := &Intent{
		ID:          "pur_aaaaaaaaaaaaaaaaaaaaaaaa",
		Member:      "ada@example.com",
		Status:      StatusPending,
		ProductData: map[string]any{"sku": "tickets"},
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	store.Create(ctx, it)

	got, _ := store.Get(ctx, it.ID)
	got.ProductData["sku"] = "mutated"
	got.Status = StatusCancelled

	fresh, _ := store.Get(ctx, it.ID)
	if fresh.ProductData["sku"] != "tickets" {
		t.Error("Expected stored product data isolated from caller mutation")
	}
	if fresh.Status != StatusPending {
		t.Error("Expected stored status isolated from caller mutation")
	}
}
