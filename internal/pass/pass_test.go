package pass

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// noopValidator allows any URL (including loopback) for test servers.
func noopValidator(_ string) error { return nil }

func newTestSyncer(store Store, bridgeURL, secret string) *Syncer {
	s := NewSyncer(store, bridgeURL, secret, slog.New(slog.DiscardHandler))
	s.urlValidator = noopValidator
	return s
}

func testRegistration(id, member string) *Registration {
	return &Registration{
		ID:           id,
		Member:       member,
		Platform:     PlatformApple,
		SerialNumber: "SER-001",
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	reg := testRegistration("pas_test1", "ada@example.com")
	if err := store.Create(ctx, reg); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "pas_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SerialNumber != "SER-001" {
		t.Errorf("Expected SER-001, got %s", got.SerialNumber)
	}

	reg.Active = false
	store.Update(ctx, reg)
	got, _ = store.Get(ctx, "pas_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	store.Delete(ctx, "pas_test1")
	if _, err := store.Get(ctx, "pas_test1"); err == nil {
		t.Error("Expected error after delete")
	}
}

func TestMemoryStore_GetByMember(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, testRegistration("pas_1", "ada@example.com"))
	store.Create(ctx, testRegistration("pas_2", "bob@example.com"))
	store.Create(ctx, testRegistration("pas_3", "ada@example.com"))

	regs, _ := store.GetByMember(ctx, "ada@example.com")
	if len(regs) != 2 {
		t.Errorf("Expected 2 passes for ada, got %d", len(regs))
	}
}

func TestSyncBalance_DeliversUpdate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var received atomic.Int32
	var mu sync.Mutex
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		mu.Lock()
		gotBody, _ = io.ReadAll(r.Body)
		mu.Unlock()
		w.WriteHeader(200)
	}))
	defer server.Close()

	store.Create(ctx, testRegistration("pas_1", "ada@example.com"))

	s := newTestSyncer(store, server.URL, "")
	s.SyncBalance(ctx, "ada@example.com", 4000)

	if received.Load() != 1 {
		t.Fatalf("Expected 1 delivery, got %d", received.Load())
	}

	mu.Lock()
	defer mu.Unlock()
	var update Update
	if err := json.Unmarshal(gotBody, &update); err != nil {
		t.Fatalf("Failed to parse update payload: %v", err)
	}
	if update.Member != "ada@example.com" || update.Balance != 4000 {
		t.Errorf("Unexpected update: %+v", update)
	}
	if update.SerialNumber != "SER-001" || update.Platform != PlatformApple {
		t.Errorf("Expected pass identity in update, got %+v", update)
	}
}

func TestSyncBalance_IncludesSignatureAndHeaders(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	secret := "bridge_secret"

	var mu sync.Mutex
	var gotSig, gotEvent string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Marquee-Signature")
		gotEvent = r.Header.Get("X-Marquee-Event")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	store.Create(ctx, testRegistration("pas_1", "ada@example.com"))

	s := newTestSyncer(store, server.URL, secret)
	s.SyncBalance(ctx, "ada@example.com", 100)

	mu.Lock()
	defer mu.Unlock()

	if gotEvent != "pass.balance" {
		t.Errorf("Expected pass.balance event header, got %s", gotEvent)
	}
	if gotSig == "" {
		t.Fatal("Expected signature header")
	}

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(gotBody)
	if expected := hex.EncodeToString(h.Sum(nil)); gotSig != expected {
		t.Errorf("Signature mismatch: %s != %s", gotSig, expected)
	}
}

func TestSyncBalance_SkipsInactivePasses(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	reg := testRegistration("pas_1", "ada@example.com")
	reg.Active = false
	store.Create(ctx, reg)

	s := newTestSyncer(store, server.URL, "")
	s.SyncBalance(ctx, "ada@example.com", 100)

	if received.Load() != 0 {
		t.Errorf("Expected 0 deliveries for inactive pass, got %d", received.Load())
	}
}

func TestSyncBalance_NoBridgeConfigured(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, testRegistration("pas_1", "ada@example.com"))

	s := newTestSyncer(store, "", "secret")
	if s.Enabled() {
		t.Error("Expected syncer disabled without a bridge url")
	}
	// Must be a silent no-op
	s.SyncBalance(ctx, "ada@example.com", 100)
}

func TestSyncBalance_RecordsSuccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer server.Close()

	store.Create(ctx, testRegistration("pas_1", "ada@example.com"))

	s := newTestSyncer(store, server.URL, "")
	s.SyncBalance(ctx, "ada@example.com", 100)

	reg, _ := store.Get(ctx, "pas_1")
	if reg.LastSync == nil {
		t.Error("Expected lastSync set after delivery")
	}
	if reg.LastError != "" {
		t.Errorf("Expected no error, got %s", reg.LastError)
	}
}

func TestSyncBalance_RecordsFailure(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	store.Create(ctx, testRegistration("pas_1", "ada@example.com"))

	s := newTestSyncer(store, server.URL, "")
	s.SyncBalance(ctx, "ada@example.com", 100)

	reg, _ := store.Get(ctx, "pas_1")
	if reg.LastError == "" {
		t.Error("Expected lastError set after 500 response")
	}
	if reg.ConsecutiveFailures != 1 {
		t.Errorf("Expected 1 consecutive failure, got %d", reg.ConsecutiveFailures)
	}
	if !reg.Active {
		t.Error("Expected pass still active after a single failure")
	}
}

func TestSyncBalance_DisablesDeadPass(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	reg := testRegistration("pas_1", "ada@example.com")
	reg.ConsecutiveFailures = maxConsecutiveFailures - 1
	store.Create(ctx, reg)

	s := newTestSyncer(store, server.URL, "")
	s.SyncBalance(ctx, "ada@example.com", 100)

	got, _ := store.Get(ctx, "pas_1")
	if got.Active {
		t.Error("Expected pass disabled after repeated failures")
	}
}

func TestSyncBalance_SuccessResetsFailureCount(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer server.Close()

	reg := testRegistration("pas_1", "ada@example.com")
	reg.ConsecutiveFailures = 7
	reg.LastError = "status 500"
	store.Create(ctx, reg)

	s := newTestSyncer(store, server.URL, "")
	s.SyncBalance(ctx, "ada@example.com", 100)

	got, _ := store.Get(ctx, "pas_1")
	if got.ConsecutiveFailures != 0 {
		t.Errorf("Expected failure count reset, got %d", got.ConsecutiveFailures)
	}
}

func TestSyncBalance_BridgeOutageTripsCircuit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(500)
	}))
	defer server.Close()

	store.Create(ctx, testRegistration("pas_1", "ada@example.com"))

	s := newTestSyncer(store, server.URL, "")
	for i := 0; i < 8; i++ {
		s.SyncBalance(ctx, "ada@example.com", 100)
	}

	// The circuit opens after 5 consecutive failures; later syncs skip the
	// bridge entirely.
	if got := requests.Load(); got != 5 {
		t.Errorf("Expected 5 bridge requests before the circuit opened, got %d", got)
	}

	// Skipped deliveries must not count against the pass.
	reg, _ := store.Get(ctx, "pas_1")
	if reg.ConsecutiveFailures != 5 {
		t.Errorf("Expected 5 recorded failures, got %d", reg.ConsecutiveFailures)
	}
	if !reg.Active {
		t.Error("Expected pass to stay active through a bridge outage")
	}
}

func TestSyncBalance_RejectedPassDoesNotTripCircuit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(404)
	}))
	defer server.Close()

	store.Create(ctx, testRegistration("pas_1", "ada@example.com"))

	s := newTestSyncer(store, server.URL, "")
	for i := 0; i < 8; i++ {
		s.SyncBalance(ctx, "ada@example.com", 100)
	}

	// 4xx means the bridge is healthy, so every delivery is attempted and
	// the failures land on the registration.
	if got := requests.Load(); got != 8 {
		t.Errorf("Expected all 8 requests to reach the bridge, got %d", got)
	}
	reg, _ := store.Get(ctx, "pas_1")
	if reg.ConsecutiveFailures != 8 {
		t.Errorf("Expected 8 recorded failures, got %d", reg.ConsecutiveFailures)
	}
}

func TestValidPlatform(t *testing.T) {
	if !ValidPlatform(PlatformApple) || !ValidPlatform(PlatformGoogle) {
		t.Error("Expected apple and google to be valid")
	}
	if ValidPlatform("samsung") {
		t.Error("Expected unknown platform rejected")
	}
}
