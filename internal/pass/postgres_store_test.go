//go:build integration

package pass

import (
	"context"
	"testing"
	"time"

	"github.com/marqueehq/marquee/internal/testutil"
)

func TestPostgresPass_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	reg := &Registration{
		ID:           "pas_aaaaaaaaaaaaaaaaaaaaaaaa",
		Member:       "ada@example.com",
		Platform:     PlatformApple,
		SerialNumber: "SER-001",
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.Create(ctx, reg); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, reg.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Member != reg.Member || got.Platform != PlatformApple || !got.Active {
		t.Errorf("Registration fields lost in round trip: %+v", got)
	}
	if got.LastSync != nil || got.LastError != "" {
		t.Errorf("Expected clean delivery bookkeeping, got %+v", got)
	}

	if _, err := store.Get(ctx, "pas_missing"); err == nil {
		t.Error("Expected error for unknown registration")
	}
}

func TestPostgresPass_UpdateBookkeeping(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	reg := &Registration{
		ID:           "pas_bbbbbbbbbbbbbbbbbbbbbbbb",
		Member:       "ada@example.com",
		Platform:     PlatformGoogle,
		SerialNumber: "SER-002",
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	store.Create(ctx, reg)

	now := time.Now().UTC()
	reg.LastSync = &now
	reg.LastError = "status 500"
	reg.ConsecutiveFailures = 3
	reg.Active = false
	if err := store.Update(ctx, reg); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, _ := store.Get(ctx, reg.ID)
	if got.Active || got.LastError != "status 500" || got.ConsecutiveFailures != 3 {
		t.Errorf("Bookkeeping lost in update: %+v", got)
	}
	if got.LastSync == nil {
		t.Error("Expected lastSync persisted")
	}
}

func TestPostgresPass_GetByMemberAndDelete(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	for i, id := range []string{"pas_c1", "pas_c2"} {
		store.Create(ctx, &Registration{
			ID:           id,
			Member:       "ada@example.com",
			Platform:     PlatformApple,
			SerialNumber: "SER-10" + string(rune('0'+i)),
			Active:       true,
			CreatedAt:    time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
	}
	store.Create(ctx, &Registration{
		ID:           "pas_other",
		Member:       "bob@example.com",
		Platform:     PlatformApple,
		SerialNumber: "SER-200",
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	})

	regs, err := store.GetByMember(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("GetByMember failed: %v", err)
	}
	if len(regs) != 2 {
		t.Fatalf("Expected 2 registrations, got %d", len(regs))
	}

	if err := store.Delete(ctx, "pas_c1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	regs, _ = store.GetByMember(ctx, "ada@example.com")
	if len(regs) != 1 {
		t.Errorf("Expected 1 registration after delete, got %d", len(regs))
	}
}
