package ledger

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestRebuildBalance(t *testing.T) {
	now := time.Now().UTC()
	entries := []*Entry{
		{Direction: DirectionCredit, Amount: 10000, CreatedAt: now},
		{Direction: DirectionCharge, Amount: 6000, CreatedAt: now.Add(time.Minute)},
		{Direction: DirectionCredit, Amount: 500, CreatedAt: now.Add(2 * time.Minute)},
	}

	bal := RebuildBalance("ada@example.com", entries)

	if bal.Tokens != 4500 {
		t.Errorf("Expected replayed tokens 4500, got %d", bal.Tokens)
	}
	if bal.TotalIn != 10500 {
		t.Errorf("Expected replayed totalIn 10500, got %d", bal.TotalIn)
	}
	if bal.TotalOut != 6000 {
		t.Errorf("Expected replayed totalOut 6000, got %d", bal.TotalOut)
	}
	if !bal.UpdatedAt.Equal(now.Add(2 * time.Minute)) {
		t.Errorf("Expected updatedAt from newest entry, got %v", bal.UpdatedAt)
	}
}

func TestRebuildBalance_EmptyHistory(t *testing.T) {
	bal := RebuildBalance("ada@example.com", nil)
	if bal.Tokens != 0 {
		t.Errorf("Expected zero balance from empty history, got %d", bal.Tokens)
	}
}

func TestReconcile_Match(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	l.Credit(ctx, creditParams("ada@example.com", 10000))
	l.Charge(ctx, chargeParams("ada@example.com", 6000))

	result, err := l.Reconcile(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if !result.Match {
		t.Errorf("Expected replay to match stored totals: %+v", result)
	}
	if result.ReplayTokens != 4000 || result.ActualTokens != 4000 {
		t.Errorf("Expected 4000 on both sides, got replay %d actual %d",
			result.ReplayTokens, result.ActualTokens)
	}
}

func TestReconcile_DetectsDrift(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	l.Credit(ctx, creditParams("ada@example.com", 10000))

	// Corrupt the running total behind the ledger's back
	store.mu.Lock()
	store.balances["ada@example.com"].Tokens = 9999
	store.mu.Unlock()

	result, err := l.Reconcile(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if result.Match {
		t.Error("Expected drift to be detected")
	}
	if result.ReplayTokens != 10000 || result.ActualTokens != 9999 {
		t.Errorf("Expected replay 10000 vs actual 9999, got %d vs %d",
			result.ReplayTokens, result.ActualTokens)
	}
}

func TestReconcileAll(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	l.Credit(ctx, creditParams("ada@example.com", 100))
	l.Credit(ctx, creditParams("grace@example.com", 200))

	results, err := l.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("ReconcileAll failed: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Match {
			t.Errorf("Expected member %s to reconcile, got %+v", r.Member, r)
		}
	}
}

func TestBalanceAt(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	l.Credit(ctx, creditParams("ada@example.com", 100))
	cutoff := time.Now().UTC()
	time.Sleep(2 * time.Millisecond)
	l.Charge(ctx, chargeParams("ada@example.com", 40))

	bal, err := l.BalanceAt(ctx, "ada@example.com", cutoff)
	if err != nil {
		t.Fatalf("BalanceAt failed: %v", err)
	}
	if bal.Tokens != 100 {
		t.Errorf("Expected balance 100 before the charge, got %d", bal.Tokens)
	}

	now, err := l.BalanceAt(ctx, "ada@example.com", time.Now().UTC())
	if err != nil {
		t.Fatalf("BalanceAt failed: %v", err)
	}
	if now.Tokens != 60 {
		t.Errorf("Expected balance 60 after the charge, got %d", now.Tokens)
	}
}
