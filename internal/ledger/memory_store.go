package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/marqueehq/marquee/internal/pagination"
	"github.com/marqueehq/marquee/internal/syncutil"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// A per-member sharded mutex serializes check-and-charge so the balance
// check and the debit are atomic without holding the global lock for the
// whole operation.
type MemoryStore struct {
	mu       sync.RWMutex
	locks    syncutil.ShardedMutex
	balances map[string]*Balance
	entries  []*Entry // append order, oldest first
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		entries:  make([]*Entry, 0),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, member string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[member]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{
		Member:    member,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, e *Entry) (int64, error) {
	unlock := m.locks.Lock(e.Member)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[e.Member]
	if !ok {
		bal = &Balance{Member: e.Member}
		m.balances[e.Member] = bal
	}

	bal.Tokens += e.Amount
	bal.TotalIn += e.Amount
	bal.UpdatedAt = time.Now().UTC()

	cp := *e
	m.entries = append(m.entries, &cp)

	return bal.Tokens, nil
}

func (m *MemoryStore) Charge(ctx context.Context, e *Entry) (int64, error) {
	unlock := m.locks.Lock(e.Member)
	defer unlock()

	// The per-member lock above makes the read-check-write sequence atomic
	// for this member; the global lock only guards map and slice access.
	m.mu.RLock()
	bal, ok := m.balances[e.Member]
	var current int64
	if ok {
		current = bal.Tokens
	}
	m.mu.RUnlock()

	if !ok {
		return 0, ErrMemberNotFound
	}
	if current < e.Amount {
		return 0, &InsufficientFundsError{Balance: current, Requested: e.Amount}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bal.Tokens -= e.Amount
	bal.TotalOut += e.Amount
	bal.UpdatedAt = time.Now().UTC()

	cp := *e
	m.entries = append(m.entries, &cp)

	return bal.Tokens, nil
}

func (m *MemoryStore) History(ctx context.Context, member string, limit int, before *pagination.Cursor) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.Member != member {
			continue
		}
		if before != nil && !olderThan(e, before) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// olderThan reports whether the entry sits strictly before the cursor
// position in (createdAt, id) order.
func olderThan(e *Entry, c *pagination.Cursor) bool {
	if e.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return e.CreatedAt.Equal(c.CreatedAt) && e.ID < c.ID
}

func (m *MemoryStore) AllEntries(ctx context.Context, member string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.Member == member {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Members(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := make([]string, 0, len(m.balances))
	for member := range m.balances {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}
