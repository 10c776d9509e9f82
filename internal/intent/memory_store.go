package intent

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory intent store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[string]*Intent
	byRef   map[string]string // payment ref to intent id, case-sensitive
}

// NewMemoryStore creates a new in-memory intent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents: make(map[string]*Intent),
		byRef:   make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, it *Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.intents[it.ID] = copyIntent(it)
	if it.PaymentRef != "" {
		m.byRef[it.PaymentRef] = it.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return copyIntent(it), nil
}

func (m *MemoryStore) GetByPaymentRef(ctx context.Context, ref string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[ref]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return copyIntent(m.intents[id]), nil
}

func (m *MemoryStore) AttachPaymentRef(ctx context.Context, id, ref, url string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.intents[id]
	if !ok {
		return false, ErrIntentNotFound
	}
	if it.Status != StatusPending {
		return false, nil
	}

	if it.PaymentRef != "" {
		delete(m.byRef, it.PaymentRef)
	}
	it.PaymentRef = ref
	it.CheckoutURL = url
	it.UpdatedAt = at
	m.byRef[ref] = id
	return true, nil
}

// Transition compares and sets the status under the store lock, which
// makes it atomic across every caller of this store.
func (m *MemoryStore) Transition(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.intents[id]
	if !ok {
		return false, ErrIntentNotFound
	}
	if it.Status != from {
		return false, nil
	}

	it.Status = to
	it.UpdatedAt = at
	switch to {
	case StatusPaid:
		it.PaidAt = &at
	case StatusCompleted, StatusExpired, StatusCancelled:
		it.ResolvedAt = &at
	}
	return true, nil
}

func (m *MemoryStore) ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Intent
	for _, it := range m.intents {
		if it.Status == StatusPending && it.ExpiresAt.Before(before) {
			result = append(result, copyIntent(it))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListStuck(ctx context.Context, before time.Time, limit int) ([]*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Intent
	for _, it := range m.intents {
		if it.Status == StatusPaid && it.PaidAt != nil && it.PaidAt.Before(before) {
			result = append(result, copyIntent(it))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PaidAt.Before(*result[j].PaidAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountPending(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, it := range m.intents {
		if it.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

// copyIntent returns a deep copy. Sharing the ProductData map would let a
// caller's mutation leak into the stored intent.
func copyIntent(it *Intent) *Intent {
	cp := *it
	if it.ProductData != nil {
		cp.ProductData = make(map[string]any, len(it.ProductData))
		for k, v := range it.ProductData {
			cp.ProductData[k] = v
		}
	}
	if it.PaidAt != nil {
		t := *it.PaidAt
		cp.PaidAt = &t
	}
	if it.ResolvedAt != nil {
		t := *it.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
