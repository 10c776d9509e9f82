package tickets

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ticket store for demo/development mode.
type MemoryStore struct {
	mu           sync.RWMutex
	screenings   map[string]*Screening
	reservations map[string]*Reservation
	byCode       map[string]string // pickup code to reservation id
	byIntent     map[string]string // intent id to reservation id
}

// NewMemoryStore creates a new in-memory ticket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		screenings:   make(map[string]*Screening),
		reservations: make(map[string]*Reservation),
		byCode:       make(map[string]string),
		byIntent:     make(map[string]string),
	}
}

func (m *MemoryStore) CreateScreening(ctx context.Context, s *Screening) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.screenings[s.ID] = copyScreening(s)
	return nil
}

func (m *MemoryStore) GetScreening(ctx context.Context, id string) (*Screening, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.screenings[id]
	if !ok {
		return nil, ErrScreeningNotFound
	}
	return copyScreening(s), nil
}

func (m *MemoryStore) ListScreenings(ctx context.Context, from time.Time) ([]*Screening, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Screening
	for _, s := range m.screenings {
		if s.StartsAt.After(from) {
			out = append(out, copyScreening(s))
		}
	}
	sortScreenings(out)
	return out, nil
}

// HoldSeats checks and increments under the store lock, which makes the
// hold atomic across every caller of this store.
func (m *MemoryStore) HoldSeats(ctx context.Context, screeningID string, seats int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.screenings[screeningID]
	if !ok {
		return false, ErrScreeningNotFound
	}
	if s.Reserved+seats > s.Capacity {
		return false, nil
	}
	s.Reserved += seats
	return true, nil
}

func (m *MemoryStore) ReleaseSeats(ctx context.Context, screeningID string, seats int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.screenings[screeningID]
	if !ok {
		return ErrScreeningNotFound
	}
	s.Reserved -= seats
	if s.Reserved < 0 {
		s.Reserved = 0
	}
	return nil
}

func (m *MemoryStore) CreateReservation(ctx context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reservations[r.ID] = copyReservation(r)
	m.byCode[r.Code] = r.ID
	if r.IntentID != "" {
		m.byIntent[r.IntentID] = r.ID
	}
	return nil
}

func (m *MemoryStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return copyReservation(r), nil
}

func (m *MemoryStore) GetReservationByCode(ctx context.Context, code string) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCode[code]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return copyReservation(m.reservations[id]), nil
}

func (m *MemoryStore) GetReservationByIntent(ctx context.Context, intentID string) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byIntent[intentID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return copyReservation(m.reservations[id]), nil
}

func (m *MemoryStore) TransitionReservation(ctx context.Context, id string, from, to Status, entryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[id]
	if !ok {
		return false, ErrReservationNotFound
	}
	if r.Status != from {
		return false, nil
	}

	now := time.Now().UTC()
	r.Status = to
	r.ResolvedAt = &now
	if entryID != "" {
		r.EntryID = entryID
	}
	return true, nil
}

func copyScreening(s *Screening) *Screening {
	c := *s
	return &c
}

func copyReservation(r *Reservation) *Reservation {
	c := *r
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func sortScreenings(list []*Screening) {
	// Soonest first; ties broken by id for a stable listing.
	sort.Slice(list, func(i, j int) bool {
		if !list[i].StartsAt.Equal(list[j].StartsAt) {
			return list[i].StartsAt.Before(list[j].StartsAt)
		}
		return list[i].ID < list[j].ID
	})
}
