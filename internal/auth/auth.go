// Package auth guards the staff surface of the venue API.
//
// Authentication model:
// - Member endpoints (purchases, top-ups, reservations): no auth
// - Staff endpoints (credits, screenings, settlements): staff key required
// - Key management (issue, revoke, rotate): manager key required
//
// One root key comes from configuration and always authenticates as a
// manager; every other key is issued per terminal, stored hashed and
// revocable on its own.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marqueehq/marquee/internal/idgen"
)

// Errors
var (
	ErrNoKey       = errors.New("staff key required")
	ErrInvalidKey  = errors.New("invalid or expired staff key")
	ErrInvalidRole = errors.New("role must be staff or manager")
	ErrKeyNotFound = errors.New("staff key not found")
)

// Role decides what an authenticated key may touch.
type Role string

const (
	// RoleStaff covers the day-to-day box office surface.
	RoleStaff Role = "staff"
	// RoleManager additionally covers key management and settlement
	// resolution.
	RoleManager Role = "manager"
)

// ValidRole reports whether r is a role this package issues.
func ValidRole(r Role) bool {
	return r == RoleStaff || r == RoleManager
}

// StaffKey is the stored record of an issued key. The raw secret is
// shown once at issue time; only its hash is kept.
type StaffKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	Name      string     `json:"name"` // which terminal or person holds it
	Role      Role       `json:"role"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists staff keys.
type Store interface {
	Create(ctx context.Context, key *StaffKey) error
	GetByHash(ctx context.Context, hash string) (*StaffKey, error)
	List(ctx context.Context) ([]*StaffKey, error)
	Update(ctx context.Context, key *StaffKey) error
	Delete(ctx context.Context, id string) error
}

// Manager issues and validates staff keys.
type Manager struct {
	rootKey string
	store   Store
}

// NewManager creates a manager. rootKey is the configured venue key; an
// empty rootKey disables it, leaving only issued keys.
func NewManager(rootKey string, store Store) *Manager {
	return &Manager{rootKey: rootKey, store: store}
}

// GenerateKey issues a new staff key.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, name string, role Role) (rawKey string, key *StaffKey, err error) {
	if !ValidRole(role) {
		return "", nil, ErrInvalidRole
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = "stk_" + hex.EncodeToString(b)

	key = &StaffKey{
		ID:        idgen.WithPrefix("key_"),
		Hash:      hashKey(rawKey),
		Name:      strings.TrimSpace(name),
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// ValidateKey checks a presented key and returns its metadata. The
// configured root key authenticates as a synthetic manager record that
// never touches the store.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*StaffKey, error) {
	if rawKey == "" {
		return nil, ErrNoKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if m.rootKey != "" && subtle.ConstantTimeCompare([]byte(rawKey), []byte(m.rootKey)) == 1 {
		return &StaffKey{ID: "key_root", Name: "venue root key", Role: RoleManager}, nil
	}

	if !strings.HasPrefix(rawKey, "stk_") {
		return nil, ErrInvalidKey
	}

	hash := hashKey(rawKey)
	key, err := m.store.GetByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidKey
	}

	if key.Revoked {
		return nil, ErrInvalidKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidKey
	}

	// Bump last-used off the request path. A copy keeps the returned
	// record free of concurrent writes.
	go func() {
		stamped := *key
		stamped.LastUsed = time.Now().UTC()
		m.store.Update(context.Background(), &stamped)
	}()

	return key, nil
}

// ListKeys returns every issued key, newest first.
func (m *Manager) ListKeys(ctx context.Context) ([]*StaffKey, error) {
	return m.store.List(ctx)
}

// RevokeKey revokes an issued key.
func (m *Manager) RevokeKey(ctx context.Context, keyID string) error {
	keys, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}

	return ErrKeyNotFound
}

// RotateKey revokes a key and issues a replacement with the same name
// and role.
func (m *Manager) RotateKey(ctx context.Context, keyID string) (rawKey string, key *StaffKey, err error) {
	keys, err := m.store.List(ctx)
	if err != nil {
		return "", nil, err
	}

	var old *StaffKey
	for _, k := range keys {
		if k.ID == keyID {
			old = k
			break
		}
	}
	if old == nil {
		return "", nil, ErrKeyNotFound
	}

	old.Revoked = true
	if err := m.store.Update(ctx, old); err != nil {
		return "", nil, err
	}

	return m.GenerateKey(ctx, old.Name, old.Role)
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*StaffKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*StaffKey),
	}
}

func copyKey(k *StaffKey) *StaffKey {
	c := *k
	return &c
}

func (s *MemoryStore) Create(ctx context.Context, key *StaffKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = copyKey(key)
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*StaffKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return copyKey(k), nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) List(ctx context.Context) ([]*StaffKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*StaffKey, 0, len(s.keys))
	for _, k := range s.keys {
		result = append(result, copyKey(k))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *StaffKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = copyKey(key)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
