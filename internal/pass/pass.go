// Package pass keeps wallet passes in sync with member token balances.
//
// Members add the venue pass to Apple or Google Wallet; a bridge service
// holds the platform push credentials. Every balance change is POSTed to
// the bridge, HMAC-signed, and the bridge refreshes the pass display.
package pass

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/marqueehq/marquee/internal/circuitbreaker"
	"github.com/marqueehq/marquee/internal/idgen"
	"github.com/marqueehq/marquee/internal/metrics"
	"github.com/marqueehq/marquee/internal/security"
)

// Platform identifies the wallet a pass lives in.
type Platform string

const (
	PlatformApple  Platform = "apple"
	PlatformGoogle Platform = "google"
)

// ValidPlatform reports whether p is a supported wallet platform.
func ValidPlatform(p Platform) bool {
	return p == PlatformApple || p == PlatformGoogle
}

// maxConsecutiveFailures disables a registration that never answers, so a
// dead pass stops burning deliveries.
const maxConsecutiveFailures = 20

// bridgeKey is the circuit breaker key for the bridge endpoint. One bridge,
// one circuit; a bridge outage must not count against individual passes.
const bridgeKey = "bridge"

// Registration ties a member to one installed wallet pass.
type Registration struct {
	ID                  string     `json:"id"`
	Member              string     `json:"member"`
	Platform            Platform   `json:"platform"`
	SerialNumber        string     `json:"serialNumber"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSync            *time.Time `json:"lastSync,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"-"`
}

// Store persists pass registrations.
type Store interface {
	Create(ctx context.Context, reg *Registration) error
	Get(ctx context.Context, id string) (*Registration, error)
	GetByMember(ctx context.Context, member string) ([]*Registration, error)
	Update(ctx context.Context, reg *Registration) error
	Delete(ctx context.Context, id string) error
}

// Update is the payload delivered to the bridge for one pass refresh.
type Update struct {
	ID           string    `json:"id"`
	Member       string    `json:"member"`
	Balance      int64     `json:"balance"`
	Platform     Platform  `json:"platform"`
	SerialNumber string    `json:"serialNumber"`
	Timestamp    time.Time `json:"timestamp"`
}

// Syncer delivers balance updates to the configured bridge.
type Syncer struct {
	store     Store
	bridgeURL string
	secret    string
	client    *http.Client
	breaker   *circuitbreaker.Breaker
	logger    *slog.Logger

	// urlValidator guards outbound requests; tests point it at a noop to
	// reach loopback servers.
	urlValidator func(string) error
}

// NewSyncer creates a bridge syncer. An empty bridgeURL disables delivery.
func NewSyncer(store Store, bridgeURL, secret string, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:     store,
		bridgeURL: bridgeURL,
		secret:    secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker:      circuitbreaker.New(5, 30*time.Second),
		logger:       logger,
		urlValidator: security.ValidateEndpointURL,
	}
}

// Enabled reports whether a bridge is configured.
func (s *Syncer) Enabled() bool {
	return s.bridgeURL != ""
}

// SyncBalance pushes the member's balance to every active registration.
// Failures are recorded on the registration and the next balance change
// tries again; nothing here blocks the purchase path.
func (s *Syncer) SyncBalance(ctx context.Context, member string, balance int64) {
	if s.bridgeURL == "" {
		return
	}

	regs, err := s.store.GetByMember(ctx, member)
	if err != nil {
		s.logger.Warn("pass sync skipped, registrations unavailable", "member", member, "error", err)
		return
	}

	for _, reg := range regs {
		if !reg.Active {
			continue
		}
		s.send(ctx, reg, balance)
	}
}

func (s *Syncer) send(ctx context.Context, reg *Registration, balance int64) {
	// A tripped circuit means the bridge itself is down. Skip quietly and
	// leave the registration's failure count alone.
	if !s.breaker.Allow(bridgeKey) {
		metrics.PassSyncDeliveriesTotal.WithLabelValues("skipped").Inc()
		s.logger.Debug("pass sync skipped, bridge circuit open", "passId", reg.ID)
		return
	}

	if err := s.urlValidator(s.bridgeURL); err != nil {
		s.recordFailure(ctx, reg, fmt.Sprintf("bridge url rejected: %v", err))
		return
	}

	payload, err := json.Marshal(Update{
		ID:           idgen.WithPrefix("psu_"),
		Member:       reg.Member,
		Balance:      balance,
		Platform:     reg.Platform,
		SerialNumber: reg.SerialNumber,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		s.recordFailure(ctx, reg, "failed to marshal update")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.bridgeURL, bytes.NewReader(payload))
	if err != nil {
		s.recordFailure(ctx, reg, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Marquee-Event", "pass.balance")
	req.Header.Set("X-Marquee-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	if s.secret != "" {
		req.Header.Set("X-Marquee-Signature", sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.breaker.RecordFailure(bridgeKey)
		s.recordFailure(ctx, reg, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		s.breaker.RecordSuccess(bridgeKey)
		s.recordSuccess(ctx, reg)
	case resp.StatusCode >= 500:
		s.breaker.RecordFailure(bridgeKey)
		s.recordFailure(ctx, reg, fmt.Sprintf("status %d", resp.StatusCode))
	default:
		// 4xx: the bridge is up but rejected this pass. The registration
		// is at fault, not the bridge.
		s.breaker.RecordSuccess(bridgeKey)
		s.recordFailure(ctx, reg, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Syncer) recordSuccess(ctx context.Context, reg *Registration) {
	metrics.PassSyncDeliveriesTotal.WithLabelValues("delivered").Inc()
	now := time.Now().UTC()
	reg.LastSync = &now
	reg.LastError = ""
	reg.ConsecutiveFailures = 0
	if err := s.store.Update(ctx, reg); err != nil {
		s.logger.Warn("pass registration bookkeeping failed", "passId", reg.ID, "error", err)
	}
}

func (s *Syncer) recordFailure(ctx context.Context, reg *Registration, cause string) {
	metrics.PassSyncDeliveriesTotal.WithLabelValues("failed").Inc()
	reg.LastError = cause
	reg.ConsecutiveFailures++
	if reg.ConsecutiveFailures >= maxConsecutiveFailures {
		reg.Active = false
		s.logger.Warn("pass registration disabled after repeated delivery failures",
			"passId", reg.ID,
			"member", reg.Member,
			"failures", reg.ConsecutiveFailures)
	}
	if err := s.store.Update(ctx, reg); err != nil {
		s.logger.Warn("pass registration bookkeeping failed", "passId", reg.ID, "error", err)
	}
}

// MemoryStore is the in-memory registration store.
type MemoryStore struct {
	mu   sync.RWMutex
	regs map[string]*Registration
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{regs: make(map[string]*Registration)}
}

func (m *MemoryStore) Create(ctx context.Context, reg *Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[reg.ID] = reg
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if reg, ok := m.regs[id]; ok {
		return reg, nil
	}
	return nil, fmt.Errorf("pass registration not found")
}

func (m *MemoryStore) GetByMember(ctx context.Context, member string) ([]*Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Registration
	for _, reg := range m.regs {
		if reg.Member == member {
			result = append(result, reg)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, reg *Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[reg.ID] = reg
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regs, id)
	return nil
}
