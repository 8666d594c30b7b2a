package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/patronpay/internal/ils"
)

// fingerprintEntry is one stored payment-offer snapshot.
type fingerprintEntry struct {
	finesHash string
	amount    int64
	storedAt  time.Time
}

// FingerprintStore keeps ephemeral payment-offer snapshots keyed by a hash
// of the patron identity. Entries expire after the TTL and are overwritten
// on each new offer.
type FingerprintStore struct {
	mu      sync.Mutex
	entries map[string]fingerprintEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewFingerprintStore(ttl time.Duration) *FingerprintStore {
	return &FingerprintStore{
		entries: make(map[string]fingerprintEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *FingerprintStore) put(key string, entry fingerprintEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
}

func (s *FingerprintStore) get(key string) (fingerprintEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return fingerprintEntry{}, false
	}
	if s.now().Sub(entry.storedAt) > s.ttl {
		delete(s.entries, key)
		return fingerprintEntry{}, false
	}
	return entry, true
}

func (s *FingerprintStore) clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// GuardService prevents double payment and stale-state charging. There is no
// distributed lock across the browser round-trip: the guard relies on a
// short active-payment window at creation time plus the fingerprint
// comparison at confirmation time. Two near-simultaneous starts for the same
// patron can still slip through the window; the fingerprint check and the
// idempotent downstream operations catch the residue.
type GuardService struct {
	payments *PaymentService
	store    *FingerprintStore
}

func NewGuardService(payments *PaymentService, store *FingerprintStore) *GuardService {
	return &GuardService{payments: payments, store: store}
}

// StoreFingerprint captures the fine snapshot at the moment the payment
// offer is rendered. A new offer overwrites the previous snapshot.
func (g *GuardService) StoreFingerprint(patronKey string, fines []ils.Fine, amount int64) {
	g.store.put(sessionKey(patronKey), fingerprintEntry{
		finesHash: finesFingerprint(fines),
		amount:    amount,
		storedAt:  g.store.now(),
	})
}

// CheckFinesUpdated reports whether the patron's fines changed between the
// payment offer and the confirmation. A missing or expired session counts as
// changed: confirmation must never proceed on an unverifiable snapshot.
func (g *GuardService) CheckFinesUpdated(patronKey string, fines []ils.Fine, currentAmount int64) bool {
	entry, ok := g.store.get(sessionKey(patronKey))
	if !ok {
		return true
	}
	if entry.amount != currentAmount {
		return true
	}
	return entry.finesHash != finesFingerprint(fines)
}

// ClearFingerprint drops the stored snapshot once a confirmation was
// consumed.
func (g *GuardService) ClearFingerprint(patronKey string) {
	g.store.clear(sessionKey(patronKey))
}

// HasActivePayment reports whether a payment is already in flight for the
// patron. Used to refuse starting a second one.
func (g *GuardService) HasActivePayment(ctx context.Context, patronKey string, window time.Duration) (bool, error) {
	return g.payments.HasActivePayment(ctx, patronKey, window)
}

func sessionKey(patronKey string) string {
	sum := sha256.Sum256([]byte(patronKey))
	return hex.EncodeToString(sum[:])
}

// finesFingerprint hashes the fine set in a stable order so that reordered
// but otherwise identical snapshots compare equal.
func finesFingerprint(fines []ils.Fine) string {
	lines := make([]string, 0, len(fines))
	for _, fine := range fines {
		lines = append(lines, fmt.Sprintf("%s:%d:%s", fine.ID, fine.Amount, fine.Currency))
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
