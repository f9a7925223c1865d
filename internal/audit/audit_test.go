package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fathomos/pkg/contracts/domain"
)

// memStore is an in-memory Store for chain tests.
type memStore struct {
	mu        sync.Mutex
	chains    []*domain.AuditChain
	entries   map[string][]domain.AuditEntry
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{entries: map[string][]domain.AuditEntry{}}
}

func (s *memStore) ActiveAuditChain(ctx context.Context) (*domain.AuditChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.chains) - 1; i >= 0; i-- {
		if !s.chains[i].Sealed() {
			c := *s.chains[i]
			return &c, nil
		}
	}
	return nil, ErrChainNotFound
}

func (s *memStore) CreateAuditChain(ctx context.Context, chain *domain.AuditChain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *chain
	s.chains = append(s.chains, &c)
	return nil
}

func (s *memStore) SealAuditChain(ctx context.Context, chainID, headHash string, sealedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chains {
		if c.ID == chainID {
			at := sealedAt
			c.SealedAt = &at
			c.HeadHash = headHash
			return nil
		}
	}
	return ErrChainNotFound
}

func (s *memStore) AuditHead(ctx context.Context, chainID string) (*domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.entries[chainID]
	if len(entries) == 0 {
		return nil, nil
	}
	head := entries[len(entries)-1]
	return &head, nil
}

func (s *memStore) AppendAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.entries[entry.ChainID] = append(s.entries[entry.ChainID], *entry)
	return nil
}

func (s *memStore) AuditEntries(ctx context.Context, chainID string) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEntry, len(s.entries[chainID]))
	copy(out, s.entries[chainID])
	return out, nil
}

func (s *memStore) tamper(chainID string, seq int64, mutate func(*domain.AuditEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.entries[chainID]
	mutate(&entries[seq])
}

var testSecret = []byte("audit-test-secret")

func newTestLogger(t *testing.T, store Store) *Logger {
	t.Helper()
	l, err := NewLogger(context.Background(), store, testSecret, slog.Default())
	require.NoError(t, err)
	return l
}

func record(t *testing.T, l *Logger, action string, success bool) {
	t.Helper()
	_, err := l.RecordMandatory(context.Background(), Event{
		Action:  action,
		Entity:  "test:1",
		Actor:   "admin",
		Success: success,
	})
	require.NoError(t, err)
}

func TestChainLinksFromGenesis(t *testing.T) {
	store := newMemStore()
	l := newTestLogger(t, store)

	record(t, l, domain.AuditActionAuthSuccess, true)
	record(t, l, domain.AuditActionKeyGenerated, true)

	entries, err := store.AuditEntries(context.Background(), l.ChainID())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, int64(0), entries[0].Seq)
	assert.Equal(t, GenesisHash(l.ChainID()), entries[0].PrevHash)
	assert.Equal(t, entries[0].EntryHMAC, entries[1].PrevHash)
}

func TestVerifyIntactChain(t *testing.T) {
	store := newMemStore()
	l := newTestLogger(t, store)

	for i := 0; i < 10; i++ {
		record(t, l, domain.AuditActionLicenseChecked, i%2 == 0)
	}

	result, err := l.Verify(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, result.Intact)
	assert.Equal(t, 10, result.Checked)
	assert.Equal(t, int64(-1), result.FirstBroken)
}

func TestVerifyReportsFirstBrokenLink(t *testing.T) {
	// Tampering with entry k breaks verification starting at k while
	// entries before k still verify.
	store := newMemStore()
	l := newTestLogger(t, store)

	for i := 0; i < 8; i++ {
		record(t, l, domain.AuditActionLicenseChecked, true)
	}

	const k = 5
	store.tamper(l.ChainID(), k, func(e *domain.AuditEntry) {
		e.Actor = "intruder"
	})

	result, err := l.Verify(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, result.Intact)
	assert.Equal(t, int64(k), result.FirstBroken)
	assert.Equal(t, k, result.Checked, "entries before the break verify")
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	store := newMemStore()
	l := newTestLogger(t, store)

	for i := 0; i < 5; i++ {
		record(t, l, domain.AuditActionLicenseChecked, true)
	}

	store.mu.Lock()
	chain := l.ChainID()
	entries := store.entries[chain]
	store.entries[chain] = append(entries[:2:2], entries[3:]...)
	store.mu.Unlock()

	result, err := l.Verify(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, result.Intact)
	assert.Equal(t, int64(2), result.FirstBroken)
}

func TestVerifyDetectsForgedHMAC(t *testing.T) {
	store := newMemStore()
	l := newTestLogger(t, store)
	record(t, l, domain.AuditActionBackupCreated, true)

	// Recompute the HMAC with the wrong secret: content-consistent but
	// unauthenticated.
	store.tamper(l.ChainID(), 0, func(e *domain.AuditEntry) {
		forged, err := ComputeHMAC([]byte("wrong-secret"), e)
		require.NoError(t, err)
		e.EntryHMAC = forged
	})

	result, err := l.Verify(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.FirstBroken)
}

func TestRecordIsBestEffort(t *testing.T) {
	store := newMemStore()
	l := newTestLogger(t, store)

	store.appendErr = errors.New("disk full")
	// Must not panic or surface the failure.
	l.Record(context.Background(), Event{Action: domain.AuditActionAuthFailure, Actor: "anon"})

	store.appendErr = nil
	record(t, l, domain.AuditActionAuthSuccess, true)

	result, err := l.Verify(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, result.Intact, "failed append must not advance the head")
	assert.Equal(t, 1, result.Checked)
}

func TestRecordMandatoryFailsClosed(t *testing.T) {
	store := newMemStore()
	l := newTestLogger(t, store)

	store.appendErr = errors.New("disk full")
	_, err := l.RecordMandatory(context.Background(), Event{Action: domain.AuditActionKeyGenerated})
	assert.Error(t, err)
}

func TestConcurrentAppendsKeepChainConsistent(t *testing.T) {
	store := newMemStore()
	l := newTestLogger(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(context.Background(), Event{
				Action:  domain.AuditActionLicenseChecked,
				Actor:   "worker",
				Success: true,
			})
		}()
	}
	wg.Wait()

	result, err := l.Verify(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, result.Intact)
	assert.Equal(t, 20, result.Checked)
}

func TestRotateSealsAndOpensNewChain(t *testing.T) {
	store := newMemStore()
	l := newTestLogger(t, store)

	record(t, l, domain.AuditActionAuthSuccess, true)
	oldChain := l.ChainID()

	newChain, err := l.Rotate(context.Background(), "admin")
	require.NoError(t, err)
	require.NotEqual(t, oldChain, newChain)
	assert.Equal(t, newChain, l.ChainID())

	// Old generation is sealed and still verifies in full.
	oldResult, err := l.Verify(context.Background(), oldChain)
	require.NoError(t, err)
	assert.True(t, oldResult.Intact)
	assert.Equal(t, 2, oldResult.Checked, "seal entry is part of the old chain")

	// New generation starts at seq 0 from its own genesis.
	newResult, err := l.Verify(context.Background(), newChain)
	require.NoError(t, err)
	assert.True(t, newResult.Intact)
	assert.Equal(t, 1, newResult.Checked)

	entries, err := store.AuditEntries(context.Background(), newChain)
	require.NoError(t, err)
	assert.Equal(t, oldChain, entries[0].Details["previous_chain"])

	record(t, l, domain.AuditActionAuthSuccess, true)
	again, err := l.Verify(context.Background(), newChain)
	require.NoError(t, err)
	assert.True(t, again.Intact)
}

func TestLoggerResumesExistingChain(t *testing.T) {
	store := newMemStore()
	first := newTestLogger(t, store)
	record(t, first, domain.AuditActionAuthSuccess, true)
	record(t, first, domain.AuditActionKeyGenerated, true)
	chainID := first.ChainID()

	// A new process picks up the same chain at the correct head.
	second := newTestLogger(t, store)
	require.Equal(t, chainID, second.ChainID())
	record(t, second, domain.AuditActionBackupCreated, true)

	result, err := second.Verify(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, result.Intact)
	assert.Equal(t, 3, result.Checked)
}

func TestAuditEntryRoundTrip(t *testing.T) {
	entry := domain.AuditEntry{
		ID:        "e-1",
		ChainID:   "c-1",
		Seq:       3,
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Action:    domain.AuditActionKeyGenerated,
		Entity:    "apikey:abcd",
		Actor:     "admin",
		Success:   true,
		Details:   map[string]string{"hint": "abcd"},
		PrevHash:  "prev",
		EntryHMAC: "mac",
	}

	data, err := json.Marshal(entry)
	require.NoError(t, err)

	var decoded domain.AuditEntry
	require.NoError(t, json.Unmarshal(data, &decoded))

	again, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
	assert.Equal(t, entry, decoded)
}
