// Package audit maintains a tamper-evident, append-only log of
// security-relevant events. Entries form an HMAC-SHA256 hash chain: each
// entry authenticates its own content together with the hash of its
// predecessor, so tampering with or removing any entry breaks every link
// after it. Appends are serialized through a single writer so the chain
// head is always a consistent predecessor.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fathomos/internal/infrastructure"
	"fathomos/pkg/contracts/domain"
)

// Store persists audit chains and their entries. Implementations must keep
// entries append-only and return them in sequence order.
type Store interface {
	ActiveAuditChain(ctx context.Context) (*domain.AuditChain, error)
	CreateAuditChain(ctx context.Context, chain *domain.AuditChain) error
	SealAuditChain(ctx context.Context, chainID, headHash string, sealedAt time.Time) error
	AuditHead(ctx context.Context, chainID string) (*domain.AuditEntry, error)
	AppendAuditEntry(ctx context.Context, entry *domain.AuditEntry) error
	AuditEntries(ctx context.Context, chainID string) ([]domain.AuditEntry, error)
}

// ErrChainNotFound is returned by Store implementations when no active
// chain exists yet.
var ErrChainNotFound = errors.New("audit: chain not found")

// Event is what callers record; the logger fills in the chain fields.
type Event struct {
	Action  string
	Entity  string
	Actor   string
	Success bool
	Details map[string]string
}

// Logger is the single writer for the audit chain. All appends go through
// its mutex so previousEntryHash always reflects the true predecessor.
type Logger struct {
	store    Store
	secret   []byte
	fallback *slog.Logger
	metrics  *infrastructure.TrustMetrics
	now      func() time.Time

	mu       sync.Mutex
	chainID  string
	headHash string
	nextSeq  int64
}

// LoggerOption configures a Logger.
type LoggerOption func(*Logger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) LoggerOption {
	return func(l *Logger) { l.now = now }
}

// WithMetrics attaches the trust-core metric instruments.
func WithMetrics(m *infrastructure.TrustMetrics) LoggerOption {
	return func(l *Logger) { l.metrics = m }
}

// NewLogger opens the active chain, creating the first generation if none
// exists, and positions the writer at the chain head.
func NewLogger(ctx context.Context, store Store, secret []byte, fallback *slog.Logger, opts ...LoggerOption) (*Logger, error) {
	if len(secret) == 0 {
		return nil, errors.New("audit: secret must not be empty")
	}

	l := &Logger{
		store:    store,
		secret:   secret,
		fallback: fallback.With(slog.String("component", "audit")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	chain, err := store.ActiveAuditChain(ctx)
	if errors.Is(err, ErrChainNotFound) {
		chain = &domain.AuditChain{
			ID:        uuid.NewString(),
			CreatedAt: l.now().UTC(),
		}
		if err := store.CreateAuditChain(ctx, chain); err != nil {
			return nil, fmt.Errorf("create audit chain: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load audit chain: %w", err)
	}

	l.chainID = chain.ID
	if err := l.loadHead(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) loadHead(ctx context.Context) error {
	head, err := l.store.AuditHead(ctx, l.chainID)
	if err != nil {
		return fmt.Errorf("load audit head: %w", err)
	}
	if head == nil {
		l.headHash = GenesisHash(l.chainID)
		l.nextSeq = 0
		return nil
	}
	l.headHash = head.EntryHMAC
	l.nextSeq = head.Seq + 1
	return nil
}

// GenesisHash is the fixed value entry 0 of a chain links to: the SHA-256
// of the chain id, hex encoded.
func GenesisHash(chainID string) string {
	sum := sha256.Sum256([]byte(chainID))
	return hex.EncodeToString(sum[:])
}

// auditPayload is the authenticated portion of an entry: everything except
// the HMAC itself. Field order is fixed; changing it breaks replay of
// existing chains.
type auditPayload struct {
	ID        string            `json:"id"`
	ChainID   string            `json:"chain_id"`
	Seq       int64             `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action"`
	Entity    string            `json:"entity"`
	Actor     string            `json:"actor"`
	Success   bool              `json:"success"`
	Details   map[string]string `json:"details,omitempty"`
	PrevHash  string            `json:"previous_entry_hash"`
}

// ComputeHMAC derives the chain value for an entry:
// HMAC-SHA256(secret, serialize(entry) || previousEntryHash).
func ComputeHMAC(secret []byte, entry *domain.AuditEntry) (string, error) {
	payload, err := json.Marshal(auditPayload{
		ID:        entry.ID,
		ChainID:   entry.ChainID,
		Seq:       entry.Seq,
		Timestamp: entry.Timestamp.UTC(),
		Action:    entry.Action,
		Entity:    entry.Entity,
		Actor:     entry.Actor,
		Success:   entry.Success,
		Details:   entry.Details,
		PrevHash:  entry.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("serialize audit entry: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	mac.Write([]byte(entry.PrevHash))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Record appends an event best-effort. A storage failure is reported to the
// process log and counted, never surfaced to the audited operation: audit
// is additive, not gating.
func (l *Logger) Record(ctx context.Context, event Event) {
	if _, err := l.append(ctx, event); err != nil {
		l.fallback.ErrorContext(ctx, "audit append failed, falling back to process log",
			slog.String("action", event.Action),
			slog.String("entity", event.Entity),
			slog.String("actor", event.Actor),
			slog.Bool("success", event.Success),
			slog.String("error", err.Error()))
		if l.metrics != nil {
			l.metrics.AuditFallbacksTotal.Add(ctx, 1)
		}
	}
}

// RecordMandatory appends fail-closed: the caller must abort its operation
// if the entry cannot be persisted. Used where policy requires that an
// action cannot happen unaudited.
func (l *Logger) RecordMandatory(ctx context.Context, event Event) (*domain.AuditEntry, error) {
	return l.append(ctx, event)
}

func (l *Logger) append(ctx context.Context, event Event) (*domain.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(ctx, event)
}

func (l *Logger) appendLocked(ctx context.Context, event Event) (*domain.AuditEntry, error) {
	entry := &domain.AuditEntry{
		ID:        uuid.NewString(),
		ChainID:   l.chainID,
		Seq:       l.nextSeq,
		Timestamp: l.now().UTC(),
		Action:    event.Action,
		Entity:    event.Entity,
		Actor:     event.Actor,
		Success:   event.Success,
		Details:   event.Details,
		PrevHash:  l.headHash,
	}

	mac, err := ComputeHMAC(l.secret, entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHMAC = mac

	if err := l.store.AppendAuditEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	// Advance the head only after the store accepted the entry.
	l.headHash = entry.EntryHMAC
	l.nextSeq = entry.Seq + 1
	if l.metrics != nil {
		l.metrics.AuditAppendsTotal.Add(ctx, 1)
	}
	return entry, nil
}

// VerifyResult reports the outcome of a chain walk. FirstBroken is the
// sequence number of the first entry whose link does not hold, or -1 when
// the whole chain verifies.
type VerifyResult struct {
	ChainID     string `json:"chain_id"`
	Checked     int    `json:"checked"`
	Intact      bool   `json:"intact"`
	FirstBroken int64  `json:"first_broken_seq"`
}

// Verify recomputes the chain for the given generation and reports the
// first broken link. Entries before the break still verify.
func (l *Logger) Verify(ctx context.Context, chainID string) (VerifyResult, error) {
	if chainID == "" {
		l.mu.Lock()
		chainID = l.chainID
		l.mu.Unlock()
	}

	entries, err := l.store.AuditEntries(ctx, chainID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load audit entries: %w", err)
	}

	result := VerifyResult{ChainID: chainID, Intact: true, FirstBroken: -1}
	prev := GenesisHash(chainID)
	for i := range entries {
		entry := &entries[i]
		expected, err := ComputeHMAC(l.secret, entry)
		switch {
		case err != nil,
			entry.Seq != int64(i),
			entry.PrevHash != prev,
			!hmac.Equal([]byte(expected), []byte(entry.EntryHMAC)):
			result.Intact = false
			result.FirstBroken = int64(i)
			result.Checked = i
			return result, nil
		}
		prev = entry.EntryHMAC
		result.Checked++
	}
	return result, nil
}

// Rotate seals the current chain and opens a new generation. The rotation
// is itself audited: a final entry on the old chain records its head hash,
// and the first entry of the new chain records where it came from. Rotation
// is fail-closed; a chain must never be sealed unaudited.
func (l *Logger) Rotate(ctx context.Context, actor string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	oldChain := l.chainID
	sealEntry, err := l.appendLocked(ctx, Event{
		Action:  domain.AuditActionChainRotated,
		Entity:  "audit_chain:" + oldChain,
		Actor:   actor,
		Success: true,
		Details: map[string]string{"phase": "seal"},
	})
	if err != nil {
		return "", fmt.Errorf("seal entry: %w", err)
	}

	sealedAt := l.now().UTC()
	if err := l.store.SealAuditChain(ctx, oldChain, sealEntry.EntryHMAC, sealedAt); err != nil {
		return "", fmt.Errorf("seal audit chain: %w", err)
	}

	newChain := &domain.AuditChain{ID: uuid.NewString(), CreatedAt: sealedAt}
	if err := l.store.CreateAuditChain(ctx, newChain); err != nil {
		return "", fmt.Errorf("create audit chain: %w", err)
	}

	l.chainID = newChain.ID
	l.headHash = GenesisHash(newChain.ID)
	l.nextSeq = 0

	if _, err := l.appendLocked(ctx, Event{
		Action:  domain.AuditActionChainRotated,
		Entity:  "audit_chain:" + newChain.ID,
		Actor:   actor,
		Success: true,
		Details: map[string]string{
			"phase":          "open",
			"previous_chain": oldChain,
			"sealed_head":    sealEntry.EntryHMAC,
		},
	}); err != nil {
		return "", fmt.Errorf("open entry: %w", err)
	}

	l.fallback.InfoContext(ctx, "audit chain rotated",
		slog.String("old_chain", oldChain),
		slog.String("new_chain", newChain.ID))
	return newChain.ID, nil
}

// Reload re-reads the active chain and its head from the store. Called
// after a restore replaces the persisted chain underneath the writer.
func (l *Logger) Reload(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	chain, err := l.store.ActiveAuditChain(ctx)
	if errors.Is(err, ErrChainNotFound) {
		chain = &domain.AuditChain{ID: uuid.NewString(), CreatedAt: l.now().UTC()}
		if err := l.store.CreateAuditChain(ctx, chain); err != nil {
			return fmt.Errorf("create audit chain: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("load audit chain: %w", err)
	}
	l.chainID = chain.ID
	return l.loadHead(ctx)
}

// ChainID returns the id of the generation currently being written.
func (l *Logger) ChainID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chainID
}
