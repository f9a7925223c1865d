// Package certificate issues signed work certificates and syncs them to the
// server. Certificate ids derive from a per-scope monotonic sequence, so
// they are unique and ordered; issuance for the same (subject, workUnit) is
// deduplicated both in process and by the store.
package certificate

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fathomos/internal/audit"
	"fathomos/internal/infrastructure"
	"fathomos/pkg/contracts/domain"
)

var (
	// ErrDuplicateWork is returned when a certificate for the same
	// (subject, workUnit) already exists or is being issued right now.
	ErrDuplicateWork = errors.New("certificate: work unit already certified")
	// ErrNotFound is returned by Store implementations for unknown ids.
	ErrNotFound = errors.New("certificate: not found")
)

// Store persists certificates and their per-scope sequences.
type Store interface {
	// NextCertificateSequence atomically allocates the next sequence value
	// for the scope. No two concurrent calls may observe the same value.
	NextCertificateSequence(ctx context.Context, scope string) (int64, error)
	// InsertCertificate persists a signed certificate. It returns
	// ErrDuplicateWork when a certificate for the same (subject, workUnit)
	// already exists.
	InsertCertificate(ctx context.Context, cert *domain.Certificate) error
	CertificateByID(ctx context.Context, id string) (*domain.Certificate, error)
	UnsyncedCertificates(ctx context.Context, limit int) ([]domain.Certificate, error)
	MarkCertificateSynced(ctx context.Context, id string) error
	MarkCertificateVerified(ctx context.Context, id string) error
	ListCertificates(ctx context.Context, scope string) ([]domain.Certificate, error)
}

// IssueRequest describes one completed unit of work to certify.
type IssueRequest struct {
	Scope     string `json:"scope" validate:"required"`
	Subject   string `json:"subject" validate:"required"`
	WorkUnit  string `json:"work_unit" validate:"required"`
	Metadata  string `json:"metadata,omitempty"`
	Signatory string `json:"signatory" validate:"required"`
}

func (r *IssueRequest) workKey() string { return r.Subject + "\x00" + r.WorkUnit }

// Issuer creates signed certificates. The signing key belongs to the same
// key family as license signing so certificates verify offline with the
// distributed public key.
type Issuer struct {
	store      Store
	signingKey ed25519.PrivateKey
	auditor    *audit.Logger
	logger     *slog.Logger
	metrics    *infrastructure.TrustMetrics
	now        func() time.Time

	// inflight holds work keys with an issuance in progress, so two
	// concurrent calls for the same work cannot both reach the store.
	mu       sync.Mutex
	inflight map[string]struct{}
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// WithMetrics attaches the trust-core metric instruments.
func WithMetrics(m *infrastructure.TrustMetrics) IssuerOption {
	return func(i *Issuer) { i.metrics = m }
}

// NewIssuer creates a certificate issuer.
func NewIssuer(store Store, signingKey ed25519.PrivateKey, auditor *audit.Logger, logger *slog.Logger, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		store:      store,
		signingKey: signingKey,
		auditor:    auditor,
		logger:     logger.With(slog.String("component", "certificate_issuer")),
		now:        time.Now,
		inflight:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue certifies one completed unit of work. At most one certificate is
// ever created per (subject, workUnit); concurrent duplicates get
// ErrDuplicateWork.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*domain.Certificate, error) {
	key := req.workKey()
	i.mu.Lock()
	if _, busy := i.inflight[key]; busy {
		i.mu.Unlock()
		return nil, ErrDuplicateWork
	}
	i.inflight[key] = struct{}{}
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		delete(i.inflight, key)
		i.mu.Unlock()
	}()

	seq, err := i.store.NextCertificateSequence(ctx, req.Scope)
	if err != nil {
		return nil, fmt.Errorf("allocate sequence: %w", err)
	}

	cert := &domain.Certificate{
		ID:        fmt.Sprintf("%s-%06d", req.Scope, seq),
		Scope:     req.Scope,
		Sequence:  seq,
		Subject:   req.Subject,
		WorkUnit:  req.WorkUnit,
		Metadata:  req.Metadata,
		Signatory: req.Signatory,
		IssuedAt:  i.now().UTC(),
	}
	if err := i.sign(cert); err != nil {
		return nil, err
	}

	// The store's uniqueness constraint is the backstop for duplicates
	// racing from other processes.
	if err := i.store.InsertCertificate(ctx, cert); err != nil {
		if errors.Is(err, ErrDuplicateWork) {
			return nil, ErrDuplicateWork
		}
		return nil, fmt.Errorf("persist certificate: %w", err)
	}

	if i.metrics != nil {
		i.metrics.CertificatesIssued.Add(ctx, 1)
	}
	i.auditor.Record(ctx, audit.Event{
		Action:  domain.AuditActionCertIssued,
		Entity:  "certificate:" + cert.ID,
		Actor:   req.Signatory,
		Success: true,
		Details: map[string]string{"scope": req.Scope, "work_unit": req.WorkUnit},
	})
	i.logger.InfoContext(ctx, "certificate issued",
		slog.String("certificate_id", cert.ID),
		slog.String("scope", cert.Scope),
		slog.Int64("sequence", cert.Sequence))
	return cert, nil
}

// signedPayload is the authenticated portion of a certificate: everything
// except the signature and the mutable sync flags.
type signedPayload struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	Sequence  int64     `json:"sequence"`
	Subject   string    `json:"subject"`
	WorkUnit  string    `json:"work_unit"`
	Metadata  string    `json:"metadata,omitempty"`
	Signatory string    `json:"signatory"`
	IssuedAt  time.Time `json:"issued_at"`
}

func payloadBytes(cert *domain.Certificate) ([]byte, error) {
	return json.Marshal(signedPayload{
		ID:        cert.ID,
		Scope:     cert.Scope,
		Sequence:  cert.Sequence,
		Subject:   cert.Subject,
		WorkUnit:  cert.WorkUnit,
		Metadata:  cert.Metadata,
		Signatory: cert.Signatory,
		IssuedAt:  cert.IssuedAt.UTC(),
	})
}

func (i *Issuer) sign(cert *domain.Certificate) error {
	payload, err := payloadBytes(cert)
	if err != nil {
		return fmt.Errorf("serialize certificate: %w", err)
	}
	cert.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(i.signingKey, payload))
	return nil
}

// Verify checks a certificate signature against the given public key. Sync
// flags are outside the signed payload, so flipping them later does not
// invalidate the certificate.
func Verify(cert *domain.Certificate, publicKey ed25519.PublicKey) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("public key must be %d bytes", ed25519.PublicKeySize)
	}
	payload, err := payloadBytes(cert)
	if err != nil {
		return false, fmt.Errorf("serialize certificate: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(cert.Signature)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	return ed25519.Verify(publicKey, payload, sig), nil
}
