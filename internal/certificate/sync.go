package certificate

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"fathomos/internal/audit"
	"fathomos/internal/infrastructure"
	"fathomos/pkg/contracts/domain"
)

// Uploader posts a certificate to the server. Implementations must be
// idempotent per certificate id; the worker will resend after transient
// failures.
type Uploader interface {
	Upload(ctx context.Context, req domain.CertificateSyncRequest) (*domain.CertificateSyncResponse, error)
}

// SyncWorker drains the local queue of unsynced certificates in the
// background. On server acknowledgment it flips isSyncedToServer first,
// then isVerifiedByServer, so a crash between the two only delays
// verification, never loses it.
type SyncWorker struct {
	store    Store
	uploader Uploader
	auditor  *audit.Logger
	logger   *slog.Logger
	metrics  *infrastructure.TrustMetrics
	interval time.Duration
	batch    int

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// SyncOption configures a SyncWorker.
type SyncOption func(*SyncWorker)

// WithSyncMetrics attaches the trust-core metric instruments.
func WithSyncMetrics(m *infrastructure.TrustMetrics) SyncOption {
	return func(w *SyncWorker) { w.metrics = m }
}

// WithBatchSize bounds how many certificates one pass uploads.
func WithBatchSize(n int) SyncOption {
	return func(w *SyncWorker) { w.batch = n }
}

// NewSyncWorker creates the background sync worker.
func NewSyncWorker(store Store, uploader Uploader, auditor *audit.Logger, interval time.Duration, logger *slog.Logger, opts ...SyncOption) *SyncWorker {
	w := &SyncWorker{
		store:    store,
		uploader: uploader,
		auditor:  auditor,
		logger:   logger.With(slog.String("component", "certificate_sync")),
		interval: interval,
		batch:    50,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the sync loop.
func (w *SyncWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop terminates the loop and waits for the in-flight pass to finish.
func (w *SyncWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.done
}

func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.SyncOnce(ctx); err != nil {
				w.logger.WarnContext(ctx, "certificate sync pass failed",
					slog.String("error", err.Error()))
			}
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SyncOnce uploads one batch of unsynced certificates. Each upload retries
// with backoff on transient failure; a certificate that keeps failing stays
// queued for the next pass.
func (w *SyncWorker) SyncOnce(ctx context.Context) error {
	pending, err := w.store.UnsyncedCertificates(ctx, w.batch)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	var errs []error
	for i := range pending {
		cert := &pending[i]
		if err := w.syncCertificate(ctx, cert); err != nil {
			errs = append(errs, err)
			continue
		}
	}
	return errors.Join(errs...)
}

func (w *SyncWorker) syncCertificate(ctx context.Context, cert *domain.Certificate) error {
	resp, err := retry.DoWithData(
		func() (*domain.CertificateSyncResponse, error) {
			return w.uploader.Upload(ctx, domain.CertificateSyncRequest{Certificate: *cert})
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return err
	}
	if !resp.Accepted {
		w.logger.WarnContext(ctx, "server refused certificate",
			slog.String("certificate_id", cert.ID),
			slog.String("message", resp.Message))
		return nil
	}

	if err := w.store.MarkCertificateSynced(ctx, cert.ID); err != nil {
		return err
	}
	if resp.Verified {
		if err := w.store.MarkCertificateVerified(ctx, cert.ID); err != nil {
			return err
		}
	}

	if w.metrics != nil {
		w.metrics.CertificatesSynced.Add(ctx, 1)
	}
	w.auditor.Record(ctx, audit.Event{
		Action:  domain.AuditActionCertSynced,
		Entity:  "certificate:" + cert.ID,
		Actor:   "sync_worker",
		Success: true,
	})
	return nil
}

// Receiver is the server side of certificate sync: it verifies the
// uploaded signature and records the certificate as synced and verified.
type Receiver struct {
	store     Store
	publicKey ed25519.PublicKey
	auditor   *audit.Logger
	logger    *slog.Logger
}

// NewReceiver creates the sync endpoint's service.
func NewReceiver(store Store, publicKey ed25519.PublicKey, auditor *audit.Logger, logger *slog.Logger) *Receiver {
	return &Receiver{
		store:     store,
		publicKey: publicKey,
		auditor:   auditor,
		logger:    logger.With(slog.String("component", "certificate_receiver")),
	}
}

// Receive handles one uploaded certificate. Receiving the same certificate
// twice acknowledges it again without side effects.
func (r *Receiver) Receive(ctx context.Context, req domain.CertificateSyncRequest) (*domain.CertificateSyncResponse, error) {
	cert := req.Certificate

	ok, err := Verify(&cert, r.publicKey)
	if err != nil || !ok {
		r.auditor.Record(ctx, audit.Event{
			Action:  domain.AuditActionCertSynced,
			Entity:  "certificate:" + cert.ID,
			Actor:   cert.Signatory,
			Success: false,
			Details: map[string]string{"reason": "bad signature"},
		})
		return &domain.CertificateSyncResponse{ID: cert.ID, Accepted: false, Message: "signature verification failed"}, nil
	}

	existing, err := r.store.CertificateByID(ctx, cert.ID)
	switch {
	case err == nil && existing != nil:
		// Already recorded; idempotent acknowledgment.
	case errors.Is(err, ErrNotFound):
		cert.IsSynced = true
		cert.IsVerified = true
		if err := r.store.InsertCertificate(ctx, &cert); err != nil && !errors.Is(err, ErrDuplicateWork) {
			return nil, err
		}
	default:
		return nil, err
	}

	return &domain.CertificateSyncResponse{ID: cert.ID, Accepted: true, Verified: true}, nil
}
