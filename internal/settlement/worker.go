package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/payflow/internal/metrics"
	"github.com/example/payflow/internal/models"
	"github.com/example/payflow/internal/payments"
)

// Config tunes the worker. Zero fields get defaults.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BackoffBase  time.Duration
	MaxBackoff   time.Duration
	// Lease is how long a claimed job stays invisible to other workers.
	Lease time.Duration
	Clock models.Clock
	NewID func() string
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
}

// Worker drives pending transfers to a terminal state.
type Worker struct {
	store    Store
	resolver *payments.Resolver
	auditor  Auditor
	cfg      Config
	logger   *slog.Logger
}

// NewWorker creates a settlement worker. auditor may be nil.
func NewWorker(store Store, resolver *payments.Resolver, auditor Auditor, cfg Config, logger *slog.Logger) *Worker {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    store,
		resolver: resolver,
		auditor:  auditor,
		cfg:      cfg,
		logger:   logger.With("component", "settlement"),
	}
}

// Run polls for due jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("settlement worker started",
		"poll_interval", w.cfg.PollInterval.String(),
		"batch_size", w.cfg.BatchSize,
		"max_attempts", w.cfg.MaxAttempts,
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("settlement poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("settlement worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due jobs and processes each. It returns the
// number of jobs claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.store.ClaimDue(ctx, w.cfg.Clock().UTC(), w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("failed to claim settlement jobs: %w", err)
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return len(jobs), ctx.Err()
		}
		w.process(ctx, job)
	}
	return len(jobs), nil
}

func (w *Worker) process(ctx context.Context, job models.SettlementJob) {
	log := w.logger.With("transfer_id", job.TransferID, "attempt", job.Attempts)

	transfer, err := w.store.GetTransfer(ctx, job.TransferID)
	if errors.Is(err, ErrTransferNotFound) {
		w.deadLetter(ctx, log, job, ReasonTransferMissing, err)
		return
	}
	if err != nil {
		w.retry(ctx, log, job, err)
		return
	}

	if !models.CanTransition(transfer.State, models.TransferSettled) {
		// Already final. Settle is a no-op that closes the job.
		w.settle(ctx, log, job, transfer, transfer.RecipientID)
		return
	}

	recipient, err := w.resolver.Resolve(ctx, transfer.RecipientAccountNumber)
	if errors.Is(err, payments.ErrRecipientNotFound) {
		w.deadLetter(ctx, log, job, ReasonRecipientMissing, fmt.Errorf("%w: %v", ErrRecipientMissing, err))
		return
	}
	if err != nil {
		w.retry(ctx, log, job, err)
		return
	}

	w.settle(ctx, log, job, transfer, recipient.UserID)
}

func (w *Worker) settle(ctx context.Context, log *slog.Logger, job models.SettlementJob, transfer *models.BankTransfer, recipientID string) {
	subtitle := "Bank transfer"
	if transfer.Simulated {
		subtitle = "Simulated bank transfer"
	}
	if transfer.Memo != "" {
		subtitle = transfer.Memo
	}

	outcome, err := w.store.Settle(ctx, models.SettleParams{
		TransferID:    transfer.ID,
		RecipientID:   recipientID,
		CreditEntryID: w.cfg.NewID(),
		Title:         "Bank transfer received",
		Subtitle:      subtitle,
		SettledAt:     w.cfg.Clock().UTC(),
	})
	if errors.Is(err, ErrRecipientMissing) {
		w.deadLetter(ctx, log, job, ReasonRecipientMissing, err)
		return
	}
	if err != nil {
		w.retry(ctx, log, job, err)
		return
	}

	if outcome.AlreadyFinal {
		metrics.SettlementsTotal.WithLabelValues("skipped").Inc()
		log.Info("transfer already final, settlement skipped", "state", transfer.State)
		return
	}

	metrics.SettlementsTotal.WithLabelValues("settled").Inc()
	log.Info("bank transfer settled",
		"recipient_id", recipientID,
		"amount", transfer.Amount.StringFixed(2),
		"credit_entry_id", outcome.CreditEntryID,
		"simulated", transfer.Simulated,
	)
	w.record("settlement.settled", transfer.ID, map[string]string{
		"recipient_id":    recipientID,
		"amount":          transfer.Amount.StringFixed(2),
		"credit_entry_id": outcome.CreditEntryID,
	})
}

func (w *Worker) retry(ctx context.Context, log *slog.Logger, job models.SettlementJob, cause error) {
	if job.Attempts >= w.cfg.MaxAttempts {
		w.deadLetter(ctx, log, job, ReasonMaxAttempts, cause)
		return
	}

	runAt := w.cfg.Clock().UTC().Add(w.Backoff(job.Attempts))
	if err := w.store.Retry(ctx, job.TransferID, runAt, cause.Error()); err != nil {
		// The lease expires and the job is claimed again.
		log.Error("failed to requeue settlement job", "error", err, "cause", cause)
		return
	}
	metrics.SettlementsTotal.WithLabelValues("retry").Inc()
	log.Warn("settlement attempt failed, retrying", "error", cause, "run_at", runAt)
}

func (w *Worker) deadLetter(ctx context.Context, log *slog.Logger, job models.SettlementJob, reason string, cause error) {
	if err := w.store.DeadLetter(ctx, job.TransferID, reason, w.cfg.Clock().UTC()); err != nil {
		log.Error("failed to dead-letter settlement job", "error", err, "reason", reason, "cause", cause)
		return
	}
	metrics.SettlementsTotal.WithLabelValues("dead").Inc()
	metrics.SettlementDeadLetters.WithLabelValues(reason).Inc()
	log.Error("settlement dead-lettered, transfer failed", "reason", reason, "error", cause)
	w.record("settlement.dead_lettered", job.TransferID, map[string]string{
		"reason": reason,
		"error":  cause.Error(),
	})
}

// Backoff returns the delay before the next attempt after attempt failures.
func (w *Worker) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := w.cfg.BackoffBase
	if d >= w.cfg.MaxBackoff {
		return w.cfg.MaxBackoff
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	return d
}

func (w *Worker) record(kind, ref string, attrs map[string]string) {
	if w.auditor != nil {
		w.auditor.Record(kind, ref, attrs)
	}
}
