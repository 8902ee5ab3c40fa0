package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ordinal-bus/internal/domain"
)

const DefaultSweepGrace = 10 * time.Minute

type stagingRecoverer interface {
	RecoverStaging(ctx context.Context, olderThan time.Duration) (int, error)
}

type orphanQuarantiner interface {
	QuarantineOrphans(ctx context.Context, olderThan time.Duration) (int, error)
}

// Sweeper finalizes exchanges whose Issuer went away. A request is only
// touched once its deadline plus the grace period has passed, so a live
// Issuer always gets to archive its own exchange first.
type Sweeper struct {
	store  Store
	grace  time.Duration
	logger *slog.Logger
	now    func() time.Time
}

type SweepReport struct {
	Answered    int
	TimedOut    int
	Recovered   int
	Quarantined int
}

func (r SweepReport) Total() int {
	return r.Answered + r.TimedOut + r.Recovered + r.Quarantined
}

func NewSweeper(store Store, grace time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if grace < 0 {
		return nil, errors.New("usecase: sweep grace must not be negative")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, grace: grace, logger: logger, now: time.Now}, nil
}

// SweepOnce runs a single pass. Errors on individual exchanges are logged and
// skipped; only a failure to list the open partition aborts the pass.
func (w *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	if r, ok := w.store.(stagingRecoverer); ok {
		n, err := r.RecoverStaging(ctx, w.grace)
		if err != nil {
			w.logger.Warn("staging recovery failed", "err", err)
		}
		report.Recovered = n
	}

	reqs, err := w.store.ListOpenRequests(ctx)
	if err != nil {
		return report, newError(ErrorInternal, "store_read_error", err)
	}
	now := w.now()
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !w.stale(req, now) {
			continue
		}
		// The listing may be stale; Archive is a no-op for anything the
		// Issuer or an operator archived since.
		status, err := w.store.Archive(ctx, req.ID, domain.StatusTimeout)
		if err != nil {
			w.logger.Warn("sweep archive failed", "id", req.ID, "err", err)
			continue
		}
		switch status {
		case "":
			continue
		case domain.StatusAnswered:
			report.Answered++
		default:
			report.TimedOut++
		}
		w.logger.Info("swept abandoned exchange", "id", req.ID, "status", status)
	}

	if q, ok := w.store.(orphanQuarantiner); ok {
		n, err := q.QuarantineOrphans(ctx, w.grace)
		if err != nil {
			w.logger.Warn("orphan quarantine failed", "err", err)
		}
		report.Quarantined = n
	}
	return report, nil
}

func (w *Sweeper) stale(req domain.Request, now time.Time) bool {
	deadline, ok := req.Deadline()
	if !ok {
		deadline = req.Timestamp.Add(DefaultTimeoutSeconds * time.Second)
	}
	return now.After(deadline.Add(w.grace))
}

// Run sweeps every interval until ctx is done.
func (w *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("usecase: sweep interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := w.SweepOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("sweep failed", "err", err)
		} else if report.Total() > 0 {
			w.logger.Info("sweep complete",
				"answered", report.Answered,
				"timed_out", report.TimedOut,
				"recovered", report.Recovered,
				"quarantined", report.Quarantined,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
