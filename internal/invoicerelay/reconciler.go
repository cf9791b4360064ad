package invoicerelay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ReconcilerOptions struct {
	Records      TrackingStore
	Orchestrator *Orchestrator
	// Concurrency bounds parallel move attempts. Defaults to 1.
	Concurrency int
	// Limit caps how many records one pass attempts. Zero means no cap.
	Limit int

	Logger  *zap.Logger
	Metrics *Metrics
}

// Reconciler is the catch-up scan: it finds COPIED records that are due and
// attempts each one, recovering requests whose message was lost.
type Reconciler struct {
	records     TrackingStore
	orch        *Orchestrator
	concurrency int
	limit       int
	logger      *zap.Logger
	metrics     *Metrics
}

type CatchUpReport struct {
	Scanned     int       `json:"scanned"`
	Moved       int       `json:"moved"`
	AlreadyDone int       `json:"alreadyDone"`
	NotDue      int       `json:"notDue"`
	Failed      int       `json:"failed"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
}

func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Records == nil || opts.Orchestrator == nil {
		return nil, ErrInvalidInput
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Reconciler{
		records:     opts.Records,
		orch:        opts.Orchestrator,
		concurrency: opts.Concurrency,
		limit:       opts.Limit,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}, nil
}

// Due lists the records the next pass would attempt.
func (r *Reconciler) Due(ctx context.Context) ([]Record, error) {
	filter := r.orch.DueFilter(r.orch.Now())
	filter.Limit = r.limit
	records, err := r.records.Scan(ctx, filter)
	if err != nil {
		return nil, transientError("scan", Key{}, err)
	}
	return records, nil
}

// CatchUp runs one reconciliation pass. Failures of individual records do not
// stop the pass; they are counted and joined into the returned error.
func (r *Reconciler) CatchUp(ctx context.Context) (CatchUpReport, error) {
	report := CatchUpReport{StartedAt: time.Now().UTC()}
	records, err := r.Due(ctx)
	if err != nil {
		report.FinishedAt = time.Now().UTC()
		return report, err
	}
	report.Scanned = len(records)

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(r.concurrency)
	for _, record := range records {
		key := record.Key()
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			result, err := r.orch.attempt(ctx, key, TriggerCatchUp)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				errs = append(errs, err)
				r.metrics.observeScan("failed")
				return nil
			}
			switch result.Outcome {
			case OutcomeMoved:
				report.Moved++
			case OutcomeAlreadyDone:
				report.AlreadyDone++
			case OutcomeNotDue:
				report.NotDue++
			}
			r.metrics.observeScan(string(result.Outcome))
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	report.FinishedAt = time.Now().UTC()

	r.logger.Info("catch-up scan finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("moved", report.Moved),
		zap.Int("already_done", report.AlreadyDone),
		zap.Int("not_due", report.NotDue),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, errors.Join(errs...)
}
