package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/agentworkforce/invoicerelay/internal/invoicerelay"
)

// CatchUpRunner is satisfied by *invoicerelay.Reconciler.
type CatchUpRunner interface {
	CatchUp(ctx context.Context) (invoicerelay.CatchUpReport, error)
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler runs the catch-up scan on a cron schedule. A pass that is still
// running when the next one is due causes that tick to be skipped.
type Scheduler struct {
	spec   string
	runner CatchUpRunner
	logger *zap.Logger
}

func NewScheduler(spec string, runner CatchUpRunner, logger *zap.Logger) (*Scheduler, error) {
	spec = strings.TrimSpace(spec)
	if runner == nil || spec == "" {
		return nil, invoicerelay.ErrInvalidInput
	}
	if _, err := scheduleParser.Parse(spec); err != nil {
		return nil, fmt.Errorf("%w: scan schedule %q: %v", invoicerelay.ErrInvalidInput, spec, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{spec: spec, runner: runner, logger: logger}, nil
}

func (s *Scheduler) Run(ctx context.Context) error {
	cronLogger := cronLogAdapter{logger: s.logger.Sugar()}
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := c.AddFunc(s.spec, func() { s.runOnce(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.logger.Info("scan scheduler started", zap.String("schedule", s.spec))
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("scan scheduler stopped")
	return nil
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := s.runner.CatchUp(ctx)
	if err != nil {
		s.logger.Warn("scheduled catch-up scan finished with errors",
			zap.Int("scanned", report.Scanned),
			zap.Int("failed", report.Failed),
			zap.Error(err),
		)
	}
}

type cronLogAdapter struct {
	logger *zap.SugaredLogger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
