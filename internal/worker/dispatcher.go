package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentworkforce/invoicerelay/internal/invoicerelay"
)

// ChangeHandler is satisfied by *invoicerelay.Orchestrator.
type ChangeHandler interface {
	HandleChange(ctx context.Context, evt invoicerelay.ChangeEvent) (invoicerelay.MoveResult, error)
}

// Dispatcher forwards change feed events to a handler one at a time.
type Dispatcher struct {
	feed    *invoicerelay.ChangeFeed
	handler ChangeHandler
	logger  *zap.Logger
}

func NewDispatcher(feed *invoicerelay.ChangeFeed, handler ChangeHandler, logger *zap.Logger) (*Dispatcher, error) {
	if feed == nil || handler == nil {
		return nil, invoicerelay.ErrInvalidInput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{feed: feed, handler: handler, logger: logger}, nil
}

func (d *Dispatcher) Run(ctx context.Context) error {
	events, cancel := d.feed.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			result, err := d.handler.HandleChange(ctx, evt)
			if err != nil {
				d.logger.Warn("change-triggered move failed",
					zap.String("file_name", evt.Key.FileName),
					zap.String("date", evt.Key.Date),
					zap.Uint64("sequence", evt.Sequence),
					zap.String("kind", string(invoicerelay.KindOf(err))),
					zap.Error(err),
				)
				continue
			}
			if result.Outcome != invoicerelay.OutcomeSkipped {
				d.logger.Debug("change handled",
					zap.String("file_name", result.Key.FileName),
					zap.String("outcome", string(result.Outcome)),
				)
			}
		}
	}
}
