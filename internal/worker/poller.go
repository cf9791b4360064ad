// Package worker drives the relocation pipeline from long-running processes:
// a queue poller for move requests, a change-feed dispatcher and the cron
// scheduler for catch-up scans.
package worker

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/invoicerelay/internal/invoicerelay"
)

// MessageHandler is satisfied by *invoicerelay.Orchestrator.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg invoicerelay.Message) (invoicerelay.MoveResult, error)
}

type PollerOptions struct {
	Queue   invoicerelay.MessageQueue
	Channel string
	Handler MessageHandler
	// Interval is the idle wait after an empty receive.
	Interval time.Duration
	// Jitter spreads Interval by up to this ratio in both directions.
	Jitter float64
	// Concurrency bounds messages handled in parallel within one batch.
	Concurrency int
	BatchSize   int
	// NewBackOff builds the policy applied after receive failures. The
	// default retries forever, capped at 30s between attempts.
	NewBackOff func() backoff.BackOff
	Logger     *zap.Logger
}

type Poller struct {
	queue       invoicerelay.MessageQueue
	channel     string
	handler     MessageHandler
	interval    time.Duration
	jitter      float64
	concurrency int
	batchSize   int
	newBackOff  func() backoff.BackOff
	logger      *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.Queue == nil || opts.Handler == nil || strings.TrimSpace(opts.Channel) == "" {
		return nil, invoicerelay.ErrInvalidInput
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.BatchSize <= 0 || opts.BatchSize > invoicerelay.MaxReceiveBatch {
		opts.BatchSize = invoicerelay.MaxReceiveBatch
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Poller{
		queue:       opts.Queue,
		channel:     strings.TrimSpace(opts.Channel),
		handler:     opts.Handler,
		interval:    opts.Interval,
		jitter:      clampJitterRatio(opts.Jitter),
		concurrency: opts.Concurrency,
		batchSize:   opts.BatchSize,
		newBackOff:  opts.NewBackOff,
		logger:      opts.Logger,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// PollOnce receives one batch and handles every message in it. Handler
// failures leave the message on the queue and are not returned; only a
// failed receive is.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	msgs, err := p.queue.ReceiveBatch(ctx, p.channel, p.batchSize)
	if err != nil {
		return 0, err
	}
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, msg := range msgs {
		g.Go(func() error {
			if _, err := p.handler.HandleMessage(ctx, msg); err != nil {
				p.logger.Debug("message left for redelivery",
					zap.String("message_id", msg.ID),
					zap.Int("receive_count", msg.ReceiveCount),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(msgs), nil
}

// Run polls until ctx is done. A full batch is followed immediately by the
// next receive so a backlog drains without idle waits.
func (p *Poller) Run(ctx context.Context) error {
	b := backoff.WithContext(p.newBackOff(), ctx)
	p.logger.Info("queue poller started", zap.String("channel", p.channel))
	for {
		if ctx.Err() != nil {
			p.logger.Info("queue poller stopped", zap.String("channel", p.channel))
			return nil
		}
		n, err := p.PollOnce(ctx)
		var wait time.Duration
		switch {
		case err != nil && ctx.Err() == nil:
			wait = b.NextBackOff()
			if wait == backoff.Stop {
				return err
			}
			p.logger.Warn("receive failed", zap.String("channel", p.channel), zap.Duration("retry_in", wait), zap.Error(err))
		case err != nil:
			continue
		case n >= p.batchSize:
			b.Reset()
			continue
		default:
			b.Reset()
			wait = p.nextInterval()
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (p *Poller) nextInterval() time.Duration {
	p.rngMu.Lock()
	sample := p.rng.Float64()
	p.rngMu.Unlock()
	return jitteredIntervalWithSample(p.interval, p.jitter, sample)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample maps sample in [0,1] onto
// base*(1-jitter)..base*(1+jitter).
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
