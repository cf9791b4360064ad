package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/invoicerelay/internal/invoicerelay"
)

type recordingHandler struct {
	mu       sync.Mutex
	messages []invoicerelay.Message
	changes  []invoicerelay.ChangeEvent
	err      error
}

func (h *recordingHandler) HandleMessage(_ context.Context, msg invoicerelay.Message) (invoicerelay.MoveResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
	return invoicerelay.MoveResult{Outcome: invoicerelay.OutcomeMoved}, h.err
}

func (h *recordingHandler) HandleChange(_ context.Context, evt invoicerelay.ChangeEvent) (invoicerelay.MoveResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, evt)
	return invoicerelay.MoveResult{Key: evt.Key, Outcome: invoicerelay.OutcomeMoved}, h.err
}

func (h *recordingHandler) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func (h *recordingHandler) changeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.changes)
}

// flakyQueue fails the first failures receives.
type flakyQueue struct {
	invoicerelay.MessageQueue
	failures atomic.Int32
	receives atomic.Int32
}

func (q *flakyQueue) ReceiveBatch(ctx context.Context, channel string, max int) ([]invoicerelay.Message, error) {
	q.receives.Add(1)
	if q.failures.Add(-1) >= 0 {
		return nil, errors.New("queue unavailable")
	}
	return q.MessageQueue.ReceiveBatch(ctx, channel, max)
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := time.Second
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0, 0.9))
	assert.Equal(t, 800*time.Millisecond, jitteredIntervalWithSample(base, 0.2, 0))
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0.2, 0.5))
	assert.Equal(t, 1200*time.Millisecond, jitteredIntervalWithSample(base, 0.2, 1))
	assert.Equal(t, 1200*time.Millisecond, jitteredIntervalWithSample(base, 0.2, 7))
	assert.Equal(t, time.Millisecond, jitteredIntervalWithSample(base, 1, 0))
	assert.Equal(t, time.Duration(0), jitteredIntervalWithSample(0, 0.2, 0.5))
	assert.Equal(t, 1.0, clampJitterRatio(3))
	assert.Equal(t, 0.0, clampJitterRatio(-1))
}

func TestPollOnceHandlesBatch(t *testing.T) {
	queue := invoicerelay.NewInMemoryQueue(invoicerelay.QueueOptions{})
	for i := 0; i < 3; i++ {
		_, err := queue.Send(context.Background(), "moves", `{"fileName":"a.xml"}`)
		require.NoError(t, err)
	}
	handler := &recordingHandler{err: errors.New("not settled")}
	poller, err := NewPoller(PollerOptions{Queue: queue, Channel: "moves", Handler: handler, Concurrency: 2})
	require.NoError(t, err)

	n, err := poller.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, handler.messageCount())

	n, err = poller.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "unacked messages stay invisible until their timeout")
}

func TestPollerRunRetriesAfterReceiveFailures(t *testing.T) {
	inner := invoicerelay.NewInMemoryQueue(invoicerelay.QueueOptions{})
	_, err := inner.Send(context.Background(), "moves", `{"fileName":"a.xml"}`)
	require.NoError(t, err)
	queue := &flakyQueue{MessageQueue: inner}
	queue.failures.Store(2)

	handler := &recordingHandler{}
	poller, err := NewPoller(PollerOptions{
		Queue:      queue,
		Channel:    "moves",
		Handler:    handler,
		Interval:   10 * time.Millisecond,
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	require.Eventually(t, func() bool { return handler.messageCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, queue.receives.Load(), int32(3))
}

func TestPollerRunStopsWhenBackOffGivesUp(t *testing.T) {
	queue := &flakyQueue{MessageQueue: invoicerelay.NewInMemoryQueue(invoicerelay.QueueOptions{})}
	queue.failures.Store(100)
	poller, err := NewPoller(PollerOptions{
		Queue:   queue,
		Channel: "moves",
		Handler: &recordingHandler{},
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
		},
	})
	require.NoError(t, err)
	err = poller.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(3), queue.receives.Load())
}

func TestNewPollerValidates(t *testing.T) {
	_, err := NewPoller(PollerOptions{Channel: "moves", Handler: &recordingHandler{}})
	assert.ErrorIs(t, err, invoicerelay.ErrInvalidInput)
	_, err = NewPoller(PollerOptions{Queue: invoicerelay.NewInMemoryQueue(invoicerelay.QueueOptions{}), Handler: &recordingHandler{}})
	assert.ErrorIs(t, err, invoicerelay.ErrInvalidInput)
}

func TestDispatcherForwardsEvents(t *testing.T) {
	feed := invoicerelay.NewChangeFeed(8)
	handler := &recordingHandler{}
	dispatcher, err := NewDispatcher(feed, handler, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx) }()

	// Publish until the subscription is live.
	key := invoicerelay.Key{FileName: "invoice123.xml", Date: "2024/01/15"}
	require.Eventually(t, func() bool {
		feed.Publish(invoicerelay.ChangeEvent{Type: invoicerelay.ChangeModify, Key: key})
		return handler.changeCount() > 0
	}, 2*time.Second, 10*time.Millisecond)

	handler.mu.Lock()
	handler.err = errors.New("transient")
	handler.mu.Unlock()
	before := handler.changeCount()
	feed.Publish(invoicerelay.ChangeEvent{Type: invoicerelay.ChangeModify, Key: key})
	require.Eventually(t, func() bool { return handler.changeCount() > before }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

type countingRunner struct {
	runs atomic.Int32
}

func (r *countingRunner) CatchUp(context.Context) (invoicerelay.CatchUpReport, error) {
	r.runs.Add(1)
	return invoicerelay.CatchUpReport{}, nil
}

func TestSchedulerRunsCatchUp(t *testing.T) {
	runner := &countingRunner{}
	scheduler, err := NewScheduler("@every 1s", runner, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	_, err := NewScheduler("every five minutes", &countingRunner{}, nil)
	assert.ErrorIs(t, err, invoicerelay.ErrInvalidInput)

	_, err = NewScheduler("*/5 * * * *", &countingRunner{}, nil)
	assert.NoError(t, err)
}
