package invoicerelay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

type queueUnderTest interface {
	MessageQueue
	Depth(channel string) int
}

// exerciseQueue covers visibility, redelivery and dead-lettering for a queue
// whose clock is driven by clock.
func exerciseQueue(t *testing.T, queue queueUnderTest, clock *testClock) {
	t.Helper()
	ctx := context.Background()

	if err := queue.ConfigureDeadLetter(ctx, "moves", "moves-dlq", 0); err != nil {
		t.Fatalf("configure dead letter failed: %v", err)
	}
	id, err := queue.Send(ctx, "moves", "body-1")
	if err != nil || id == "" {
		t.Fatalf("send failed: id=%q err=%v", id, err)
	}

	first, err := queue.ReceiveBatch(ctx, "moves", 10)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if len(first) != 1 || first[0].ID != id || first[0].ReceiveCount != 1 || first[0].Body != "body-1" {
		t.Fatalf("unexpected first delivery %+v", first)
	}
	hidden, err := queue.ReceiveBatch(ctx, "moves", 10)
	if err != nil {
		t.Fatalf("receive while hidden failed: %v", err)
	}
	if len(hidden) != 0 {
		t.Fatalf("expected message hidden during visibility timeout, got %+v", hidden)
	}

	// Redelivered with a fresh receipt handle once the timeout passes.
	clock.Advance(time.Minute + time.Second)
	second, err := queue.ReceiveBatch(ctx, "moves", 10)
	if err != nil {
		t.Fatalf("second receive failed: %v", err)
	}
	if len(second) != 1 || second[0].ReceiveCount != 2 || second[0].ReceiptHandle == first[0].ReceiptHandle {
		t.Fatalf("unexpected redelivery %+v", second)
	}
	if err := queue.Ack(ctx, "moves", first[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale receipt handle to be rejected, got %v", err)
	}

	clock.Advance(time.Minute + time.Second)
	third, err := queue.ReceiveBatch(ctx, "moves", 10)
	if err != nil || len(third) != 1 || third[0].ReceiveCount != 3 {
		t.Fatalf("expected third delivery, got %+v (err=%v)", third, err)
	}

	// Default max receive count of 3 is exhausted; the next receive redirects.
	clock.Advance(time.Minute + time.Second)
	after, err := queue.ReceiveBatch(ctx, "moves", 10)
	if err != nil {
		t.Fatalf("receive after exhaustion failed: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("expected exhausted message to leave the channel, got %+v", after)
	}
	if queue.Depth("moves") != 0 || queue.Depth("moves-dlq") != 1 {
		t.Fatalf("expected message on dead-letter channel, depths moves=%d dlq=%d", queue.Depth("moves"), queue.Depth("moves-dlq"))
	}
	dead, err := queue.ReceiveBatch(ctx, "moves-dlq", 10)
	if err != nil || len(dead) != 1 || dead[0].Body != "body-1" || dead[0].ReceiveCount != 1 {
		t.Fatalf("unexpected dead-letter delivery %+v (err=%v)", dead, err)
	}
	if err := queue.Ack(ctx, "moves-dlq", dead[0]); err != nil {
		t.Fatalf("ack dead letter failed: %v", err)
	}
	if queue.Depth("moves-dlq") != 0 {
		t.Fatalf("expected empty dead-letter channel after ack")
	}
}

func exerciseReceiveBatchClamp(t *testing.T, queue queueUnderTest) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		if _, err := queue.Send(ctx, "bulk", fmt.Sprintf("m-%02d", i)); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	batch, err := queue.ReceiveBatch(ctx, "bulk", 100)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if len(batch) != MaxReceiveBatch {
		t.Fatalf("expected batch clamped to %d, got %d", MaxReceiveBatch, len(batch))
	}
	if batch[0].Body != "m-00" || batch[9].Body != "m-09" {
		t.Fatalf("expected oldest messages first, got %q..%q", batch[0].Body, batch[9].Body)
	}
	small, err := queue.ReceiveBatch(ctx, "bulk", 3)
	if err != nil || len(small) != 3 || small[0].Body != "m-10" {
		t.Fatalf("expected next 3 messages, got %+v (err=%v)", small, err)
	}
	for _, msg := range append(batch, small...) {
		if err := queue.Ack(ctx, "bulk", msg); err != nil {
			t.Fatalf("ack %s failed: %v", msg.Body, err)
		}
	}
	if queue.Depth("bulk") != 12 {
		t.Fatalf("expected 12 messages left, got %d", queue.Depth("bulk"))
	}
}

func TestInMemoryQueue(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	exerciseQueue(t, NewInMemoryQueue(QueueOptions{VisibilityTimeout: time.Minute, Now: clock.Now}), clock)
	exerciseReceiveBatchClamp(t, NewInMemoryQueue(QueueOptions{}))
}

func TestFileQueue(t *testing.T) {
	dir := t.TempDir()
	clock := &testClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	queue, err := NewFileQueue(filepath.Join(dir, "queue.json"), QueueOptions{VisibilityTimeout: time.Minute, Now: clock.Now})
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	exerciseQueue(t, queue, clock)

	bulk, err := NewFileQueue(filepath.Join(dir, "bulk.json"), QueueOptions{})
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	exerciseReceiveBatchClamp(t, bulk)
}

func TestFileQueuePersistsInFlightStateAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	clock := &testClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	opts := QueueOptions{VisibilityTimeout: time.Minute, Now: clock.Now}
	ctx := context.Background()

	queue, err := NewFileQueue(path, opts)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	if _, err := queue.Send(ctx, "moves", "body-1"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	received, err := queue.ReceiveBatch(ctx, "moves", 1)
	if err != nil || len(received) != 1 {
		t.Fatalf("receive failed: %+v (err=%v)", received, err)
	}

	reopened, err := NewFileQueue(path, opts)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	hidden, err := reopened.ReceiveBatch(ctx, "moves", 1)
	if err != nil || len(hidden) != 0 {
		t.Fatalf("expected in-flight message to stay hidden after reopen, got %+v (err=%v)", hidden, err)
	}
	if err := reopened.Ack(ctx, "moves", received[0]); err != nil {
		t.Fatalf("ack through reopened queue failed: %v", err)
	}
	if reopened.Depth("moves") != 0 {
		t.Fatalf("expected empty queue after ack")
	}
}

func TestQueueRejectsInvalidInput(t *testing.T) {
	queue := NewInMemoryQueue(QueueOptions{})
	ctx := context.Background()
	if _, err := queue.Send(ctx, " ", "body"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank channel, got %v", err)
	}
	if _, err := queue.Send(ctx, "moves", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty body, got %v", err)
	}
	if err := queue.ConfigureDeadLetter(ctx, "moves", "moves", 3); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for self dead-letter, got %v", err)
	}
	if err := queue.Ack(ctx, "moves", Message{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for ack without receipt handle, got %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := queue.ReceiveBatch(cancelled, "moves", 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestChangeVisibilityHidesUntilNewTime(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	queue := NewInMemoryQueue(QueueOptions{VisibilityTimeout: time.Minute, Now: clock.Now})
	ctx := context.Background()
	if _, err := queue.Send(ctx, "moves", "body-1"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	received, err := queue.ReceiveBatch(ctx, "moves", 1)
	if err != nil || len(received) != 1 {
		t.Fatalf("receive failed: %+v (err=%v)", received, err)
	}
	if err := queue.ChangeVisibility(ctx, "moves", received[0], 10*time.Minute); err != nil {
		t.Fatalf("change visibility failed: %v", err)
	}

	clock.Advance(5 * time.Minute)
	if hidden, _ := queue.ReceiveBatch(ctx, "moves", 1); len(hidden) != 0 {
		t.Fatalf("expected message hidden past the default timeout, got %+v", hidden)
	}
	clock.Advance(5 * time.Minute)
	again, err := queue.ReceiveBatch(ctx, "moves", 1)
	if err != nil || len(again) != 1 || again[0].ReceiveCount != 2 {
		t.Fatalf("expected redelivery at the new time, got %+v (err=%v)", again, err)
	}

	if err := queue.ChangeVisibility(ctx, "moves", received[0], time.Minute); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale receipt handle to be rejected, got %v", err)
	}
	if err := queue.ChangeVisibility(ctx, "moves", Message{}, time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without receipt handle, got %v", err)
	}
}
