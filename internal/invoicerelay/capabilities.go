package invoicerelay

import (
	"context"
	"time"
)

const (
	MaxReceiveBatch          = 10
	DefaultMaxReceiveCount   = 3
	DefaultVisibilityTimeout = 30 * time.Second
	// MaxVisibilityTimeout is the longest a received message can stay hidden.
	MaxVisibilityTimeout = 12 * time.Hour
)

// TrackingStore persists one Record per Key.
//
// Create is put-if-absent and reports ErrAlreadyExists for a duplicate key.
// UpdateStatus is a compare-and-swap: it fails with ErrNotFound when the key
// is missing and with a *StatusConflictError when the stored status is not
// expected. Reschedule only applies to records that are still COPIED.
type TrackingStore interface {
	Create(ctx context.Context, record Record) error
	Get(ctx context.Context, key Key) (Record, error)
	UpdateStatus(ctx context.Context, key Key, expected, next Status) (Record, error)
	Reschedule(ctx context.Context, key Key, movingTime string) (Record, error)
	Delete(ctx context.Context, key Key) error
	Scan(ctx context.Context, filter ScanFilter) ([]Record, error)
	Close() error
}

// ObjectStore addresses objects by container and key. Deleting a key that is
// already absent succeeds.
type ObjectStore interface {
	Copy(ctx context.Context, container, sourceKey, destKey string) error
	Delete(ctx context.Context, container, key string) error
	GetContent(ctx context.Context, container, key string) (string, error)
	Exists(ctx context.Context, container, key string) (bool, error)
}

type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
	ReceiveCount  int
	SentAt        time.Time
}

// MessageQueue is an at-least-once channel. Received messages stay hidden for
// a visibility timeout and reappear with a higher ReceiveCount unless acked.
// ChangeVisibility hides a received message for timeout from now instead.
type MessageQueue interface {
	Send(ctx context.Context, channel, body string) (string, error)
	ReceiveBatch(ctx context.Context, channel string, max int) ([]Message, error)
	Ack(ctx context.Context, channel string, msg Message) error
	ChangeVisibility(ctx context.Context, channel string, msg Message, timeout time.Duration) error
	ConfigureDeadLetter(ctx context.Context, sourceChannel, deadLetterChannel string, maxReceiveCount int) error
	Close() error
}

func clampReceiveBatch(max int) int {
	if max <= 0 || max > MaxReceiveBatch {
		return MaxReceiveBatch
	}
	return max
}

func clampVisibility(timeout time.Duration) time.Duration {
	if timeout < 0 {
		return 0
	}
	if timeout > MaxVisibilityTimeout {
		return MaxVisibilityTimeout
	}
	return timeout
}

// checkTransition is shared by every backend's UpdateStatus.
func checkTransition(key Key, expected, next Status) error {
	if !expected.CanTransitionTo(next) {
		return validationError("update_status", key, "transition %s -> %s is not allowed", expected, next)
	}
	return nil
}
