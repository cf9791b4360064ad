package invoicerelay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// queueState implements visibility timeouts, receive counting and
// dead-letter redirects for the in-process and file-backed queues.
type queueState struct {
	Channels map[string]*queueChannel `json:"channels"`
}

type queueChannel struct {
	Messages        []*queuedMessage `json:"messages"`
	DeadLetter      string           `json:"deadLetter,omitempty"`
	MaxReceiveCount int              `json:"maxReceiveCount,omitempty"`
}

type queuedMessage struct {
	ID            string    `json:"id"`
	Body          string    `json:"body"`
	ReceiptHandle string    `json:"receiptHandle,omitempty"`
	ReceiveCount  int       `json:"receiveCount"`
	SentAt        time.Time `json:"sentAt"`
	VisibleAt     time.Time `json:"visibleAt"`
}

func newQueueState() *queueState {
	return &queueState{Channels: map[string]*queueChannel{}}
}

func (s *queueState) channel(name string) *queueChannel {
	if s.Channels == nil {
		s.Channels = map[string]*queueChannel{}
	}
	ch, ok := s.Channels[name]
	if !ok {
		ch = &queueChannel{}
		s.Channels[name] = ch
	}
	return ch
}

func (s *queueState) send(channel, body string, now time.Time) (string, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" || body == "" {
		return "", ErrInvalidInput
	}
	msg := &queuedMessage{
		ID:        uuid.NewString(),
		Body:      body,
		SentAt:    now,
		VisibleAt: now,
	}
	ch := s.channel(channel)
	ch.Messages = append(ch.Messages, msg)
	return msg.ID, nil
}

func (s *queueState) receive(channel string, max int, now time.Time, visibility time.Duration) ([]Message, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, ErrInvalidInput
	}
	max = clampReceiveBatch(max)
	ch := s.channel(channel)
	out := make([]Message, 0, max)
	kept := ch.Messages[:0]
	var redirected []*queuedMessage
	for _, msg := range ch.Messages {
		if len(out) >= max || msg.VisibleAt.After(now) {
			kept = append(kept, msg)
			continue
		}
		if ch.DeadLetter != "" && ch.MaxReceiveCount > 0 && msg.ReceiveCount >= ch.MaxReceiveCount {
			redirected = append(redirected, msg)
			continue
		}
		msg.ReceiveCount++
		msg.ReceiptHandle = uuid.NewString()
		msg.VisibleAt = now.Add(visibility)
		out = append(out, Message{
			ID:            msg.ID,
			ReceiptHandle: msg.ReceiptHandle,
			Body:          msg.Body,
			ReceiveCount:  msg.ReceiveCount,
			SentAt:        msg.SentAt,
		})
		kept = append(kept, msg)
	}
	ch.Messages = kept
	if len(redirected) > 0 {
		dlq := s.channel(ch.DeadLetter)
		for _, msg := range redirected {
			msg.ReceiveCount = 0
			msg.ReceiptHandle = ""
			msg.VisibleAt = now
			dlq.Messages = append(dlq.Messages, msg)
		}
	}
	return out, nil
}

func (s *queueState) ack(channel string, msg Message) error {
	channel = strings.TrimSpace(channel)
	if channel == "" || msg.ReceiptHandle == "" {
		return ErrInvalidInput
	}
	ch := s.channel(channel)
	for i, queued := range ch.Messages {
		if queued.ReceiptHandle == msg.ReceiptHandle {
			ch.Messages = append(ch.Messages[:i], ch.Messages[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *queueState) changeVisibility(channel string, msg Message, visibleAt time.Time) error {
	channel = strings.TrimSpace(channel)
	if channel == "" || msg.ReceiptHandle == "" {
		return ErrInvalidInput
	}
	for _, queued := range s.channel(channel).Messages {
		if queued.ReceiptHandle == msg.ReceiptHandle {
			queued.VisibleAt = visibleAt
			return nil
		}
	}
	return ErrNotFound
}

func (s *queueState) configureDeadLetter(source, deadLetter string, maxReceiveCount int) error {
	source = strings.TrimSpace(source)
	deadLetter = strings.TrimSpace(deadLetter)
	if source == "" || deadLetter == "" || source == deadLetter {
		return ErrInvalidInput
	}
	if maxReceiveCount <= 0 {
		maxReceiveCount = DefaultMaxReceiveCount
	}
	ch := s.channel(source)
	ch.DeadLetter = deadLetter
	ch.MaxReceiveCount = maxReceiveCount
	s.channel(deadLetter)
	return nil
}

func (s *queueState) depth(channel string) int {
	ch, ok := s.Channels[strings.TrimSpace(channel)]
	if !ok {
		return 0
	}
	return len(ch.Messages)
}

// QueueOptions tune the built-in queues.
type QueueOptions struct {
	VisibilityTimeout time.Duration
	Now               func() time.Time
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type InMemoryQueue struct {
	mu    sync.Mutex
	state *queueState
	opts  QueueOptions
}

func NewInMemoryQueue(opts QueueOptions) *InMemoryQueue {
	return &InMemoryQueue{state: newQueueState(), opts: opts.withDefaults()}
}

func (q *InMemoryQueue) Send(_ context.Context, channel, body string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.send(channel, body, q.opts.Now())
}

func (q *InMemoryQueue) ReceiveBatch(ctx context.Context, channel string, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.receive(channel, max, q.opts.Now(), q.opts.VisibilityTimeout)
}

func (q *InMemoryQueue) Ack(_ context.Context, channel string, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.ack(channel, msg)
}

func (q *InMemoryQueue) ChangeVisibility(_ context.Context, channel string, msg Message, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.changeVisibility(channel, msg, q.opts.Now().Add(clampVisibility(timeout)))
}

func (q *InMemoryQueue) ConfigureDeadLetter(_ context.Context, source, deadLetter string, maxReceiveCount int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.configureDeadLetter(source, deadLetter, maxReceiveCount)
}

// Depth counts visible and in-flight messages on channel.
func (q *InMemoryQueue) Depth(channel string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.depth(channel)
}

func (q *InMemoryQueue) Close() error {
	return nil
}
