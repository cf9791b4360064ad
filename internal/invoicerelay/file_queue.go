package invoicerelay

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"
)

// FileQueue persists every channel in one JSON file. Like the file tracking
// store it reloads under a lock on each call so processes can share it.
type FileQueue struct {
	path string
	opts QueueOptions
	mu   sync.Mutex
}

func NewFileQueue(path string, opts QueueOptions) (*FileQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	q := &FileQueue{path: path, opts: opts.withDefaults()}
	if _, err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *FileQueue) Send(_ context.Context, channel, body string) (string, error) {
	var id string
	err := q.mutate(func(state *queueState) error {
		var err error
		id, err = state.send(channel, body, q.opts.Now())
		return err
	})
	return id, err
}

func (q *FileQueue) ReceiveBatch(ctx context.Context, channel string, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Message
	err := q.mutate(func(state *queueState) error {
		var err error
		out, err = state.receive(channel, max, q.opts.Now(), q.opts.VisibilityTimeout)
		return err
	})
	return out, err
}

func (q *FileQueue) Ack(_ context.Context, channel string, msg Message) error {
	return q.mutate(func(state *queueState) error {
		return state.ack(channel, msg)
	})
}

func (q *FileQueue) ChangeVisibility(_ context.Context, channel string, msg Message, timeout time.Duration) error {
	return q.mutate(func(state *queueState) error {
		return state.changeVisibility(channel, msg, q.opts.Now().Add(clampVisibility(timeout)))
	})
}

func (q *FileQueue) ConfigureDeadLetter(_ context.Context, source, deadLetter string, maxReceiveCount int) error {
	return q.mutate(func(state *queueState) error {
		return state.configureDeadLetter(source, deadLetter, maxReceiveCount)
	})
}

func (q *FileQueue) Depth(channel string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, err := q.load()
	if err != nil {
		return 0
	}
	return state.depth(channel)
}

func (q *FileQueue) Close() error {
	return nil
}

func (q *FileQueue) mutate(fn func(*queueState) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	unlock, err := lockPath(q.path)
	if err != nil {
		return err
	}
	defer unlock()
	state, err := q.load()
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return writeFileAtomic(q.path, data)
}

func (q *FileQueue) load() (*queueState, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newQueueState(), nil
		}
		return nil, err
	}
	state := newQueueState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	return state, nil
}
