package invoicerelay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeModify ChangeType = "MODIFY"
	ChangeRemove ChangeType = "REMOVE"
)

// ChangeEvent describes one committed write to the tracking table.
type ChangeEvent struct {
	Type     ChangeType `json:"eventName"`
	Key      Key        `json:"key"`
	OldImage *Record    `json:"oldImage,omitempty"`
	NewImage *Record    `json:"newImage,omitempty"`
	Sequence uint64     `json:"sequenceNumber"`
	At       time.Time  `json:"approximateCreationTime"`
}

// ChangeFeed fans change events out to subscribers. Delivery is best effort:
// a subscriber whose buffer is full misses the event and the catch-up scan
// picks up anything it would have triggered.
type ChangeFeed struct {
	mu      sync.RWMutex
	subs    map[uint64]chan ChangeEvent
	nextSub uint64
	seq     atomic.Uint64
	dropped atomic.Uint64
	buffer  int
}

func NewChangeFeed(buffer int) *ChangeFeed {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChangeFeed{subs: map[uint64]chan ChangeEvent{}, buffer: buffer}
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (f *ChangeFeed) Subscribe() (<-chan ChangeEvent, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	ch := make(chan ChangeEvent, f.buffer)
	f.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs, id)
			close(ch)
		})
	}
}

func (f *ChangeFeed) Publish(evt ChangeEvent) ChangeEvent {
	evt.Sequence = f.seq.Add(1)
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
			f.dropped.Add(1)
		}
	}
	return evt
}

func (f *ChangeFeed) Dropped() uint64 {
	return f.dropped.Load()
}

// NotifyingTrackingStore publishes a ChangeEvent after every successful write
// to the wrapped store.
type NotifyingTrackingStore struct {
	TrackingStore
	feed *ChangeFeed
}

func NewNotifyingTrackingStore(store TrackingStore, feed *ChangeFeed) *NotifyingTrackingStore {
	return &NotifyingTrackingStore{TrackingStore: store, feed: feed}
}

func (s *NotifyingTrackingStore) Create(ctx context.Context, record Record) error {
	if err := s.TrackingStore.Create(ctx, record); err != nil {
		return err
	}
	created := record
	s.feed.Publish(ChangeEvent{Type: ChangeInsert, Key: record.Key(), NewImage: &created})
	return nil
}

func (s *NotifyingTrackingStore) UpdateStatus(ctx context.Context, key Key, expected, next Status) (Record, error) {
	updated, err := s.TrackingStore.UpdateStatus(ctx, key, expected, next)
	if err != nil {
		return Record{}, err
	}
	old := updated
	old.Status = expected
	newImage := updated
	s.feed.Publish(ChangeEvent{Type: ChangeModify, Key: key, OldImage: &old, NewImage: &newImage})
	return updated, nil
}

func (s *NotifyingTrackingStore) Reschedule(ctx context.Context, key Key, movingTime string) (Record, error) {
	var old *Record
	if before, err := s.TrackingStore.Get(ctx, key); err == nil {
		old = &before
	}
	updated, err := s.TrackingStore.Reschedule(ctx, key, movingTime)
	if err != nil {
		return Record{}, err
	}
	newImage := updated
	s.feed.Publish(ChangeEvent{Type: ChangeModify, Key: key, OldImage: old, NewImage: &newImage})
	return updated, nil
}

func (s *NotifyingTrackingStore) Delete(ctx context.Context, key Key) error {
	before, getErr := s.TrackingStore.Get(ctx, key)
	if getErr != nil && !errors.Is(getErr, ErrNotFound) {
		return getErr
	}
	if err := s.TrackingStore.Delete(ctx, key); err != nil {
		return err
	}
	evt := ChangeEvent{Type: ChangeRemove, Key: key}
	if getErr == nil {
		evt.OldImage = &before
	}
	s.feed.Publish(evt)
	return nil
}
