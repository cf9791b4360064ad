package invoicerelay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

const (
	testBucket      = "bucket-a"
	testSource      = "incoming"
	testDestination = "processed"
	testMoveQueue   = "move-requests"
)

func invoiceXML(date, declared string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<invoice>
  <number>INV-123</number>
  <date>%s</date>
  <time>%s</time>
  <amount currency="EUR">120.00</amount>
</invoice>`, date, declared)
}

type fixture struct {
	objects  *recordingObjects
	store    *InMemoryObjectStore
	records  *InMemoryTrackingStore
	queue    *InMemoryQueue
	ingestor *Ingestor
	orch     *Orchestrator
	clock    *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	clock := &testClock{now: now}
	store := NewInMemoryObjectStore()
	objects := &recordingObjects{ObjectStore: store}
	records := NewInMemoryTrackingStore()
	queue := NewInMemoryQueue(QueueOptions{VisibilityTimeout: time.Minute, Now: clock.Now})

	ingestor, err := NewIngestor(IngestorOptions{
		Objects:      objects,
		Records:      records,
		Queue:        queue,
		MoveQueue:    testMoveQueue,
		SourceFolder: testSource,
	})
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	orch, err := NewOrchestrator(OrchestratorOptions{
		Objects:           objects,
		Records:           records,
		Queue:             queue,
		MoveQueue:         testMoveQueue,
		SourceFolder:      testSource,
		DestinationFolder: testDestination,
		Now:               clock.Now,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &fixture{
		objects:  objects,
		store:    store,
		records:  records,
		queue:    queue,
		ingestor: ingestor,
		orch:     orch,
		clock:    clock,
	}
}

func (f *fixture) upload(fileName, date, declared string) {
	f.store.Put(testBucket, ObjectKey(testSource, fileName), invoiceXML(date, declared))
}

func (f *fixture) receiveOne(t *testing.T) Message {
	t.Helper()
	msgs, err := f.queue.ReceiveBatch(context.Background(), testMoveQueue, 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	return msgs[0]
}

// recordingObjects counts calls and injects failures into an ObjectStore.
type recordingObjects struct {
	ObjectStore

	mu        sync.Mutex
	calls     []string
	copyErr   error
	deleteErr error
}

func (r *recordingObjects) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingObjects) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingObjects) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func (r *recordingObjects) Copy(ctx context.Context, container, sourceKey, destKey string) error {
	r.record("copy " + sourceKey + " " + destKey)
	r.mu.Lock()
	err := r.copyErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.ObjectStore.Copy(ctx, container, sourceKey, destKey)
}

func (r *recordingObjects) Delete(ctx context.Context, container, key string) error {
	r.record("delete " + key)
	r.mu.Lock()
	err := r.deleteErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.ObjectStore.Delete(ctx, container, key)
}

func (r *recordingObjects) GetContent(ctx context.Context, container, key string) (string, error) {
	r.record("get " + key)
	return r.ObjectStore.GetContent(ctx, container, key)
}

func (r *recordingObjects) Exists(ctx context.Context, container, key string) (bool, error) {
	r.record("exists " + key)
	return r.ObjectStore.Exists(ctx, container, key)
}

// failingRecords wraps a TrackingStore and fails selected operations.
type failingRecords struct {
	TrackingStore
	createErr error
	updateErr error
	scanErr   error
}

func (f *failingRecords) Create(ctx context.Context, record Record) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.TrackingStore.Create(ctx, record)
}

func (f *failingRecords) UpdateStatus(ctx context.Context, key Key, expected, next Status) (Record, error) {
	if f.updateErr != nil {
		return Record{}, f.updateErr
	}
	return f.TrackingStore.UpdateStatus(ctx, key, expected, next)
}

func (f *failingRecords) Scan(ctx context.Context, filter ScanFilter) ([]Record, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	return f.TrackingStore.Scan(ctx, filter)
}

// failingQueue fails Send, for the record-created-but-not-enqueued window.
type failingQueue struct {
	MessageQueue
	sendErr error
}

func (f *failingQueue) Send(ctx context.Context, channel, body string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return f.MessageQueue.Send(ctx, channel, body)
}
