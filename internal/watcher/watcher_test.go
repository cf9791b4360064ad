package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/invoicerelay/internal/invoicerelay"
)

type recordingIngester struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingIngester) Ingest(_ context.Context, bucket, rawKey string) (invoicerelay.IngestResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, bucket+"|"+rawKey)
	return invoicerelay.IngestResult{}, nil
}

func (r *recordingIngester) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func startWatcher(t *testing.T, root, sourceFolder string, ingester Ingester) {
	t.Helper()
	store, err := invoicerelay.NewFSObjectStore(root)
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	w, err := New(Options{
		Store:        store,
		SourceFolder: sourceFolder,
		Debounce:     50 * time.Millisecond,
		Ingester:     ingester,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() error = %v", err)
		}
	})
	// Give the watcher time to register the root.
	time.Sleep(100 * time.Millisecond)
}

func TestWatcherIngestsExistingAndNewFiles(t *testing.T) {
	root := t.TempDir()
	source := filepath.Join(root, "bucket-a", "incoming")
	if err := os.MkdirAll(source, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "early.xml"), []byte("<invoice/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	ingester := &recordingIngester{}
	startWatcher(t, root, "incoming", ingester)

	waitFor(t, 2*time.Second, func() bool { return len(ingester.Calls()) == 1 })

	if err := os.WriteFile(filepath.Join(source, "invoice 1.xml"), []byte("<invoice/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(ingester.Calls()) == 2 })

	calls := ingester.Calls()
	if calls[0] != "bucket-a|incoming/early.xml" {
		t.Fatalf("expected existing file first, got %q", calls[0])
	}
	if calls[1] != "bucket-a|incoming/invoice+1.xml" {
		t.Fatalf("expected url-encoded key, got %q", calls[1])
	}
}

func TestWatcherIgnoresOtherFoldersAndExtensions(t *testing.T) {
	root := t.TempDir()
	ingester := &recordingIngester{}
	startWatcher(t, root, "incoming", ingester)

	// Containers and source folders created after start are picked up.
	source := filepath.Join(root, "bucket-b", "incoming")
	if err := os.MkdirAll(filepath.Join(root, "bucket-b"), 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.MkdirAll(source, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.MkdirAll(filepath.Join(root, "bucket-b", "processed"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(source, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "bucket-b", "processed", "done.xml"), []byte("<invoice/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "late.xml"), []byte("<invoice/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(ingester.Calls()) >= 1 })
	time.Sleep(200 * time.Millisecond)
	calls := ingester.Calls()
	if len(calls) != 1 || calls[0] != "bucket-b|incoming/late.xml" {
		t.Fatalf("expected only incoming/late.xml, got %v", calls)
	}
}

func TestWatcherDebouncesRepeatedWrites(t *testing.T) {
	root := t.TempDir()
	source := filepath.Join(root, "bucket-a", "incoming")
	if err := os.MkdirAll(source, 0o755); err != nil {
		t.Fatal(err)
	}
	ingester := &recordingIngester{}
	startWatcher(t, root, "incoming", ingester)

	path := filepath.Join(source, "invoice123.xml")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("<invoice/>"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	waitFor(t, 2*time.Second, func() bool { return len(ingester.Calls()) == 1 })
	time.Sleep(200 * time.Millisecond)
	if got := len(ingester.Calls()); got != 1 {
		t.Fatalf("expected one ingestion, got %d", got)
	}
}

// blockingIngester holds its first call until release is closed.
type blockingIngester struct {
	recordingIngester
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingIngester) Ingest(ctx context.Context, bucket, rawKey string) (invoicerelay.IngestResult, error) {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.started)
		<-b.release
	}
	return b.recordingIngester.Ingest(ctx, bucket, rawKey)
}

func TestWatcherSkipsWritesDuringIngestion(t *testing.T) {
	root := t.TempDir()
	source := filepath.Join(root, "bucket-a", "incoming")
	if err := os.MkdirAll(source, 0o755); err != nil {
		t.Fatal(err)
	}
	ingester := &blockingIngester{started: make(chan struct{}), release: make(chan struct{})}
	startWatcher(t, root, "incoming", ingester)

	path := filepath.Join(source, "invoice123.xml")
	if err := os.WriteFile(path, []byte("<invoice/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ingester.started:
	case <-time.After(2 * time.Second):
		t.Fatal("ingestion did not start")
	}
	// Writes while the file is being ingested must not queue another run.
	if err := os.WriteFile(path, []byte("<invoice></invoice>"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	close(ingester.release)

	waitFor(t, 2*time.Second, func() bool { return len(ingester.Calls()) == 1 })
	time.Sleep(200 * time.Millisecond)
	if got := len(ingester.Calls()); got != 1 {
		t.Fatalf("expected one ingestion, got %d", got)
	}
}

func TestWatcherNestedSourceFolder(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "bucket-a", "in", "box"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "bucket-a", "in", "box", "early.xml"), []byte("<invoice/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "bucket-b"), 0o755); err != nil {
		t.Fatal(err)
	}
	ingester := &recordingIngester{}
	startWatcher(t, root, "/in/box/", ingester)
	waitFor(t, 2*time.Second, func() bool { return len(ingester.Calls()) == 1 })

	// Each level of the nested folder is created after start.
	if err := os.Mkdir(filepath.Join(root, "bucket-b", "in"), 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.Mkdir(filepath.Join(root, "bucket-b", "in", "box"), 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(root, "bucket-b", "in", "stray.xml"), []byte("<invoice/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "bucket-b", "in", "box", "late.xml"), []byte("<invoice/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(ingester.Calls()) >= 2 })
	time.Sleep(200 * time.Millisecond)
	calls := ingester.Calls()
	if len(calls) != 2 || calls[0] != "bucket-a|in/box/early.xml" || calls[1] != "bucket-b|in/box/late.xml" {
		t.Fatalf("expected only files directly inside in/box, got %v", calls)
	}
}

func TestWatcherFeedsIngestor(t *testing.T) {
	root := t.TempDir()
	store, err := invoicerelay.NewFSObjectStore(root)
	if err != nil {
		t.Fatal(err)
	}
	records := invoicerelay.NewInMemoryTrackingStore()
	ingestor, err := invoicerelay.NewIngestor(invoicerelay.IngestorOptions{
		Objects:      store,
		Records:      records,
		Queue:        invoicerelay.NewInMemoryQueue(invoicerelay.QueueOptions{}),
		MoveQueue:    "move-requests",
		SourceFolder: "incoming",
	})
	if err != nil {
		t.Fatal(err)
	}
	source := filepath.Join(root, "bucket-a", "incoming")
	if err := os.MkdirAll(source, 0o755); err != nil {
		t.Fatal(err)
	}
	startWatcher(t, root, "incoming", ingestor)

	content := "<invoice><date>2024/01/15</date><time>2024/01/15 10:00:00</time></invoice>"
	if err := os.WriteFile(filepath.Join(source, "invoice123.xml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	key := invoicerelay.Key{FileName: "invoice123.xml", Date: "2024/01/15"}
	waitFor(t, 2*time.Second, func() bool {
		_, err := records.Get(context.Background(), key)
		return err == nil
	})
}

func TestNewValidatesOptions(t *testing.T) {
	store, err := invoicerelay.NewFSObjectStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(Options{Store: store, Ingester: &recordingIngester{}}); err == nil {
		t.Fatalf("expected an error without a source folder")
	}
	if _, err := New(Options{SourceFolder: "incoming", Ingester: &recordingIngester{}}); err == nil {
		t.Fatalf("expected an error without a store")
	}
}
