// Package watcher turns files dropped into a filesystem object store into
// object notifications for the ingestor.
package watcher

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentworkforce/invoicerelay/internal/invoicerelay"
)

// Ingester is satisfied by *invoicerelay.Ingestor.
type Ingester interface {
	Ingest(ctx context.Context, bucket, rawKey string) (invoicerelay.IngestResult, error)
}

type Options struct {
	Store        *invoicerelay.FSObjectStore
	SourceFolder string
	// Debounce is how long a file must stay quiet before it is ingested.
	Debounce time.Duration
	Ingester Ingester
	Logger   *zap.Logger
}

// Watcher observes <root>/<container>/<source folder> for every container
// below the store root, including containers created while it runs.
type Watcher struct {
	store        *invoicerelay.FSObjectStore
	sourceFolder string
	debounce     time.Duration
	ingester     Ingester
	logger       *zap.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*pendingFile
	wg      sync.WaitGroup
}

type pendingFile struct {
	timer *time.Timer
	// firing is set once the timer callback runs; later events for the
	// same path are covered by that ingestion.
	firing bool
}

func New(opts Options) (*Watcher, error) {
	if opts.Store == nil || opts.Ingester == nil {
		return nil, invoicerelay.ErrInvalidInput
	}
	sourceFolder := strings.Trim(opts.SourceFolder, "/")
	if sourceFolder == "" {
		return nil, invoicerelay.ErrInvalidInput
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		store:        opts.Store,
		sourceFolder: sourceFolder,
		debounce:     opts.Debounce,
		ingester:     opts.Ingester,
		logger:       opts.Logger,
		fsw:          fsw,
		pending:      map[string]*pendingFile{},
	}, nil
}

// Run watches until ctx is done. Files already present in a source folder
// when Run starts are ingested once.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()
	root := w.store.Root()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	if err := w.fsw.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.watchContainer(ctx, filepath.Join(root, entry.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if filepath.Dir(event.Name) == w.store.Root() {
			w.watchContainer(ctx, event.Name)
			return
		}
		if _, rel, ok := w.store.Locate(event.Name); ok {
			w.descend(ctx, event.Name, filepath.ToSlash(rel))
		}
		return
	}
	w.schedule(ctx, event.Name)
}

func (w *Watcher) watchContainer(ctx context.Context, dir string) {
	if err := w.fsw.Add(dir); err != nil {
		w.logger.Warn("watch container failed", zap.String("path", dir), zap.Error(err))
		return
	}
	w.descendFrom(ctx, dir, "")
}

// descend watches dir, found at rel inside its container, when rel lies on
// the way to the source folder. Intermediate directories of a nested source
// folder are watched so its creation is seen.
func (w *Watcher) descend(ctx context.Context, dir, rel string) {
	switch {
	case rel == w.sourceFolder:
		w.watchSource(ctx, dir)
	case strings.HasPrefix(w.sourceFolder, rel+"/"):
		if err := w.fsw.Add(dir); err != nil {
			w.logger.Warn("watch folder failed", zap.String("path", dir), zap.Error(err))
			return
		}
		w.descendFrom(ctx, dir, rel)
	}
}

// descendFrom continues toward the source folder from dir if the next
// directory on the way already exists.
func (w *Watcher) descendFrom(ctx context.Context, dir, rel string) {
	remaining := strings.TrimPrefix(strings.TrimPrefix(w.sourceFolder, rel), "/")
	next, _, _ := strings.Cut(remaining, "/")
	child := filepath.Join(dir, filepath.FromSlash(next))
	if info, err := os.Stat(child); err == nil && info.IsDir() {
		if rel != "" {
			next = rel + "/" + next
		}
		w.descend(ctx, child, next)
	}
}

func (w *Watcher) watchSource(ctx context.Context, dir string) {
	if err := w.fsw.Add(dir); err != nil {
		w.logger.Warn("watch source folder failed", zap.String("path", dir), zap.Error(err))
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.schedule(ctx, filepath.Join(dir, entry.Name()))
		}
	}
}

// schedule debounces ingestion of path; each new event restarts its timer.
func (w *Watcher) schedule(ctx context.Context, path string) {
	container, key, ok := w.store.Locate(path)
	if !ok || !strings.HasSuffix(key, invoicerelay.AcceptedExtension) {
		return
	}
	name, ok := strings.CutPrefix(key, w.sourceFolder+"/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if p, exists := w.pending[path]; exists {
		// A stopped timer had not fired yet; one that already fired is
		// about to ingest or ingesting now.
		if !p.firing && p.timer.Stop() {
			p.timer.Reset(w.debounce)
		}
		return
	}
	p := &pendingFile{}
	w.wg.Add(1)
	p.timer = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		p.firing = true
		w.mu.Unlock()
		w.ingest(ctx, container, key)
		w.mu.Lock()
		if w.pending[path] == p {
			delete(w.pending, path)
		}
		w.mu.Unlock()
	})
	w.pending[path] = p
}

func (w *Watcher) ingest(ctx context.Context, container, key string) {
	if ctx.Err() != nil {
		return
	}
	// Notification keys arrive URL-encoded; encode the same way so names
	// containing spaces or '+' decode back to the file on disk.
	result, err := w.ingester.Ingest(ctx, container, encodeKey(key))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Warn("ingest dropped file failed",
				zap.String("bucket", container),
				zap.String("object_key", key),
				zap.Error(err),
			)
		}
		return
	}
	w.logger.Debug("dropped file ingested",
		zap.String("file_name", result.Record.FileName),
		zap.String("date", result.Record.Date),
		zap.Bool("existing", result.Existing),
	)
}

func encodeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.QueryEscape(segment)
	}
	return strings.Join(segments, "/")
}

func (w *Watcher) stop() {
	_ = w.fsw.Close()
	w.mu.Lock()
	for path, p := range w.pending {
		if p.timer.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
