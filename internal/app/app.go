// Package app assembles the invoicerelay pipeline from a loaded Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/agentworkforce/invoicerelay/internal/awsbackend"
	"github.com/agentworkforce/invoicerelay/internal/config"
	"github.com/agentworkforce/invoicerelay/internal/invoicerelay"
	"github.com/agentworkforce/invoicerelay/internal/logging"
	"github.com/agentworkforce/invoicerelay/internal/observability"
	"github.com/agentworkforce/invoicerelay/internal/watcher"
)

type Options struct {
	// Version is reported as the tracing service.version.
	Version string
	// WithoutFeed skips the in-process change feed. Processes that receive
	// changes from a table stream set it.
	WithoutFeed bool
}

// App holds the pipeline assembled from one Config.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	tracer *observability.TracerProvider

	Registry *prometheus.Registry
	metrics  *invoicerelay.Metrics

	Records invoicerelay.TrackingStore
	Queue   invoicerelay.MessageQueue
	Objects invoicerelay.ObjectStore
	// Feed is nil when Options.WithoutFeed is set.
	Feed *invoicerelay.ChangeFeed

	Ingestor     *invoicerelay.Ingestor
	Orchestrator *invoicerelay.Orchestrator
	Reconciler   *invoicerelay.Reconciler
}

func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return nil, err
	}
	tracer, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Version:     opts.Version,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, tracer: tracer}
	if err := a.buildBackends(opts); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildPipeline(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildBackends(opts Options) error {
	awsbackend.Register()

	records, err := invoicerelay.BuildTrackingStoreFromDSN(a.Config.Backends.Tracking)
	if err != nil {
		return fmt.Errorf("tracking store: %w", err)
	}
	a.Records = records
	if !opts.WithoutFeed {
		a.Feed = invoicerelay.NewChangeFeed(256)
		a.Records = invoicerelay.NewNotifyingTrackingStore(records, a.Feed)
	}

	a.Queue, err = invoicerelay.BuildMessageQueueFromDSN(a.Config.Backends.Queue, invoicerelay.QueueOptions{
		VisibilityTimeout: a.Config.Queue.VisibilityTimeout,
	})
	if err != nil {
		return fmt.Errorf("message queue: %w", err)
	}
	a.Objects, err = invoicerelay.BuildObjectStoreFromDSN(a.Config.Backends.Objects)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	return nil
}

func (a *App) buildPipeline() error {
	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = invoicerelay.NewMetrics(a.Registry)

	marker, err := invoicerelay.ParseStatus(a.Config.Relocation.InTransitMarker)
	if err != nil {
		return fmt.Errorf("relocation.in_transit_marker: %w", err)
	}
	loc := a.Config.Location()

	a.Ingestor, err = invoicerelay.NewIngestor(invoicerelay.IngestorOptions{
		Objects:      a.Objects,
		Records:      a.Records,
		Queue:        a.Queue,
		MoveQueue:    a.Config.Queue.MoveQueue,
		SourceFolder: a.Config.Relocation.SourceFolder,
		MoveDelay:    a.Config.Relocation.MoveDelay,
		Location:     loc,
		Logger:       a.Logger.Named("ingestor"),
		Metrics:      a.metrics,
	})
	if err != nil {
		return fmt.Errorf("ingestor: %w", err)
	}
	a.Orchestrator, err = invoicerelay.NewOrchestrator(invoicerelay.OrchestratorOptions{
		Objects:           a.Objects,
		Records:           a.Records,
		Queue:             a.Queue,
		MoveQueue:         a.Config.Queue.MoveQueue,
		SourceFolder:      a.Config.Relocation.SourceFolder,
		DestinationFolder: a.Config.Relocation.DestinationFolder,
		InTransitMarker:   marker,
		MoveUnscheduled:   a.Config.Scan.MoveUnscheduled,
		Location:          loc,
		Logger:            a.Logger.Named("orchestrator"),
		Metrics:           a.metrics,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	a.Reconciler, err = invoicerelay.NewReconciler(invoicerelay.ReconcilerOptions{
		Records:      a.Records,
		Orchestrator: a.Orchestrator,
		Concurrency:  a.Config.Scan.Concurrency,
		Limit:        a.Config.Scan.Limit,
		Logger:       a.Logger.Named("reconciler"),
		Metrics:      a.metrics,
	})
	if err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}
	return nil
}

// NewWatcher returns nil when the watcher is disabled. The watched root is
// watcher.root when set, otherwise the fs:// object store root.
func (a *App) NewWatcher() (*watcher.Watcher, error) {
	if !a.Config.Watcher.Enabled {
		return nil, nil
	}
	var store *invoicerelay.FSObjectStore
	if a.Config.Watcher.Root != "" {
		fs, err := invoicerelay.NewFSObjectStore(a.Config.Watcher.Root)
		if err != nil {
			return nil, err
		}
		store = fs
	} else if fs, ok := a.Objects.(*invoicerelay.FSObjectStore); ok {
		store = fs
	} else {
		return nil, errors.New("watcher needs watcher.root or an fs:// object store")
	}
	return watcher.New(watcher.Options{
		Store:        store,
		SourceFolder: a.Config.Relocation.SourceFolder,
		Debounce:     a.Config.Watcher.Debounce,
		Ingester:     a.Ingestor,
		Logger:       a.Logger.Named("watcher"),
	})
}

// Close flushes traces and releases backend connections.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.Logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			a.Logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.Records != nil {
		if err := a.Records.Close(); err != nil {
			a.Logger.Warn("tracking store close failed", zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
}

// ConfigureDeadLetter attaches queue.dead_letter_queue to the move queue.
func (a *App) ConfigureDeadLetter(ctx context.Context) error {
	if a.Config.Queue.DeadLetterQueue == "" {
		return fmt.Errorf("%w: queue.dead_letter_queue is not set", invoicerelay.ErrInvalidInput)
	}
	return a.Queue.ConfigureDeadLetter(ctx, a.Config.Queue.MoveQueue, a.Config.Queue.DeadLetterQueue, a.Config.Queue.MaxReceiveCount)
}
