package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/invoicerelay/internal/app"
	"github.com/agentworkforce/invoicerelay/internal/config"
	"github.com/agentworkforce/invoicerelay/internal/httpapi"
	"github.com/agentworkforce/invoicerelay/internal/invoicerelay"
	"github.com/agentworkforce/invoicerelay/internal/worker"
)

var version = "dev"

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "invoicerelay",
		Short:         "Relocate uploaded invoice files once their moving time is reached",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		newServeCommand(opts),
		newWorkerCommand(opts),
		newScanCommand(opts),
		newIngestCommand(opts),
		newRecordCommand(opts),
		newQueueCommand(opts),
	)
	return root
}

// withApp loads config, assembles the pipeline and closes it after fn.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, app.Options{Version: version})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var apiOnly bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with the background workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				g, ctx := errgroup.WithContext(ctx)
				if err := startHTTP(ctx, a, g); err != nil {
					return err
				}
				if !apiOnly {
					if err := startWorkers(ctx, a, g); err != nil {
						return err
					}
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().BoolVar(&apiOnly, "api-only", false, "serve the HTTP API without the queue poller, dispatcher, scheduler and watcher")
	return cmd
}

func newWorkerCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the queue poller, change dispatcher, scan scheduler and upload watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				g, ctx := errgroup.WithContext(ctx)
				if err := startWorkers(ctx, a, g); err != nil {
					return err
				}
				return g.Wait()
			})
		},
	}
}

func newScanCommand(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one catch-up scan over COPIED records that are due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				if dryRun {
					due, err := a.Reconciler.Due(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), due)
				}
				report, err := a.Reconciler.CatchUp(ctx)
				if printErr := printJSON(cmd.OutOrStdout(), report); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the due records without moving them")
	return cmd
}

func newIngestCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <bucket> <key>...",
		Short: "Ingest uploaded objects as if a storage notification had arrived",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				notification := invoicerelay.NewObjectNotification(args[0], args[1:]...)
				results, err := a.Ingestor.HandleNotification(ctx, &notification)
				if printErr := printJSON(cmd.OutOrStdout(), results); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
}

func newRecordCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Inspect and repair tracking records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <fileName> <date>",
		Short: "Print one tracking record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				record, err := a.Records.Get(ctx, invoicerelay.Key{FileName: args[0], Date: args[1]})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), record)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <fileName> <date>",
		Short: "Delete one tracking record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				return a.Records.Delete(ctx, invoicerelay.Key{FileName: args[0], Date: args[1]})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reschedule <fileName> <date> <movingTime>",
		Short: `Set a new movingTime ("2006/01/02 15:04:05") on a COPIED record`,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				record, err := a.Records.Reschedule(ctx, invoicerelay.Key{FileName: args[0], Date: args[1]}, args[2])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), record)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "move <fileName> <date>",
		Short: "Attempt the move of one record now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				result, err := a.Orchestrator.AttemptMove(ctx, invoicerelay.Key{FileName: args[0], Date: args[1]})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	})
	return cmd
}

func newQueueCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the move request queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "configure-dlq",
		Short: "Attach the dead-letter queue to the move queue with the configured receive count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				if err := a.ConfigureDeadLetter(ctx); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s after %d receives\n",
					a.Config.Queue.MoveQueue, a.Config.Queue.DeadLetterQueue, a.Config.Queue.MaxReceiveCount)
				return err
			})
		},
	})
	return cmd
}

func startHTTP(ctx context.Context, a *app.App, g *errgroup.Group) error {
	handler, err := httpapi.NewServer(httpapi.Dependencies{
		Ingestor:     a.Ingestor,
		Orchestrator: a.Orchestrator,
		Reconciler:   a.Reconciler,
		Records:      a.Records,
		Feed:         a.Feed,
		Gatherer:     a.Registry,
		Logger:       a.Logger.Named("http"),
	}, httpapi.ServerConfig{
		JWTSecret:       a.Config.HTTP.JWTSecret,
		WebhookSecret:   a.Config.HTTP.WebhookSecret,
		RateLimitMax:    a.Config.HTTP.RateLimitMax,
		RateLimitWindow: a.Config.HTTP.RateLimitWindow,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.Logger.Info("invoicerelay listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

func startWorkers(ctx context.Context, a *app.App, g *errgroup.Group) error {
	if a.Config.Queue.DeadLetterQueue != "" {
		if err := a.ConfigureDeadLetter(ctx); err != nil {
			a.Logger.Warn("dead-letter redrive not configured", zap.Error(err))
		}
	}

	poller, err := worker.NewPoller(worker.PollerOptions{
		Queue:       a.Queue,
		Channel:     a.Config.Queue.MoveQueue,
		Handler:     a.Orchestrator,
		Interval:    a.Config.Worker.PollInterval,
		Jitter:      a.Config.Worker.PollJitter,
		Concurrency: a.Config.Worker.Concurrency,
		Logger:      a.Logger.Named("poller"),
	})
	if err != nil {
		return err
	}
	dispatcher, err := worker.NewDispatcher(a.Feed, a.Orchestrator, a.Logger.Named("dispatcher"))
	if err != nil {
		return err
	}
	scheduler, err := worker.NewScheduler(a.Config.Scan.Schedule, a.Reconciler, a.Logger.Named("scheduler"))
	if err != nil {
		return err
	}
	w, err := a.NewWatcher()
	if err != nil {
		return err
	}

	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	if w != nil {
		g.Go(func() error { return w.Run(ctx) })
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
