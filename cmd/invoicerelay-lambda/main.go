package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/agentworkforce/invoicerelay/internal/app"
	"github.com/agentworkforce/invoicerelay/internal/config"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "invoicerelay-lambda:", err)
		os.Exit(1)
	}
}

// run reads INVOICERELAY_HANDLER (ingest, move, stream or scan) and hands the
// matching function to the Lambda runtime. INVOICERELAY_CONFIG optionally
// names a YAML file bundled with the function.
func run() error {
	cfg, err := config.Load(os.Getenv("INVOICERELAY_CONFIG"))
	if err != nil {
		return err
	}
	// Table changes arrive from the DynamoDB stream, not an in-process feed.
	a, err := app.New(context.Background(), cfg, app.Options{Version: version, WithoutFeed: true})
	if err != nil {
		return err
	}
	defer a.Close()

	h := newHandlers(a.Ingestor, a.Orchestrator, a.Reconciler, a.Logger)
	switch name := strings.ToLower(strings.TrimSpace(os.Getenv("INVOICERELAY_HANDLER"))); name {
	case "ingest":
		lambda.Start(h.ingest)
	case "move":
		lambda.Start(h.move)
	case "stream":
		lambda.Start(h.stream)
	case "scan":
		lambda.Start(h.scan)
	default:
		return fmt.Errorf("INVOICERELAY_HANDLER must be ingest, move, stream or scan, got %q", name)
	}
	return nil
}
