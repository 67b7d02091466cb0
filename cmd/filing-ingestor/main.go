// Command filing-ingestor runs the full ingestion pipeline: pollers,
// the downloader, parser, and the summary/entity/diff worker pools,
// plus the Prometheus metrics endpoint.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/app"
)

func main() {
	configPath := os.Getenv("FILING_CONFIG")

	a, err := app.NewApp(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	a.Start()

	a.Logger.Info().Msg("filing-ingestor ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	a.Logger.Info().Msg("shutdown signal received")
	a.Stop()
	a.Close()
	a.Logger.Info().Msg("filing-ingestor stopped")
}
