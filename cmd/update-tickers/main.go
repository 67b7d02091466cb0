// Command update-tickers backfills the trading ticker for issuers that
// don't have one on file, by looking each up through the feed client's
// per-issuer submissions endpoint. Read-modify-write on Issuer only.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/app"
)

func main() {
	var limit = flag.Int("limit", 50, "maximum number of issuers to process in one run")
	flag.Parse()

	a, err := app.NewApp(os.Getenv("FILING_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx := context.Background()

	issuers, err := a.Datastore.Issuers().ListMissingTicker(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list issuers missing ticker: %v\n", err)
		os.Exit(1)
	}
	if len(issuers) > *limit {
		issuers = issuers[:*limit]
	}

	fmt.Printf("found %d issuer(s) missing a ticker\n", len(issuers))

	updated := 0
	for _, issuer := range issuers {
		ticker, err := a.Feed.LookupTicker(ctx, issuer.CIK)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  %s (%s): lookup failed: %v\n", issuer.Name, issuer.CIK, err)
			continue
		}
		if ticker == "" {
			fmt.Printf("  %s (%s): no ticker on file, skipping\n", issuer.Name, issuer.CIK)
			continue
		}

		issuer.Ticker = ticker
		if err := a.Datastore.Issuers().Upsert(ctx, issuer); err != nil {
			fmt.Fprintf(os.Stderr, "  %s (%s): failed to save ticker %s: %v\n", issuer.Name, issuer.CIK, ticker, err)
			continue
		}
		fmt.Printf("  %s (%s): ticker -> %s\n", issuer.Name, issuer.CIK, ticker)
		updated++
	}

	fmt.Printf("updated %d of %d issuer(s)\n", updated, len(issuers))
}
