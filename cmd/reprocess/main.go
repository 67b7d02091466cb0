// Command reprocess re-enqueues a parse task for filings matching a
// status/form-type filter, or for a single accession number. It is a
// pure producer into the existing parse queue and carries none of the
// pipeline's own concurrency or backpressure.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/app"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

func main() {
	var (
		accession = flag.String("accession", "", "reprocess a single filing by accession number")
		status    = flag.String("status", "", "filter by filing status (PENDING, DOWNLOADED, PARSED, ANALYZED, FAILED)")
		formType  = flag.String("form", "", "filter by form type (e.g. 10-K, 10-Q, 4)")
		dryRun    = flag.Bool("dry-run", false, "list matching filings without enqueueing")
	)
	flag.Parse()

	a, err := app.NewApp(os.Getenv("FILING_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx := context.Background()

	var filings []*models.Filing
	if *accession != "" {
		f, err := a.Datastore.Filings().GetByAccession(ctx, *accession)
		if err != nil {
			fmt.Fprintf(os.Stderr, "filing %s not found: %v\n", *accession, err)
			os.Exit(1)
		}
		filings = []*models.Filing{f}
	} else {
		filings, err = a.Datastore.Filings().ListByFilter(ctx, models.FilingStatus(*status), *formType)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list filings: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("found %d filing(s) to reprocess\n", len(filings))
	if *dryRun {
		for _, f := range filings {
			fmt.Printf("  - %s %s (%s)\n", f.Accession, f.FormType, f.Status)
		}
		return
	}

	enqueued := 0
	for _, f := range filings {
		task := models.ParseTask{FilingID: f.ID, Accession: f.Accession}
		payload, err := json.Marshal(task)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  %s: failed to encode parse task: %v\n", f.Accession, err)
			continue
		}
		if err := a.ParseQueue.Push(ctx, f.Accession+":reprocess", payload); err != nil {
			fmt.Fprintf(os.Stderr, "  %s: failed to enqueue: %v\n", f.Accession, err)
			continue
		}
		enqueued++
	}
	fmt.Printf("enqueued %d of %d filing(s)\n", enqueued, len(filings))
}
