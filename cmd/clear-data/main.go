// Command clear-data truncates every domain table through the
// Datastore interface. Intended for dev/test environments only; it
// refuses to run unless --yes is passed, since there is no undo.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/app"
)

func main() {
	var yes = flag.Bool("yes", false, "confirm the destructive truncate")
	flag.Parse()

	if !*yes {
		fmt.Fprintln(os.Stderr, "this truncates every filing, issuer, section, analysis, entity and diff row")
		fmt.Fprintln(os.Stderr, "re-run with --yes to confirm")
		os.Exit(1)
	}

	a, err := app.NewApp(os.Getenv("FILING_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Datastore.Truncate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to truncate datastore: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("all filing and issuer data cleared")
}
