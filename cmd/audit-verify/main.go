// audit-verify walks the audit chain and reports the first break, if any.
//
// Usage:
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/audit-verify
//
// Exit codes: 0 verified, 1 could not run, 3 chain broken.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/vas_recon/config"
	"github.com/mmdatafocus/vas_recon/workflow"
)

func main() {
	asJSON := flag.Bool("json", false, "Print the full report as JSON")
	timeout := flag.Duration("timeout", 10*time.Minute, "Give up after this long")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	started := time.Now()
	report, err := workflow.VerifyChain(ctx, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		fmt.Printf("events=%d last_sequence=%d verified=%t elapsed=%s\n",
			report.Events, report.LastSequence, report.Verified, time.Since(started).Round(time.Millisecond))
		for _, p := range report.Problems {
			fmt.Printf("  %s at sequence %d: %s\n", p.Kind, p.Sequence, p.Detail)
		}
	}
	if !report.Verified {
		os.Exit(3)
	}
}
