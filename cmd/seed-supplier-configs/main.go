// seed-supplier-configs loads supplier configs from a YAML file and saves the
// ones that differ from what is stored. Each save is a new audited version.
//
// Usage:
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//     go run ./cmd/seed-supplier-configs -file deploy/suppliers.yaml [-dry-run]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/vas_recon/config"
	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/workflow"
)

func main() {
	file := flag.String("file", "", "YAML file with a top-level suppliers list (required)")
	dryRun := flag.Bool("dry-run", false, "Report what would change without writing")
	actorId := flag.String("actor", "", "Actor id recorded on the audit events (default: system)")
	flag.Parse()

	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "-file is required")
		flag.Usage()
		os.Exit(2)
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read %s: %v\n", *file, err)
		os.Exit(1)
	}
	configs, err := workflow.ParseSupplierConfigFile(data)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(configs) == 0 {
		fmt.Fprintln(os.Stderr, "no suppliers in file")
		return
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	if !config.SkipMigrations() {
		models.MigrateTable()
	}
	if err := models.InstallGuards(db); err != nil {
		fmt.Fprintf(os.Stderr, "failed to install audit guards: %v\n", err)
		os.Exit(1)
	}

	actor := workflow.SystemActor
	if id := strings.TrimSpace(*actorId); id != "" {
		actor = workflow.UserActor(id)
	}

	registry := workflow.NewSupplierConfigRegistry(db, config.GetLogger())
	outcomes, err := registry.Seed(ctx, configs, actor, *dryRun)
	invalid := 0
	for _, o := range outcomes {
		if o.Err != nil {
			invalid++
			fmt.Printf("%-12s %-10s %v\n", o.Code, o.Action, o.Err)
			continue
		}
		fmt.Printf("%-12s %-10s version=%d\n", o.Code, o.Action, o.Version)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed stopped: %v\n", err)
		os.Exit(1)
	}
	if *dryRun {
		fmt.Println("dry run: nothing was written")
	}
	if invalid > 0 {
		os.Exit(2)
	}
}
