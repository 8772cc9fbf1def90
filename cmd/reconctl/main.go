// reconctl is the operator console for reconciliation runs: inspect runs,
// replay them, resolve matches, verify the audit chain and export workbooks.
//
// Usage:
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/reconctl runs list --supplier MPT
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mmdatafocus/vas_recon/config"
	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/mmdatafocus/vas_recon/workflow"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "reconctl",
		Short:         "Operate VAS settlement reconciliation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("json", false, "Print results as JSON")

	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(escalateCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(exportCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// connect opens the database the same way the server does.
func connect() (*gorm.DB, error) {
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("database not initialized (config.GetDB returned nil). Set DB_* env vars")
	}
	if err := models.InstallGuards(db); err != nil {
		return nil, fmt.Errorf("install audit guards: %w", err)
	}
	return db, nil
}

func newOrchestrator(db *gorm.DB) *workflow.Orchestrator {
	logger := config.GetLogger()
	registry := workflow.NewSupplierConfigRegistry(db, logger)
	return workflow.NewOrchestrator(db, logger, registry, workflow.NewGormPlatformLedger(db), utils.NewGCSFileStore())
}

func wantJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// errChainBroken and conflicts get their own exit codes so scripts can
// tell them from connection failures.
var errChainBroken = errors.New("audit chain is not verified")

func exitCode(err error) int {
	switch {
	case errors.Is(err, errChainBroken):
		return 3
	case errors.Is(err, utils.ErrResolutionConflict), errors.Is(err, utils.ErrIllegalTransition):
		return 4
	case errors.Is(err, utils.ErrorRecordNotFound):
		return 5
	default:
		return 1
	}
}
