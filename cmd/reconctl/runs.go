package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mmdatafocus/vas_recon/models"
	"github.com/spf13/cobra"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect reconciliation runs",
	}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsShowCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			supplier, _ := cmd.Flags().GetString("supplier")
			status, _ := cmd.Flags().GetString("status")
			since, _ := cmd.Flags().GetDuration("since")
			limit, _ := cmd.Flags().GetInt("limit")
			after, _ := cmd.Flags().GetString("after")

			filter := models.RunFilter{SupplierCode: strings.TrimSpace(supplier), Limit: limit}
			if status != "" {
				s, err := models.ParseRunStatus(status)
				if err != nil {
					return err
				}
				filter.Status = &s
			}
			if since > 0 {
				from := time.Now().UTC().Add(-since)
				filter.From = &from
			}
			if after != "" {
				filter.After = &after
			}

			db, err := connect()
			if err != nil {
				return err
			}
			runs, page, err := models.ListRuns(context.Background(), db, filter)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				for i := range runs {
					runs[i].ConfigSnapshot = nil
					runs[i].ParseReport = nil
				}
				return printJSON(map[string]any{"data": runs, "pageInfo": page})
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSUPPLIER\tSTATUS\tRECEIVED\tROWS\tEXACT\tFUZZY\tREVIEW\tVARIANCE")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					r.ID, r.SupplierCode, r.Status, r.FileReceivedAt.Format(time.RFC3339),
					r.TotalTransactions, r.MatchedExact, r.MatchedFuzzy, r.ManualReviewRequired,
					r.AmountVariance.StringFixed(2))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if page != nil && page.HasNextPage {
				fmt.Printf("\nmore: --after %s\n", page.EndCursor)
			}
			return nil
		},
	}
	cmd.Flags().StringP("supplier", "s", "", "Supplier code")
	cmd.Flags().String("status", "", "pending, processing, completed or failed")
	cmd.Flags().Duration("since", 0, "Only runs received within this long (e.g. 72h)")
	cmd.Flags().IntP("limit", "n", 20, "Page size")
	cmd.Flags().String("after", "", "Cursor from a previous page")
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its discrepancy summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}
			run, err := models.GetRun(context.Background(), db, args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			if wantJSON(cmd) {
				return printJSON(map[string]any{"data": run, "summary": run.Summary(), "errors": run.Errors()})
			}

			fmt.Printf("Run %s\n", run.ID)
			fmt.Println(strings.Repeat("=", 40))
			fmt.Printf("  Supplier:    %s (config v%d)\n", run.SupplierCode, run.ConfigVersion)
			fmt.Printf("  File:        %s (%d bytes, sha256 %s)\n", run.FileName, run.FileSize, run.FileHash)
			fmt.Printf("  Status:      %s\n", run.Status)
			if f := run.Failure(); f != "" {
				fmt.Printf("  Failure:     %s\n", f)
			}
			fmt.Printf("  Records:     platform=%d supplier=%d rows=%d\n", run.TotalPlatform, run.TotalSupplier, run.TotalTransactions)
			fmt.Printf("  Matched:     exact=%d fuzzy=%d\n", run.MatchedExact, run.MatchedFuzzy)
			fmt.Printf("  Unmatched:   platform=%d supplier=%d\n", run.UnmatchedPlatform, run.UnmatchedSupplier)
			fmt.Printf("  Resolution:  auto=%d manual=%d\n", run.AutoResolved, run.ManualReviewRequired)
			fmt.Printf("  Amounts:     platform=%s supplier=%s variance=%s\n",
				run.PlatformAmountTotal.StringFixed(2), run.SupplierAmountTotal.StringFixed(2), run.AmountVariance.StringFixed(2))
			fmt.Printf("  Commission:  platform=%s supplier=%s variance=%s\n",
				run.PlatformCommissionTotal.StringFixed(2), run.SupplierCommissionTotal.StringFixed(2), run.CommissionVariance.StringFixed(2))

			summary := run.Summary()
			if len(summary.ByType) > 0 {
				fmt.Println("\nDiscrepancies by type:")
				for t, n := range summary.ByType {
					fmt.Printf("  %-24s %d\n", t, n)
				}
			}
			for _, fd := range summary.FileLevel {
				fmt.Printf("  file-level: %+v\n", fd)
			}
			for _, e := range run.Errors() {
				fmt.Printf("  error [%s/%s]: %s\n", e.Stage, e.Reason, e.Message)
			}
			return nil
		},
	}
}
