package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/vas_recon/models/reports"
	"github.com/mmdatafocus/vas_recon/workflow"
	"github.com/spf13/cobra"
)

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <run-id>",
		Short: "Re-run matching from stored snapshots and compare with stored rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}
			report, err := newOrchestrator(db).ReplayRun(context.Background(), args[0])
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(report)
			}
			fmt.Printf("run=%s rows=%d deterministic=%t\n", report.RunId, report.Rows, report.Deterministic)
			for _, d := range report.Differences {
				fmt.Printf("  %s: stored %s, replayed %s\n", d.MatchKey, d.Stored, d.Replayed)
			}
			return nil
		},
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reprocess archived runs left pending and fail runs stuck past the run deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}
			orch := newOrchestrator(db)
			// No worker pool here: requeued runs are processed inline.
			res, err := orch.RecoverOpenRuns(context.Background(), func(ctx context.Context, job workflow.RunJob) error {
				return orch.Process(ctx, job.RunId, job.Content)
			})
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(res)
			}
			fmt.Printf("reprocessed %d and failed %d stale run(s)\n", res.Requeued, res.Failed)
			return nil
		},
	}
}

func actorFlag(cmd *cobra.Command) (string, error) {
	actor, _ := cmd.Flags().GetString("actor")
	if actor = strings.TrimSpace(actor); actor == "" {
		return "", fmt.Errorf("--actor is required")
	}
	return actor, nil
}

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <match-id>",
		Short: "Record a manual resolution for a match under review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag(cmd)
			if err != nil {
				return err
			}
			method, _ := cmd.Flags().GetString("method")
			notes, _ := cmd.Flags().GetString("notes")
			db, err := connect()
			if err != nil {
				return err
			}
			match, err := workflow.ApplyResolution(context.Background(), db, args[0], method, notes, actor)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(match)
			}
			fmt.Printf("match %s is %s (version %d)\n", match.ID, match.ResolutionStatus, match.ResolutionVersion)
			return nil
		},
	}
	cmd.Flags().String("actor", "", "Reviewer id recorded on the match and audit trail")
	cmd.Flags().String("method", "", "Resolution method, e.g. supplier_credit or write_off")
	cmd.Flags().String("notes", "", "Free text kept with the resolution")
	_ = cmd.MarkFlagRequired("method")
	return cmd
}

func escalateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalate <match-id>",
		Short: "Escalate a match for supplier-side correction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag(cmd)
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString("reason")
			db, err := connect()
			if err != nil {
				return err
			}
			match, err := workflow.Escalate(context.Background(), db, args[0], reason, actor)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(match)
			}
			fmt.Printf("match %s is %s (version %d)\n", match.ID, match.ResolutionStatus, match.ResolutionVersion)
			return nil
		},
	}
	cmd.Flags().String("actor", "", "Reviewer id recorded on the match and audit trail")
	cmd.Flags().String("reason", "", "Why the supplier must correct this")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute the audit hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}
			report, err := workflow.VerifyChain(context.Background(), db)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				fmt.Printf("events=%d last_sequence=%d verified=%t\n", report.Events, report.LastSequence, report.Verified)
				for _, p := range report.Problems {
					fmt.Printf("  %s at sequence %d: %s\n", p.Kind, p.Sequence, p.Detail)
				}
			}
			if !report.Verified {
				return errChainBroken
			}
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Write a run's summary and match rows to an xlsx workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				out = "run-" + args[0] + ".xlsx"
			}
			db, err := connect()
			if err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := reports.WriteRunWorkbook(context.Background(), db, args[0], f); err != nil {
				_ = f.Close()
				_ = os.Remove(out)
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringP("out", "o", "", "Output file (default run-<id>.xlsx)")
	return cmd
}
