package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/media-pipeline/internal/domain"
	"github.com/cuongbtq/media-pipeline/internal/ledger"
)

var (
	failuresLimit int
	ledgerTimeout time.Duration
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and repair idempotency ledger entries",
}

var ledgerGetCmd = &cobra.Command{
	Use:   "get <job-key>",
	Short: "Show the ledger entry of a job key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobKey, err := parseJobKey(args[0])
		if err != nil {
			return err
		}
		return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
			entry, err := l.Get(ctx, jobKey)
			if err != nil {
				return err
			}
			return printEntries(entry)
		})
	},
}

var ledgerFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List failed jobs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
			entries, err := l.ListFailed(ctx, nil, failuresLimit)
			if err != nil {
				return err
			}
			if len(entries) == 0 && !outputJSON {
				fmt.Println("No failed jobs")
				return nil
			}
			return printEntries(entries...)
		})
	},
}

var ledgerReplayCmd = &cobra.Command{
	Use:   "replay <job-key>",
	Short: "Reset a failed job so the next notification processes it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobKey, err := parseJobKey(args[0])
		if err != nil {
			return err
		}
		return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
			entry, err := l.Replay(ctx, jobKey)
			if err != nil {
				return err
			}
			cliLogger.Info("Job replayed", "job_key", jobKey.String())
			return printEntries(entry)
		})
	},
}

func init() {
	ledgerCmd.PersistentFlags().DurationVar(&ledgerTimeout, "timeout", 10*time.Second, "Deadline for ledger operations")
	ledgerFailuresCmd.Flags().IntVar(&failuresLimit, "limit", 20, "Maximum number of entries")

	ledgerCmd.AddCommand(ledgerGetCmd, ledgerFailuresCmd, ledgerReplayCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func parseJobKey(s string) (domain.JobKey, error) {
	jobKey := domain.JobKey(s)
	if !jobKey.Valid() {
		return "", fmt.Errorf("invalid job key %q: must be a 64 character hex digest", s)
	}
	return jobKey, nil
}

// withLedger opens the configured ledger backend for the duration of fn.
func withLedger(parent context.Context, fn func(context.Context, ledger.Ledger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, ledgerTimeout)
	defer cancel()

	l, err := ledger.Open(ctx, cfg, ledger.Options{Lease: cfg.Pipeline.LeaseDuration}, cliLogger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer l.Close()

	return fn(ctx, l)
}

func printEntries(entries ...*ledger.Entry) error {
	if outputJSON {
		if len(entries) == 1 {
			return printJSON(entries[0])
		}
		return printJSON(entries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB KEY\tSOURCE\tSTATE\tATTEMPTS\tUPDATED\tDETAIL")
	for _, e := range entries {
		detail := e.Reason
		if e.State == domain.EntryStateDone {
			detail = e.DerivedKey
		}
		fmt.Fprintf(w, "%s\t%s/%s\t%s\t%d\t%s\t%s\n",
			e.JobKey, e.Source.Collection, e.Source.Key, e.State, e.Attempts,
			e.UpdatedAt.UTC().Format(time.RFC3339), detail)
	}
	return w.Flush()
}
