package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/candlevault/candlevault/internal/timeframe"
)

func backfillCmd() *cobra.Command {
	var (
		symbolsFlag    string
		startFlag      string
		endFlag        string
		timeframesFlag string
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run one backfill job to completion and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			symbols := splitList(symbolsFlag)
			if len(symbols) == 0 {
				return fmt.Errorf("--symbols is required")
			}
			for i := range symbols {
				symbols[i] = strings.ToUpper(symbols[i])
			}

			start, err := time.Parse("2006-01-02", startFlag)
			if err != nil {
				return fmt.Errorf("--start must be an ISO date (YYYY-MM-DD): %w", err)
			}
			end, err := time.Parse("2006-01-02", endFlag)
			if err != nil {
				return fmt.Errorf("--end must be an ISO date (YYYY-MM-DD): %w", err)
			}
			if !start.Before(end) {
				return fmt.Errorf("--start must be before --end")
			}

			tfs := splitList(timeframesFlag)
			if len(tfs) == 0 {
				tfs = timeframe.Strings(timeframe.WorkerOrder)
			}
			if _, err := timeframe.ParseAll(tfs); err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			jobID, err := a.jobs.CreateJob(ctx, symbols, tfs, start, end)
			if err != nil {
				return fmt.Errorf("failed to create job: %w", err)
			}
			log.Info().Str("job_id", jobID).Strs("symbols", symbols).Msg("starting backfill")

			result, err := a.worker.Run(ctx, jobID)
			if err != nil {
				return err
			}
			log.Info().
				Str("job_id", result.JobID).
				Int("units_succeeded", result.UnitsSucceeded).
				Int("units_failed", result.UnitsFailed).
				Int64("fetched", result.Fetched).
				Int64("inserted", result.Inserted).
				Msg("backfill complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&symbolsFlag, "symbols", "", "comma-separated symbols (required)")
	cmd.Flags().StringVar(&startFlag, "start", "", "start date, ISO YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&endFlag, "end", "", "end date, ISO YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&timeframesFlag, "timeframes", "", "comma-separated timeframes (default: all)")
	return cmd
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
