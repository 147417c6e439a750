package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/candlevault/candlevault/internal/gaps"
	"github.com/candlevault/candlevault/internal/timeframe"
)

func revalidateCmd() *cobra.Command {
	var (
		symbolFlag string
		tfFlag     string
		limitFlag  int
		batchFlag  int
		dryRunFlag bool
	)

	cmd := &cobra.Command{
		Use:   "revalidate",
		Short: "Re-score unvalidated candles and print a JSON summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := gaps.RevalidateOptions{
				Symbol:    strings.ToUpper(strings.TrimSpace(symbolFlag)),
				Limit:     limitFlag,
				BatchSize: batchFlag,
				DryRun:    dryRunFlag,
			}
			if tfFlag != "" {
				tf, err := timeframe.Parse(tfFlag)
				if err != nil {
					return err
				}
				opts.Timeframe = tf
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.revalidator.Run(ctx, opts)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return fmt.Errorf("failed to encode summary: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&symbolFlag, "symbol", "", "restrict to one symbol")
	cmd.Flags().StringVar(&tfFlag, "timeframe", "", "restrict to one timeframe")
	cmd.Flags().IntVar(&limitFlag, "limit", 0, "maximum rows to scan (0 = unbounded)")
	cmd.Flags().IntVar(&batchFlag, "batch-size", gaps.DefaultRevalidateBatch,
		fmt.Sprintf("rows per batch (max %d)", gaps.MaxRevalidateBatch))
	cmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "score without committing verdicts")
	return cmd
}
