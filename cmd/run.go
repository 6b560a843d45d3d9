package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
)

// newRunCmd runs the pipeline once in the foreground.
func newRunCmd() *cobra.Command {
	var standardizeAfter bool
	cmd := &cobra.Command{
		Use:   "run [source...]",
		Short: "Run the pipeline for the given sources, or every enabled source",
		Long: `Fetches, extracts, validates and ingests every document of the selected
sources, then prints the pipeline report as JSON. The command fails only
when no source ingested anything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := a.Orchestrator.Run(cmd.Context(), args)
			if err != nil {
				return fmt.Errorf("run pipeline: %w", err)
			}
			if err := writeJSON(cmd, report); err != nil {
				return err
			}
			if report.State == pipeline.RunFailed {
				return fmt.Errorf("pipeline run %s failed", report.RunID)
			}
			if !standardizeAfter {
				return nil
			}
			summary, err := a.Store.Standardize(cmd.Context(), a.Standardizer)
			if err != nil {
				return fmt.Errorf("standardize: %w", err)
			}
			a.Logger.Info("standardization finished",
				zap.String("version", summary.Version),
				zap.Int("written", summary.Written),
				zap.Int("skipped", summary.Skipped),
			)
			return nil
		},
	}
	cmd.Flags().BoolVar(&standardizeAfter, "standardize", false, "run a standardization pass after ingesting")
	return cmd
}

// newStandardizeCmd writes processed rows for the configured version label.
func newStandardizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "standardize",
		Short: "Standardize raw records into the configured processing version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := a.Store.Standardize(cmd.Context(), a.Standardizer)
			if err != nil {
				return fmt.Errorf("standardize: %w", err)
			}
			return writeJSON(cmd, summary)
		},
	}
}

// newStatusCmd prints dataset totals and the most recent source runs.
func newStatusCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show dataset totals and recent source runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := a.Store.Summary(cmd.Context())
			if err != nil {
				return fmt.Errorf("load summary: %w", err)
			}
			runs, err := a.Store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			return writeJSON(cmd, map[string]any{
				"summary": summary,
				"sources": a.Orchestrator.Sources(),
				"runs":    runs,
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recent source runs to show")
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
