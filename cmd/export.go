package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/cropcost-pipeline/internal/export"
	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
	"github.com/JakeFAU/cropcost-pipeline/internal/store"
)

type exportFlags struct {
	format string
	table  string
	out    string
	filter store.Filter
}

// newExportCmd writes stored records to a file or stdout.
func newExportCmd() *cobra.Command {
	var f exportFlags
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export raw or processed records as xlsx, csv or json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.format, "format", "xlsx", "output format: xlsx, csv or json")
	flags.StringVar(&f.table, "table", "processed", "record set: processed or raw")
	flags.StringVarP(&f.out, "out", "o", "", `output path; "-" writes to stdout (default cropcost_<table>.<format>)`)
	flags.StringVar(&f.filter.Commodity, "commodity", "", "only this commodity")
	flags.StringVar(&f.filter.Location, "location", "", "only this location")
	flags.StringVar(&f.filter.Year, "year", "", "only this year")
	flags.StringVar(&f.filter.Source, "source", "", "only this source label")
	flags.StringVar(&f.filter.Version, "version", "", "processing version (processed table only)")
	flags.IntVar(&f.filter.MinScore, "min-score", 0, "minimum quality score")
	return cmd
}

func runExport(cmd *cobra.Command, f exportFlags) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	format, err := export.ParseFormat(f.format)
	if err != nil {
		return err
	}
	table, err := export.ParseTable(f.table)
	if err != nil {
		return err
	}

	var (
		write func(w io.Writer) error
		rows  int
	)
	switch table {
	case export.Raw:
		var records []pipeline.RawRecord
		if records, err = store.CollectRaw(cmd.Context(), a.Store, f.filter); err != nil {
			return fmt.Errorf("list raw records: %w", err)
		}
		rows = len(records)
		write = func(w io.Writer) error { return export.WriteRaw(w, format, records) }
	default:
		var records []pipeline.ProcessedRecord
		if records, err = store.CollectProcessed(cmd.Context(), a.Store, f.filter); err != nil {
			return fmt.Errorf("list processed records: %w", err)
		}
		rows = len(records)
		write = func(w io.Writer) error { return export.WriteProcessed(w, format, records) }
	}

	if f.out == "-" {
		return write(cmd.OutOrStdout())
	}
	path := f.out
	if path == "" {
		path = "cropcost_" + string(table) + format.Extension()
	}
	file, err := os.Create(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(file); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	a.Logger.Info("export written", zap.String("path", path), zap.String("table", string(table)), zap.Int("rows", rows))
	return nil
}
