// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/mobiletoly/go-fieldsync/fieldimport"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/mobiletoly/go-fieldsync/internal/server"
	"github.com/spf13/cobra"
)

// ImportCmd returns the import command, which runs one import in the foreground
func ImportCmd() *cobra.Command {
	var (
		tableID string
		appID   string
		sheet   string
		columns string
		keep    bool
		jobID   string
	)

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a CSV/XLSX/ODS file into app records and assignments",
		Long: `Import streams the file, maps columns to fields and writes one app record and one
assignment per non-blank row, in batches. Columns are given either as JSON
('[{"name":"name","source_index":0}]') or compactly ("name=0,visits=3:integer").
The source file is deleted after a successful import unless --keep is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			mapping, err := fieldimport.ParseColumnSpec(columns)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())
			ctx := cmd.Context()

			pool, err := server.NewPool(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := fieldsync.InitializeSchema(ctx, pool); err != nil {
				return err
			}
			status, rdb, err := server.NewStatusStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if rdb != nil {
				defer rdb.Close()
			}

			icfg := server.ImportConfig(cfg)
			icfg.KeepSourceFile = icfg.KeepSourceFile || keep
			importer := fieldimport.NewImporter(fieldimport.NewPgBatchStore(pool), status, icfg, logger)

			res, err := importer.Import(ctx, fieldimport.ImportJob{
				JobID:     jobID,
				FilePath:  args[0],
				TableID:   tableID,
				AppID:     appID,
				SheetName: sheet,
				Mapping:   mapping,
			})
			printImportResult(cmd.OutOrStdout(), res, err)
			return err
		},
	}

	cmd.Flags().StringVar(&tableID, "table", "", "target table id (required)")
	cmd.Flags().StringVar(&appID, "app", "", "app id the table must belong to")
	cmd.Flags().StringVar(&sheet, "sheet", "", "sheet name (default: first sheet)")
	cmd.Flags().StringVar(&columns, "columns", "", "column mapping (required)")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the source file after a successful import")
	cmd.Flags().StringVar(&jobID, "job-id", "", "job id used on the status channel (default: random)")
	_ = cmd.MarkFlagRequired("table")
	_ = cmd.MarkFlagRequired("columns")
	return cmd
}

func printImportResult(w io.Writer, res fieldimport.ImportResult, err error) {
	if err != nil {
		fmt.Fprintf(w, "%s job %s: %v\n", color.New(color.FgRed).Sprint("FAILED"), res.JobID, err)
	} else {
		fmt.Fprintf(w, "%s job %s\n", color.New(color.FgHiGreen).Sprint("COMPLETED"), res.JobID)
	}
	fmt.Fprintf(w, "  rows imported: %d\n", res.RowsProcessed)
	fmt.Fprintf(w, "  rows skipped:  %d\n", res.RowsSkipped)
	fmt.Fprintf(w, "  batches:       %d\n", res.Batches)
	if res.Splits > 0 {
		fmt.Fprintf(w, "  %s %d splits (max depth %d)\n",
			color.New(color.FgYellow).Sprint("retried:"), res.Splits, res.MaxSplitDepth)
	}
	if res.Abandoned > 0 {
		fmt.Fprintf(w, "  %s %d\n", color.New(color.FgRed).Sprint("abandoned rows:"), res.Abandoned)
	}
}
