// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/mobiletoly/go-fieldsync/fieldimport"
	"github.com/mobiletoly/go-fieldsync/internal/server"
	"github.com/spf13/cobra"
)

// StatusCmd returns the status command, which reads an import job from the status channel
func StatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show the status of an import job",
		Long: `Status reads the shared status channel. It needs redis.addr: an in-process
status store only lives inside the server that ran the import.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Redis.Addr == "" {
				return fmt.Errorf("redis.addr is not configured; poll GET /imports/%s on the server instead", args[0])
			}
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())
			store, rdb, err := server.NewStatusStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			if rdb != nil {
				defer rdb.Close()
			}

			st, ok, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("job %s not found or expired", args[0])
			}
			printJobStatus(cmd.OutOrStdout(), args[0], st)
			return nil
		},
	}
	return cmd
}

func printJobStatus(w io.Writer, jobID string, st fieldimport.JobStatus) {
	label := color.New(color.FgCyan).Sprint(st.Status)
	switch st.Status {
	case fieldimport.JobCompleted:
		label = color.New(color.FgHiGreen).Sprint(st.Status)
	case fieldimport.JobFailed:
		label = color.New(color.FgRed).Sprint(st.Status)
	}
	fmt.Fprintf(w, "Job %s: %s\n", jobID, label)
	fmt.Fprintf(w, "  rows processed: %d\n", st.RowsProcessed)
	if st.Message != "" {
		fmt.Fprintf(w, "  message:        %s\n", st.Message)
	}
	updated := time.Unix(st.UpdatedAt, 0)
	fmt.Fprintf(w, "  updated:        %s (%s ago)\n", updated.Format(time.RFC3339), time.Since(updated).Round(time.Second))
}
