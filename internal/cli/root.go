// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mobiletoly/go-fieldsync/internal/config"
	"github.com/spf13/cobra"
)

// RootCmd returns the fieldsync command tree
func RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "Field data sync server and bulk importer",
		Long: `fieldsync reconciles offline field-survey responses uploaded by devices and
imports assignment lists from CSV, XLSX and ODS files.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "config file (default ./fieldsync.yaml)")

	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(ImportCmd())
	rootCmd.AddCommand(StatusCmd())
	rootCmd.AddCommand(TokenCmd())
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := ""
	if f := cmd.Flag("config"); f != nil {
		path = f.Value.String()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from log.level / log.format
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
