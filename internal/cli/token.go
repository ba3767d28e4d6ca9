// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/spf13/cobra"
)

// TokenCmd returns the token command, which issues a bearer token for a user/device pair
func TokenCmd() *cobra.Command {
	var (
		userID   string
		deviceID string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT for a field worker device (development use)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := fieldsync.NewJWTAuth(cfg.Auth.JWTSecret).GenerateToken(userID, deviceID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (JWT sub, required)")
	cmd.Flags().StringVar(&deviceID, "device", "", "device id (JWT did, required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}
