// ABOUTME: token command minting push API bearer tokens from the configured secret
// ABOUTME: The subject names the calling system and shows up in push logs

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/skillbot/internal/auth"
	"github.com/2389/skillbot/internal/config"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a bearer token for the push API",
	Example: `  skillbot token --subject crm-sync --ttl 720h`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "name of the calling system (required)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured; the push API is disabled")
	}
	if tokenTTL <= 0 {
		return errors.New("--ttl must be positive")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(tokenSubject, tokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
