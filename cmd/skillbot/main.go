// ABOUTME: Entry point for the skillbot conversational gateway
// ABOUTME: Builds the cobra command tree: serve, token, push and version

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "skillbot",
	Short: "Multi-channel conversational bot gateway",
	Long: `skillbot receives messenger events, identifies the user's intent and walks
them through skills that collect parameters turn by turn.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the skillbot version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "skillbot %s\n", version)
	},
}

// defaultConfigPath returns the config file location.
// Priority: SKILLBOT_CONFIG env var > XDG_CONFIG_HOME/skillbot/config.yaml > ~/.config/skillbot/config.yaml
func defaultConfigPath() string {
	if envPath := os.Getenv("SKILLBOT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "skillbot", "config.yaml")
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the YAML or TOML config file")
	rootCmd.AddCommand(serveCmd, tokenCmd, pushCmd, versionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
