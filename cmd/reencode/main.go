package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bnema/reencode/internal/domain"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "reencode",
	Short:         "Queue-driven AV1 re-encoding service",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), configPath)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conversion worker and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), configPath)
	},
}

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "Print the conversion presets as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(domain.Presets())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file (environment variables take precedence)")
	rootCmd.AddCommand(serveCmd, presetsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "reencode: %v\n", err)
		os.Exit(1)
	}
}
