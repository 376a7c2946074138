// Package main provides the cernet CLI entry point.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags
var Version = "dev"

var (
	logFormat string
	logLevel  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "cernet",
	Short: "Dual-view ceRNA network learning on single-cell expression",
	Long: `cernet learns RNA and cell embeddings from a ceRNA regulatory network and a
single-cell expression matrix. It refines the network while training by pruning
edges whose learned confidence falls below a global percentile.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.Version = Version
}

func setupLogger() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return &usageError{fmt.Errorf("invalid --log-level %q", logLevel)}
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(logFormat) {
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return &usageError{fmt.Errorf("invalid --log-format %q", logFormat)}
	}
	slog.SetDefault(slog.New(h))
	return nil
}
