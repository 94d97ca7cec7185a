package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"docdiff/config"
	"docdiff/obs"
)

var (
	verbose     bool
	cfg         config.Config
	logger      *slog.Logger
	shutdownObs obs.Shutdown
)

var rootCmd = &cobra.Command{
	Use:           "docdiff",
	Short:         "Compare a rendered workbook against its PDF counterpart",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		opts := []obs.Option{obs.WithTextOutput(cmd.ErrOrStderr())}
		if verbose {
			opts = append(opts, obs.WithLevel(slog.LevelDebug))
		}
		shutdownObs, logger = obs.Init("docdiff-cli", opts...)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if shutdownObs == nil {
			return nil
		}
		return shutdownObs(context.Background())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
