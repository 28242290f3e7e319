// Package cli wires the qkdtun daemon together behind its command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "qkdtun",
	Short: "qkdtun - rotate WireGuard pre-shared keys from QKD key material",
	Long: `qkdtun runs alongside a WireGuard interface and a QKD device on each
end of a tunnel. The two instances periodically retrieve correlated key
material from their local QKD devices over the ETSI GS QKD 014 API,
agree on which key to use, and install the derived pre-shared key on
the tunnel without interrupting it.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"lowest log level to show (debug, info, warn, error)")
	rootCmd.AddCommand(exchangeCmd)
}

// newLogger builds the process logger from the --log-level flag.
func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler), nil
}
