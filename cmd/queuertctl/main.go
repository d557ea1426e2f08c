// Command queuertctl is a thin inspector over a queuert store: list
// chains, show one, wait on one, and delete chains. It never runs
// processors itself — that is the embedding Go program's job via
// queuert.Worker — it only reads and deletes rows, the "surface-level
// client helper" the engine's core deliberately leaves outside itself.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/riverforge/queuert/internal/config"
	"github.com/riverforge/queuert/internal/logging"
	"github.com/riverforge/queuert/internal/store"
	"github.com/riverforge/queuert/internal/store/sqlite"
)

var (
	// Version is set at build time via -ldflags.
	Version   = "dev"
	cfgPath   string
	resolved  config.Config
	logCloser io.Closer = nopCloser{}
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

var rootCmd = &cobra.Command{
	Use:   "queuertctl",
	Short: "Inspect and manage a queuert job store",
	Long: `queuertctl - queuert inspection CLI

A thin command-line client over a queuert sqlite store: list job chains,
show one in detail, wait for one to complete, and delete chains.

Commands:
  chain list     List job chains, optionally filtered by type/status
  chain show     Show one chain's current job and its blockers
  chain wait     Block until a chain completes or a timeout elapses
  chain rm       Delete one or more chains

Configuration:
  queuertctl reads ./queuertctl.toml by default (override with --config),
  and QUEUERTCTL_STORE_PATH / QUEUERTCTL_LOGGING_LEVEL /
  QUEUERTCTL_LOGGING_FILE_PATH environment variables override individual
  keys.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		resolved = c

		logger, closer := logging.New(logging.Config{
			FilePath: resolved.Logging.FilePath,
			JSON:     resolved.Logging.JSON,
			Level:    resolved.Logging.Level,
		})
		slog.SetDefault(logger)
		logCloser = closer
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the queuertctl version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(Version)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to queuertctl.toml")
	rootCmd.AddGroup(&cobra.Group{ID: "chain", Title: "Chain Commands:"})
	rootCmd.AddCommand(chainCmd, versionCmd)
}

func openDriver() (store.Driver, error) {
	return sqlite.Open(resolved.StorePath)
}

func main() {
	err := rootCmd.Execute()
	_ = logCloser.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
