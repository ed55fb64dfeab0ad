// Command tb records tombola participations at a point of sale and syncs
// them to the central store when connectivity allows.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tombolacan/tombola/internal/config"
	"github.com/tombolacan/tombola/internal/logging"
)

var (
	cfgFile   string
	cfg       *config.Config
	logger    = zerolog.Nop()
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "tb",
	Short: "Offline-first tombola participation queue",
	Long: `tb captures participations locally and syncs them to the central store.

Every submission is stored on this device first. A sync pass pushes queued
records to the remote in creation order; a record whose invoice already
exists remotely is marked as a conflict for an operator to resolve.

Configuration is read from ~/.tombola/config.yaml (or --config) and
TOMBOLA_* environment variables, e.g. TOMBOLA_REMOTE_URL.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		for key, name := range flagKeys {
			if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
				return fmt.Errorf("failed to bind --%s: %w", name, err)
			}
		}

		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		root, closer, err := logging.New(logging.Config{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Output:     os.Stderr,
		})
		if err != nil {
			return err
		}
		logger, logCloser = root, closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

// flagKeys maps config keys to the persistent flags that override them.
var flagKeys = map[string]string{
	"db":         "db",
	"remote.url": "remote-url",
	"log.level":  "log-level",
	"log.format": "log-format",
	"log.file":   "log-file",
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.tombola/config.yaml)")
	pf.String("db", "", "local database path (default ~/.tombola/tombola.db)")
	pf.String("remote-url", "", "remote API base URL")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: console or json")
	pf.String("log-file", "", "write logs to a rotated file")
}

// fatal prints an error in the CLI's format and exits.
func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	if logCloser != nil {
		_ = logCloser.Close()
	}
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
