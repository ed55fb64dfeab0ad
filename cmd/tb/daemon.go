package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombolacan/tombola/internal/daemon"
	"github.com/tombolacan/tombola/internal/dashboard"
	"github.com/tombolacan/tombola/internal/logging"
	"github.com/tombolacan/tombola/internal/metrics"
	"github.com/tombolacan/tombola/internal/store"
	"github.com/tombolacan/tombola/internal/sync"
	"github.com/tombolacan/tombola/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the background sync engine in the foreground.

The daemon will:
  1. Reset records left mid-sync by a crash to error
  2. Sync at startup when online
  3. Sync whenever connectivity comes back
  4. Sync every sync.interval while online
  5. Serve the status dashboard (WebSocket, /stats, POST /sync, /metrics)

Use a process manager to keep it running. Stop with Ctrl+C.`,
	Run: func(cmd *cobra.Command, args []string) {
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port, _ = cmd.Flags().GetInt("port")
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st := openStore(ctx)
		defer st.Close()

		eng, err := newEngine(st)
		if err != nil {
			fatal("%v", err)
		}

		stats := func(ctx context.Context) (store.Stats, error) {
			return st.AggregateCounts(ctx)
		}
		if counts, err := stats(ctx); err == nil {
			metrics.SetRecordCounts(counts)
		}

		var d *daemon.Daemon
		server := dashboard.NewServer(&dashboard.Config{
			Host:  cfg.Dashboard.Host,
			Port:  cfg.Dashboard.Port,
			Stats: stats,
			Sync: func(ctx context.Context) (sync.Result, error) {
				return d.SyncNow(ctx)
			},
			Logger: logging.Component(logger, "dashboard"),
		})
		handler := dashboard.NewHandler(server, stats, logging.Component(logger, "dashboard"))
		unsubscribe := handler.Attach(eng.bus)
		defer unsubscribe()

		d, err = daemon.NewWithConfig(eng.orch, eng.monitor, st, &daemon.Config{
			SyncInterval: cfg.Sync.Interval,
			OnPass:       handler.OnPass,
			Logger:       logging.Component(logger, "daemon"),
		})
		if err != nil {
			fatal("failed to create daemon: %v", err)
		}

		sup := daemon.NewSupervisor(logging.Component(logger, "supervisor"), daemon.DefaultSupervisorConfig())
		sup.Add(daemon.NewService(d))

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Database: %s\n", cfg.DBPath)
		fmt.Printf("   Remote: %s\n", cfg.Remote.URL)
		fmt.Printf("   Connectivity: %s\n", cfg.Connectivity.Mode)
		fmt.Printf("   Interval: %s\n", cfg.Sync.Interval)
		if cfg.Dashboard.Enabled && !noDashboard {
			sup.Add(server)
			fmt.Printf("   Dashboard: http://%s\n", server.GetAddr())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fatal("daemon stopped with error: %v", err)
		}
		fmt.Println("Daemon stopped")
	},
}

func init() {
	daemonCmd.Flags().IntP("port", "p", 8080, "dashboard port (overrides dashboard.port)")
	daemonCmd.Flags().Bool("no-dashboard", false, "do not serve the dashboard")

	rootCmd.AddCommand(daemonCmd)
}
