package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombolacan/tombola/internal/sync"
	"github.com/tombolacan/tombola/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync pass now",
	Long: `Push queued participations to the server and wait for the pass to finish.

An explicit pass retries pending and failed records and, unlike the
daemon's automatic passes, also records previously marked as conflicts.
Records are sent one at a time in the order they were captured.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		st := openStore(ctx)
		defer st.Close()

		eng, err := newEngine(st)
		if err != nil {
			fatal("%v", err)
		}
		if err := eng.monitor.Start(ctx); err != nil {
			fatal("failed to check connectivity: %v", err)
		}
		defer eng.monitor.Stop()

		before, err := st.AggregateCounts(ctx)
		if err != nil {
			fatal("failed to read counts: %v", err)
		}
		fmt.Printf("%s Syncing %d queued participations...\n", ui.RenderAccent("🔄"), before.Backlog()+before.Conflict)

		start := time.Now()
		res, err := eng.orch.RunPassWith(ctx, sync.PassOptions{IncludeConflicts: true})
		if err != nil {
			fatal("sync failed: %v", err)
		}

		switch res.Skipped {
		case sync.SkipOffline:
			fmt.Printf("%s Offline, nothing was sent\n", ui.RenderWarn("⚠"))
			return
		case sync.SkipBusy:
			fmt.Printf("%s Another sync pass is running\n", ui.RenderWarn("⚠"))
			return
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Synced: %d\n", res.Synced)
		if res.Failed > 0 {
			fmt.Printf("   Failed: %s\n", ui.RenderFail(fmt.Sprint(res.Failed)))
			fmt.Printf("   Run 'tb list --status error,conflict' for details\n")
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
