package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombolacan/tombola/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show queue counts per status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
			fmt.Printf("\n%s No local database yet\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'tb setup' to initialize this device\n\n")
			return
		}

		st := openStore(ctx)
		defer st.Close()

		stats, err := st.AggregateCounts(ctx)
		if err != nil {
			fatal("failed to read counts: %v", err)
		}

		fmt.Printf("\n%s Queue Status\n\n", ui.RenderAccent("📊"))
		fmt.Println(ui.RenderStats(stats))
		fmt.Printf("\nLocation: %s\n", cfg.DBPath)

		switch {
		case stats.HasProblems():
			fmt.Printf("%s %d failed, %d conflicts need attention\n", ui.RenderWarn("⚠"), stats.Error, stats.Conflict)
		case stats.Backlog() > 0:
			fmt.Printf("%s %d waiting for sync\n", ui.RenderMuted("…"), stats.Backlog())
		default:
			fmt.Printf("%s Everything is synced\n", ui.RenderPass("✓"))
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
