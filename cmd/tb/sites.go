package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombolacan/tombola/internal/remote"
	"github.com/tombolacan/tombola/internal/store"
	"github.com/tombolacan/tombola/internal/ui"
)

var sitesCmd = &cobra.Command{
	Use:     "sites",
	GroupID: "setup",
	Short:   "List points of sale cached on this device",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		refresh, _ := cmd.Flags().GetBool("refresh")

		st := openStore(ctx)
		defer st.Close()

		if refresh {
			n, err := refreshSites(ctx, st)
			if err != nil {
				fatal("failed to refresh sites: %v", err)
			}
			fmt.Printf("%s Cached %d sites\n\n", ui.RenderPass("✓"), n)
		}

		sites, err := st.Sites(ctx)
		if err != nil {
			fatal("failed to read sites: %v", err)
		}
		if len(sites) == 0 {
			fmt.Println("No sites cached; run 'tb sites --refresh' while online")
			return
		}
		for _, s := range sites {
			fmt.Printf("%-12s %s %s\n", s.ID, s.Name, ui.RenderMuted("("+s.City+")"))
		}
	},
}

// refreshSites replaces the local site cache with the server's list.
func refreshSites(ctx context.Context, st *store.Store) (int, error) {
	client, err := newClient()
	if err != nil {
		return 0, err
	}
	fetched, err := client.FetchSites(ctx)
	if err != nil {
		return 0, err
	}
	sites := toStoreSites(fetched)
	if err := st.ReplaceSites(ctx, sites); err != nil {
		return 0, err
	}
	return len(sites), nil
}

func toStoreSites(in []remote.Site) []store.Site {
	out := make([]store.Site, 0, len(in))
	for _, s := range in {
		out = append(out, store.Site{ID: s.ID, Name: s.Name, City: s.City})
	}
	return out
}

func init() {
	sitesCmd.Flags().Bool("refresh", false, "download the site list from the server first")
	rootCmd.AddCommand(sitesCmd)
}
