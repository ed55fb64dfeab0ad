package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tombolacan/tombola/internal/store"
	"github.com/tombolacan/tombola/internal/ui"
)

var setupCmd = &cobra.Command{
	Use:     "setup",
	GroupID: "setup",
	Short:   "Configure the operator and point of sale for this device",
	Long: `Save the operator name and site this device records participations for.

The site list is refreshed from the server when it is reachable and the
cached copy is used otherwise.

Examples:
  tb setup                                   # interactive
  tb setup --operator "Awa Kone" --site s-12`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		operator, _ := cmd.Flags().GetString("operator")
		siteID, _ := cmd.Flags().GetString("site")

		st := openStore(ctx)
		defer st.Close()

		if cfg.Remote.URL != "" {
			if _, err := refreshSites(ctx, st); err != nil {
				logger.Warn().Err(err).Msg("site refresh failed, using cached list")
			}
		}

		sites, err := st.Sites(ctx)
		if err != nil {
			fatal("failed to read sites: %v", err)
		}

		if operator == "" || siteID == "" {
			if !ui.Interactive() {
				fatal("missing --operator or --site")
			}
			if err := setupForm(ctx, st, sites, &operator, &siteID); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Cancelled")
					return
				}
				fatal("%v", err)
			}
		}

		site, err := findSite(sites, siteID)
		if err != nil {
			fatal("%v", err)
		}

		if err := st.SetSetting(ctx, store.SettingOperator, strings.TrimSpace(operator)); err != nil {
			fatal("failed to save operator: %v", err)
		}
		if err := st.SetSetting(ctx, store.SettingSiteID, site.ID); err != nil {
			fatal("failed to save site: %v", err)
		}

		fmt.Printf("%s Device configured\n", ui.RenderPass("✓"))
		fmt.Printf("   Operator: %s\n", strings.TrimSpace(operator))
		fmt.Printf("   Site: %s (%s)\n", site.Name, site.City)
	},
}

func setupForm(ctx context.Context, st *store.Store, sites []store.Site, operator, siteID *string) error {
	if len(sites) == 0 {
		return fmt.Errorf("no sites cached; connect to the server and run 'tb sites --refresh'")
	}
	if *operator == "" {
		*operator, _, _ = st.GetSetting(ctx, store.SettingOperator)
	}
	if *siteID == "" {
		*siteID, _, _ = st.GetSetting(ctx, store.SettingSiteID)
	}

	options := make([]huh.Option[string], 0, len(sites))
	for _, s := range sites {
		options = append(options, huh.NewOption(fmt.Sprintf("%s, %s", s.Name, s.City), s.ID))
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Operator").Value(operator).Validate(func(v string) error {
				if strings.TrimSpace(v) == "" {
					return fmt.Errorf("operator is required")
				}
				return nil
			}),
			huh.NewSelect[string]().Title("Point of sale").Options(options...).Value(siteID),
		),
	).Run()
}

func findSite(sites []store.Site, id string) (store.Site, error) {
	for _, s := range sites {
		if s.ID == id {
			return s, nil
		}
	}
	if len(sites) == 0 {
		return store.Site{}, fmt.Errorf("no sites cached; connect to the server and run 'tb sites --refresh'")
	}
	return store.Site{}, fmt.Errorf("unknown site %q; run 'tb sites' to list them", id)
}

func init() {
	setupCmd.Flags().String("operator", "", "operator name")
	setupCmd.Flags().String("site", "", "site ID (see 'tb sites')")
	rootCmd.AddCommand(setupCmd)
}
