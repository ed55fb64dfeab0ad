package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/tombolacan/tombola/internal/export"
	"github.com/tombolacan/tombola/internal/record"
	"github.com/tombolacan/tombola/internal/store"
	"github.com/tombolacan/tombola/internal/ui"
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "records",
	Short:   "List recorded participations",
	Long: `List participations stored on this device, oldest first.

Examples:
  tb list --status error,conflict
  tb list --since yesterday
  tb list --since "3 days ago" --limit 20
  tb list --json > participations.jsonl`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		statusFlags, _ := cmd.Flags().GetStringSlice("status")
		sinceFlag, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		filter, err := buildFilter(statusFlags, sinceFlag, limit, time.Now())
		if err != nil {
			fatal("%v", err)
		}

		st := openStore(ctx)
		defer st.Close()

		records, err := st.List(ctx, filter)
		if err != nil {
			fatal("failed to list participations: %v", err)
		}

		if asJSON {
			if _, err := export.WriteJSONL(os.Stdout, records, export.Options{}); err != nil {
				fatal("%v", err)
			}
			return
		}

		if len(records) == 0 {
			fmt.Println("No participations found")
			return
		}
		for _, rec := range records {
			fmt.Printf("%s  %-20s %-10s %s %s\n",
				rec.CreatedAt.Local().Format("2006-01-02 15:04"),
				rec.InvoiceNumber,
				ui.RenderStatus(rec.Status),
				rec.Fields.LastName,
				rec.Fields.FirstName,
			)
			if rec.LastError != "" {
				fmt.Printf("   %s\n", ui.RenderMuted(rec.LastError))
			}
		}
		fmt.Printf("\n%d participations\n", len(records))
	},
}

// buildFilter turns CLI flags into a store filter.
func buildFilter(statuses []string, since string, limit int, now time.Time) (store.Filter, error) {
	var filter store.Filter
	for _, raw := range statuses {
		status, err := record.ParseStatus(strings.TrimSpace(raw))
		if err != nil {
			return filter, err
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if since != "" {
		t, err := parseSince(since, now)
		if err != nil {
			return filter, err
		}
		filter.Since = t
	}
	if limit < 0 {
		return filter, fmt.Errorf("limit cannot be negative")
	}
	filter.Limit = limit
	return filter, nil
}

// parseSince accepts a date, an RFC 3339 timestamp or a natural language
// expression such as "yesterday" or "3 days ago".
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", s)
	}
	return r.Time, nil
}

func init() {
	f := listCmd.Flags()
	f.StringSlice("status", nil, "only these statuses (pending, syncing, synced, error, conflict)")
	f.String("since", "", `only records created since this time ("yesterday", "2 hours ago", 2026-03-01)`)
	f.Int("limit", 0, "maximum number of records (0 = all)")
	f.Bool("json", false, "print records as JSON lines")

	rootCmd.AddCommand(listCmd)
}
