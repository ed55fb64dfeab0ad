package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombolacan/tombola/internal/export"
	"github.com/tombolacan/tombola/internal/record"
	"github.com/tombolacan/tombola/internal/store"
	"github.com/tombolacan/tombola/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "records",
	Short:   "Export participations as JSON lines",
	Long: `Write participations to a JSONL file, one record per line.

By default only records that need an operator (error and conflict) are
exported, so they can be checked against the server out of band.

Examples:
  tb export -o conflicts.jsonl
  tb export --all --attachments -o backup.jsonl`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		output, _ := cmd.Flags().GetString("output")
		all, _ := cmd.Flags().GetBool("all")
		withAttachments, _ := cmd.Flags().GetBool("attachments")

		filter := store.Filter{IncludeAttachment: withAttachments}
		if !all {
			filter.Statuses = []record.Status{record.StatusError, record.StatusConflict}
		}

		st := openStore(ctx)
		defer st.Close()

		records, err := st.List(ctx, filter)
		if err != nil {
			fatal("failed to list participations: %v", err)
		}

		opts := export.Options{IncludeAttachment: withAttachments}
		if output == "" || output == "-" {
			if _, err := export.WriteJSONL(os.Stdout, records, opts); err != nil {
				fatal("%v", err)
			}
			return
		}

		n, err := export.WriteFile(output, records, opts)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Exported %d participations to %s\n", ui.RenderPass("✓"), n, output)
	},
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	exportCmd.Flags().Bool("all", false, "export every record, not only errors and conflicts")
	exportCmd.Flags().Bool("attachments", false, "include attachment bytes still held locally")

	rootCmd.AddCommand(exportCmd)
}
