package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tombolacan/tombola/internal/record"
	"github.com/tombolacan/tombola/internal/remote"
	"github.com/tombolacan/tombola/internal/store"
	"github.com/tombolacan/tombola/internal/ui"
)

var submitInput submission

var submitCmd = &cobra.Command{
	Use:     "submit",
	GroupID: "records",
	Short:   "Record a participation on this device",
	Long: `Record a participation locally. It is queued for the next sync pass.

Missing fields are prompted for with an interactive form when running in a
terminal. The invoice number must not have been recorded on this device
before; when the remote is reachable it is also checked there first.

Examples:
  tb submit                                    # interactive form
  tb submit --invoice F-2291 --last-name Kone --first-name Awa \
            --phone "07 12 34 56 78" --amount 75000 --photo facture.jpg`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		checkRemote, _ := cmd.Flags().GetBool("check-remote")

		st := openStore(ctx)
		defer st.Close()

		siteID, operator := operatorSettings(ctx, st)

		if !submitInput.complete() {
			if !ui.Interactive() {
				fatal("missing fields; pass --invoice, --last-name, --first-name, --phone and --amount")
			}
			if err := submitInput.runForm(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Cancelled")
					return
				}
				fatal("%v", err)
			}
		}
		if err := submitInput.validate(); err != nil {
			fatal("%v", err)
		}

		invoice := record.NormalizeInvoice(submitInput.invoice)
		exists, err := st.ExistsByInvoice(ctx, invoice)
		if err != nil {
			fatal("failed to check invoice: %v", err)
		}
		if exists {
			fatal("invoice %s has already been recorded", invoice)
		}

		if checkRemote && cfg.Remote.URL != "" {
			if found, ok := existsRemotely(ctx, invoice); ok && found {
				fatal("invoice %s already exists on the server", invoice)
			}
		}

		photo, err := submitInput.attachment()
		if err != nil {
			fatal("%v", err)
		}

		rec, err := record.New(invoice, submitInput.fields(siteID, operator), photo)
		if err != nil {
			fatal("invalid participation: %v", err)
		}
		if err := st.Create(ctx, rec); err != nil {
			if errors.Is(err, store.ErrDuplicateInvoice) {
				fatal("invoice %s has already been recorded", invoice)
			}
			fatal("failed to save participation: %v", err)
		}

		fmt.Printf("%s Participation recorded\n", ui.RenderPass("✓"))
		fmt.Printf("   Invoice: %s\n", rec.InvoiceNumber)
		fmt.Printf("   Local ID: %s\n", rec.LocalID)
		fmt.Printf("   Status: %s\n", ui.RenderStatus(rec.Status))
		if cat, ok := categoryForAmount(rec.Fields.Amount); ok {
			fmt.Printf("   Category: %s (%s)\n", ui.RenderAccent(cat.label), cat.description)
		}
	},
}

// operatorSettings returns the site and operator saved by tb setup.
func operatorSettings(ctx context.Context, st *store.Store) (siteID, operator string) {
	siteID, okSite, err := st.GetSetting(ctx, store.SettingSiteID)
	if err != nil {
		fatal("failed to read settings: %v", err)
	}
	operator, okOp, err := st.GetSetting(ctx, store.SettingOperator)
	if err != nil {
		fatal("failed to read settings: %v", err)
	}
	if !okSite || !okOp {
		fatal("this device is not set up; run 'tb setup' first")
	}
	return siteID, operator
}

// existsRemotely asks the remote about invoice. ok is false when the
// remote could not answer; the local queue stays authoritative then.
func existsRemotely(ctx context.Context, invoice string) (found, ok bool) {
	client, err := newClient()
	if err != nil {
		return false, false
	}

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	found, err = client.ExistsByInvoice(callCtx, invoice)
	if err != nil {
		logger.Debug().Err(err).Str("kind", remote.Classify(err).String()).Msg("remote invoice check skipped")
		fmt.Fprintf(os.Stderr, "%s Server unreachable, invoice checked locally only\n", ui.RenderWarn("⚠"))
		return false, false
	}
	return found, true
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitInput.invoice, "invoice", "", "invoice number")
	f.StringVar(&submitInput.lastName, "last-name", "", "participant last name")
	f.StringVar(&submitInput.firstName, "first-name", "", "participant first name")
	f.StringVar(&submitInput.phone, "phone", "", "participant phone number")
	f.StringVar(&submitInput.amount, "amount", "", "purchase amount in FCFA")
	f.StringVar(&submitInput.photo, "photo", "", "path to the invoice photo (JPEG)")
	f.Bool("check-remote", true, "also check the invoice on the server when reachable")

	rootCmd.AddCommand(submitCmd)
}
