package record

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fieldsync/cmd/client/cmd/types"
	"fieldsync/internal/domain/record"
)

var unreadOnly bool

var ListCmd = &cobra.Command{
	Use:   "list <type>",
	Short: "List local records of a type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}
		t, err := types.ParseType(args[0])
		if err != nil {
			return err
		}

		records, err := app.Engine().List(cmd.Context(), t)
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		if unreadOnly {
			filtered := records[:0]
			for _, rec := range records {
				if rec.Unread {
					filtered = append(filtered, rec)
				}
			}
			records = filtered
		}

		if printed, err := types.Print(cmd, records); printed {
			return err
		}
		printTable(records)
		return nil
	},
}

var GetCmd = &cobra.Command{
	Use:   "get <type> <local-id>",
	Short: "Show one record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}
		t, localID, err := types.TypeAndID(args)
		if err != nil {
			return err
		}

		rec, err := app.Engine().Get(cmd.Context(), t, localID)
		if err != nil {
			return fmt.Errorf("get: %w", err)
		}
		refs, err := app.Engine().References(cmd.Context(), t, localID)
		if err != nil {
			return fmt.Errorf("get references: %w", err)
		}

		view := struct {
			*record.Record
			References []record.Reference `json:"references,omitempty"`
		}{rec, refs}
		if printed, err := types.Print(cmd, view); printed {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Type:\t%s\n", rec.Type.DisplayName())
		fmt.Fprintf(w, "Local ID:\t%d\n", rec.LocalID)
		fmt.Fprintf(w, "Remote ID:\t%s\n", orDash(rec.RemoteID))
		fmt.Fprintf(w, "Domain key:\t%s\n", orDash(rec.DomainKey))
		fmt.Fprintf(w, "State:\t%s\n", stateLabel(rec))
		fmt.Fprintf(w, "Unread:\t%t\n", rec.Unread)
		fmt.Fprintf(w, "Created:\t%s\n", rec.CreatedAt.Local().Format(time.DateTime))
		fmt.Fprintf(w, "Updated:\t%s\n", rec.UpdatedAt.Local().Format(time.DateTime))
		if rec.Attachment != "" {
			fmt.Fprintf(w, "Attachment:\t%s\n", rec.Attachment)
		}
		for _, ref := range refs {
			fmt.Fprintf(w, "Reference:\t%s %s\n", ref.Kind, ref.Key)
		}
		fmt.Fprintf(w, "Payload:\t%s\n", string(rec.Payload))
		return w.Flush()
	},
}

var ReadCmd = &cobra.Command{
	Use:   "read <type> <local-id>",
	Short: "Mark a received record as read",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}
		t, localID, err := types.TypeAndID(args)
		if err != nil {
			return err
		}
		return app.Engine().MarkRead(cmd.Context(), t, localID)
	},
}

func printTable(records []*record.Record) {
	if len(records) == 0 {
		fmt.Println("No records")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREMOTE\tKEY\tSTATE\tUPDATED\t")
	for _, rec := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t\n",
			rec.LocalID,
			shortID(rec.RemoteID),
			orDash(rec.DomainKey),
			stateLabel(rec),
			rec.UpdatedAt.Local().Format(time.DateTime),
		)
	}
	_ = w.Flush()
}

func stateLabel(rec *record.Record) string {
	label := rec.State.String()
	if rec.FailedToSend {
		label += " (failed to send)"
	}
	if rec.Unread {
		label += " *"
	}
	return label
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return orDash(id)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	ListCmd.Flags().BoolVar(&unreadOnly, "unread", false, "only records not yet read")
}
