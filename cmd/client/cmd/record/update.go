package record

import (
	"fmt"

	"github.com/spf13/cobra"

	"fieldsync/cmd/client/cmd/types"
)

var (
	updatePayload string
	updateFile    string
)

var UpdateCmd = &cobra.Command{
	Use:   "update <type> <local-id>",
	Short: "Replace the payload of a record",
	Long: `Replaces the payload. A record the server has not seen yet is edited in
place; otherwise the update is queued and rolled back if the server rejects it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}
		t, localID, err := types.TypeAndID(args)
		if err != nil {
			return err
		}
		payload, err := types.ReadPayload(updatePayload, updateFile)
		if err != nil {
			return err
		}

		if err := app.Engine().RequestUpdate(cmd.Context(), t, localID, payload); err != nil {
			return fmt.Errorf("update: %w", err)
		}
		return flush(cmd.Context(), app)
	},
}

var DeleteCmd = &cobra.Command{
	Use:   "delete <type> <local-id>",
	Short: "Delete a record",
	Long:  `Deletes a record locally and on the server. A record the server never saw is removed right away.`,
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

		if err := app.Engine().RequestDelete(cmd.Context(), t, localID); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		return flush(cmd.Context(), app)
	},
}

var CancelCmd = &cobra.Command{
	Use:   "cancel <type> <local-id>",
	Short: "Withdraw a queued change that has not been sent",
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

		if _, err := app.Engine().Recover(cmd.Context()); err != nil {
			return err
		}
		if err := app.Engine().Cancel(cmd.Context(), t, localID); err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		fmt.Printf("Cancelled %s #%d\n", t, localID)
		return nil
	},
}

func init() {
	UpdateCmd.Flags().StringVarP(&updatePayload, "payload", "p", "", "new payload as JSON")
	UpdateCmd.Flags().StringVarP(&updateFile, "file", "f", "", "read the payload from a JSON file")
	addSendFlag(UpdateCmd)
	addSendFlag(DeleteCmd)
}
