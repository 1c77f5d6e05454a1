package record

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"fieldsync/cmd/client/cmd/types"
)

var resendAll bool

var ResendCmd = &cobra.Command{
	Use:   "resend <type> [local-id]",
	Short: "Retry records that failed to send",
	Long:  `Failed creates are never retried automatically. resend queues one of them, or all of a type with --all.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}
		t, err := types.ParseType(args[0])
		if err != nil {
			return err
		}

		switch {
		case resendAll && len(args) == 2:
			return errors.New("use either a local id or --all")
		case resendAll:
			n, err := app.Engine().ResendAllFailed(cmd.Context(), t)
			if err != nil {
				return fmt.Errorf("resend: %w", err)
			}
			fmt.Printf("Queued %d %s record(s)\n", n, t)
			if n == 0 {
				return nil
			}
		case len(args) == 2:
			localID, err := types.ParseLocalID(args[1])
			if err != nil {
				return err
			}
			if err := app.Engine().ResendFailed(cmd.Context(), t, localID); err != nil {
				return fmt.Errorf("resend: %w", err)
			}
		default:
			return errors.New("local id or --all is required")
		}

		return flush(cmd.Context(), app)
	},
}

func init() {
	ResendCmd.Flags().BoolVar(&resendAll, "all", false, "resend every failed record of the type")
	addSendFlag(ResendCmd)
}
