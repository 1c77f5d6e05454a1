package record

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"fieldsync/cmd/client/cmd/types"
	"fieldsync/internal/app/client"
	"fieldsync/internal/domain/sync"
)

// RecordCmd is the parent of the record commands.
var RecordCmd = &cobra.Command{
	Use:     "record",
	Aliases: []string{"records"},
	Short:   "Manage local records",
	Long: `Create, edit, delete and inspect locally cached records.

Types: chat, situation_report, eod_report, markup_feature, device_track.`,
}

var sendNow bool

func addSendFlag(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&sendNow, "send", true, "try to send queued changes right away")
}

// flush drains the queue when asked to. Network trouble is not an error:
// the change stays queued and is reported as such.
func flush(ctx context.Context, app *client.App) error {
	if !sendNow {
		fmt.Println("Queued")
		return nil
	}

	if _, err := app.Engine().Recover(ctx); err != nil {
		return err
	}
	outcomes, err := app.Engine().Drain(ctx)
	app.Engine().Wait()
	switch {
	case errors.Is(err, sync.ErrQueuePaused):
		color.Yellow("Queued, sending is paused until `fieldsync auth login`")
		return nil
	case err != nil:
		return err
	}

	types.PrintOutcomes(outcomes)
	return nil
}
