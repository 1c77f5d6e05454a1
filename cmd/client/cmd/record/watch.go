package record

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fieldsync/cmd/client/cmd/types"
)

var watchSync bool

var WatchCmd = &cobra.Command{
	Use:   "watch <type>",
	Short: "Print the record list every time it changes",
	Long: `Prints a fresh snapshot of the local table whenever it changes. With --sync
the background scheduler runs too, so remote changes show up as they are pulled.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}
		t, err := types.ParseType(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stream, err := app.Engine().ObserveRecords(ctx, t)
		if err != nil {
			return err
		}
		defer stream.Close()

		g, gctx := errgroup.WithContext(ctx)
		if watchSync {
			g.Go(func() error {
				return app.Run(gctx)
			})
		}
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case records, ok := <-stream.C():
					if !ok {
						return nil
					}
					if printed, err := types.Print(cmd, records); printed {
						if err != nil {
							return err
						}
						continue
					}
					fmt.Printf("\n%s  %s\n", time.Now().Format(time.TimeOnly), t.DisplayName())
					printTable(records)
				}
			}
		})

		return ignoreCanceled(g.Wait())
	},
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func init() {
	WatchCmd.Flags().BoolVar(&watchSync, "sync", false, "run background sync while watching")
}
