package sync

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"fieldsync/cmd/client/cmd/types"
	"fieldsync/internal/domain/record"
	"fieldsync/internal/domain/sync"
)

var checkServer bool

var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull every type and send queued changes",
	Long: `Runs one sync cycle: every entity type is refreshed from the server, then
the outbound queue is drained. Records that failed to send stay failed until
they are resent with 'fieldsync record resend'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		if checkServer {
			if err := app.CheckConnection(cmd.Context()); err != nil {
				return fmt.Errorf("server unavailable: %w", err)
			}
		}
		if _, err := app.Engine().Recover(cmd.Context()); err != nil {
			return err
		}

		result, err := app.Scheduler().ForceSync(cmd.Context())
		if result != nil {
			app.Engine().Wait()
			if printed, perr := types.Print(cmd, result); printed {
				if perr != nil {
					return perr
				}
			} else {
				printResult(result)
			}
		}
		if errors.Is(err, sync.ErrQueuePaused) || (err != nil && app.Engine().Paused()) {
			color.Yellow("Sending is paused until `fieldsync auth login`")
			return nil
		}
		return err
	},
}

var RefreshCmd = &cobra.Command{
	Use:   "refresh [type]",
	Short: "Pull remote changes without sending anything",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		var pulls []sync.PullResult
		if len(args) == 1 {
			t, err := types.ParseType(args[0])
			if err != nil {
				return err
			}
			pull, err := app.Engine().Refresh(cmd.Context(), t)
			if err != nil {
				return fmt.Errorf("refresh %s: %w", t, err)
			}
			pulls = append(pulls, pull)
		} else {
			pulls, err = app.Engine().RefreshAll(cmd.Context())
			if err != nil && len(pulls) == 0 {
				return fmt.Errorf("refresh: %w", err)
			}
			if err != nil {
				color.Yellow("Some types could not be refreshed: %v", err)
			}
		}

		if printed, err := types.Print(cmd, pulls); printed {
			return err
		}
		printPulls(pulls)
		return nil
	},
}

var DrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Send queued changes without pulling",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		if _, err := app.Engine().Recover(cmd.Context()); err != nil {
			return err
		}
		outcomes, err := app.Engine().Drain(cmd.Context())
		app.Engine().Wait()
		if errors.Is(err, sync.ErrQueuePaused) {
			color.Yellow("Sending is paused until `fieldsync auth login`")
			return nil
		}
		if err != nil {
			return err
		}

		if printed, err := types.Print(cmd, outcomes); printed {
			return err
		}
		if len(outcomes) == 0 {
			fmt.Println("Nothing to send")
		}
		types.PrintOutcomes(outcomes)
		return nil
	},
}

// status is what the status command reports.
type status struct {
	Server        string         `json:"server"`
	Authenticated bool           `json:"authenticated"`
	Paused        bool           `json:"paused"`
	Pending       int            `json:"pending"`
	Failed        map[string]int `json:"failed"`
	Unread        map[string]int `json:"unread"`
	LastContact   time.Time      `json:"last_contact,omitempty"`
	Reachable     *bool          `json:"reachable,omitempty"`
}

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and connection state",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		if _, err := app.Engine().Recover(cmd.Context()); err != nil {
			return err
		}

		st := status{
			Server:        app.Config().BaseURL(),
			Authenticated: app.Authenticated(),
			Paused:        app.Engine().Paused(),
			Pending:       app.Engine().Pending(),
			Failed:        map[string]int{},
			Unread:        map[string]int{},
		}
		for _, t := range record.AllEntityTypes() {
			records, err := app.Engine().List(cmd.Context(), t)
			if err != nil {
				return fmt.Errorf("list %s: %w", t, err)
			}
			for _, rec := range records {
				if rec.FailedToSend {
					st.Failed[t.String()]++
				}
				if rec.Unread {
					st.Unread[t.String()]++
				}
			}
		}
		if checkServer {
			ok := app.CheckConnection(cmd.Context()) == nil
			st.Reachable = &ok
			st.LastContact = app.LastContact()
		}

		if printed, err := types.Print(cmd, st); printed {
			return err
		}
		printStatus(st)
		return nil
	},
}

var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep syncing in the foreground until interrupted",
	Long: `Recovers interrupted operations and syncs on the configured interval.
When EVENTS_ADDRESS is set, record and sync events are streamed over a
websocket at ws://<address>/events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Syncing with %s every %s, press Ctrl+C to stop\n",
			app.Config().BaseURL(), app.Config().SyncEvery())
		if err := app.Run(ctx); err != nil {
			return err
		}

		stats := app.Scheduler().GetStats()
		fmt.Printf("Stopped after %d sync(s), %d sent, %d received, %d failed\n",
			stats.TotalSyncs, stats.TotalUploaded, stats.TotalDownloaded, stats.TotalFailed)
		return nil
	},
}

func printResult(result *sync.SyncResult) {
	printPulls(result.Pulls)
	types.PrintOutcomes(result.Outcomes)
	for _, e := range result.Errors {
		color.Red("error: %s", e)
	}
	if result.Success {
		color.Green("Sync finished in %s", result.Duration.Round(time.Millisecond))
	}
}

func printPulls(pulls []sync.PullResult) {
	for _, p := range pulls {
		if p.Fetched == 0 {
			fmt.Printf("%s: up to date\n", p.Type)
			continue
		}
		fmt.Printf("%s: %d fetched, %d new, %d merged, %d deleted, %d skipped\n",
			p.Type, p.Fetched, p.Inserted, p.Merged, p.Deleted, p.Skipped)
	}
}

func printStatus(st status) {
	fmt.Printf("Server:        %s\n", st.Server)
	if st.Reachable != nil {
		if *st.Reachable {
			color.Green("Reachable:     yes")
		} else {
			color.Red("Reachable:     no")
		}
	}
	fmt.Printf("Authenticated: %t\n", st.Authenticated)
	if st.Paused {
		color.Yellow("Sending:       paused")
	} else {
		fmt.Println("Sending:       active")
	}
	fmt.Printf("Pending:       %d\n", st.Pending)
	for _, t := range record.AllEntityTypes() {
		failed, unread := st.Failed[t.String()], st.Unread[t.String()]
		if failed == 0 && unread == 0 {
			continue
		}
		fmt.Printf("  %-18s %d failed, %d unread\n", t, failed, unread)
	}
}

func init() {
	SyncCmd.Flags().BoolVar(&checkServer, "check", false, "check the server is reachable first")
	StatusCmd.Flags().BoolVar(&checkServer, "check", false, "check whether the server is reachable")
}
