package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"

	"fieldsync/cmd/client/cmd/auth"
	"fieldsync/cmd/client/cmd/record"
	"fieldsync/cmd/client/cmd/sync"
	"fieldsync/cmd/client/cmd/types"
	"fieldsync/internal/app/client"
	"fieldsync/internal/app/client/config"
	"fieldsync/internal/utils/logger"
)

var (
	cfgFile    string
	debug      bool
	jsonOutput bool
	yamlOutput bool
	serverAddr string
	app        *client.App
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "fieldsync - offline-first field data client",
	Long: `fieldsync keeps chat messages, situation reports, EOD reports, map markup
and device tracks in a local store and synchronizes them with the server.

Every change is accepted locally first and sent when the server is reachable.`,
	PersistentPreRunE:  setupApp,
	PersistentPostRunE: closeApp,
	SilenceUsage:       true,
	SilenceErrors:      true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupApp(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serverAddr != "" {
		cfg.ServerAddress = serverAddr
	}

	level := cfg.LogLevel
	if debug {
		level = "debug"
	}
	log := logger.NewWithLevel(cfg.Env, level)
	slog.SetDefault(log)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	app, err = client.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}

	ctx = context.WithValue(ctx, types.ClientAppKey, app)
	ctx = context.WithValue(ctx, types.OutputKey, types.Output{JSON: jsonOutput, YAML: yamlOutput})
	cmd.SetContext(ctx)

	return nil
}

func closeApp(_ *cobra.Command, _ []string) error {
	if app == nil {
		return nil
	}
	return app.Close()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().BoolVar(&yamlOutput, "yaml", false, "print results as YAML")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "server address (host:port)")
	rootCmd.MarkFlagsMutuallyExclusive("json", "yaml")

	auth.AuthCmd.AddCommand(auth.LoginCmd, auth.LogoutCmd, auth.StatusCmd)
	rootCmd.AddCommand(auth.AuthCmd)

	record.RecordCmd.AddCommand(
		record.SubmitCmd,
		record.UpdateCmd,
		record.DeleteCmd,
		record.ResendCmd,
		record.CancelCmd,
		record.ListCmd,
		record.GetCmd,
		record.ReadCmd,
		record.WatchCmd,
	)
	rootCmd.AddCommand(record.RecordCmd)

	rootCmd.AddCommand(sync.SyncCmd, sync.RefreshCmd, sync.DrainCmd, sync.StatusCmd, sync.RunCmd)
}
