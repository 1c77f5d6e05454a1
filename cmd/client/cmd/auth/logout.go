package auth

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"fieldsync/cmd/client/cmd/types"
)

var LogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored API token",
	Long:  `Removes the token. Local records and queued changes are kept and sent after the next login.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}
		if err := app.Logout(cmd.Context()); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		color.Green("Token removed")
		return nil
	},
}

type status struct {
	Authenticated bool   `json:"authenticated"`
	Paused        bool   `json:"paused"`
	Server        string `json:"server"`
}

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a token is stored",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		st := status{
			Authenticated: app.Authenticated(),
			Paused:        app.Engine().Paused(),
			Server:        app.Config().BaseURL(),
		}
		if printed, err := types.Print(cmd, st); printed {
			return err
		}

		fmt.Printf("Server: %s\n", st.Server)
		if st.Authenticated {
			color.Green("Token: stored")
		} else {
			color.Yellow("Token: missing, run `fieldsync auth login`")
		}
		if st.Paused {
			color.Yellow("Outbound queue: paused")
		}
		return nil
	},
}
