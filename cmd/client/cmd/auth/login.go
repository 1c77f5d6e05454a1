package auth

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"fieldsync/cmd/client/cmd/types"
)

var (
	tokenFromStdin bool
	skipCheck      bool
)

var LoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the API token",
	Long: `Stores the bearer token and resumes an outbound queue paused by an
authentication failure. The token is read without echo unless --stdin is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		token, err := readToken()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := app.Login(ctx, token); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		color.Green("Token stored")

		if skipCheck {
			return nil
		}
		if err := app.CheckConnection(ctx); err != nil {
			color.Yellow("Server unreachable (%v), changes will be sent later", err)
			return nil
		}
		color.Green("Server reachable")

		return nil
	},
}

func readToken() (string, error) {
	if tokenFromStdin || !term.IsTerminal(int(os.Stdin.Fd())) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	fmt.Print("API token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func init() {
	LoginCmd.Flags().BoolVar(&tokenFromStdin, "stdin", false, "read the token from standard input")
	LoginCmd.Flags().BoolVar(&skipCheck, "no-check", false, "do not contact the server after storing the token")
}
