package auth

import (
	"github.com/spf13/cobra"
)

// AuthCmd is the parent of the session commands.
var AuthCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the API token",
	Long:  `Store, remove and inspect the bearer token used to talk to the server.`,
}
