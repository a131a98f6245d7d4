package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/adred-codev/ipcd/internal/client"
	"github.com/adred-codev/ipcd/internal/session"
)

var registerSecret string

var registerCmd = &cobra.Command{
	Use:   "register <instance-id>",
	Short: "Claim an instance name and save the session",
	Long: `Register claims an instance identifier with the broker and saves the
returned session token for later commands.

Identifiers are 1-32 characters: letters, digits, hyphen, underscore.
Messages addressed to the name before it was registered are already
waiting in its queue.

Examples:
  # Single-user machine, no shared secret
  ipc register backend

  # Broker started with IPC_SHARED_SECRET
  ipc register backend --secret team-secret`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

func init() {
	registerCmd.Flags().StringVar(&registerSecret, "secret", "", "shared secret (default: $IPC_SHARED_SECRET)")
}

func runRegister(cmd *cobra.Command, args []string) error {
	instanceID := args[0]

	secret := registerSecret
	if secret == "" {
		secret = os.Getenv("IPC_SHARED_SECRET")
	}
	var authToken string
	if secret != "" {
		authToken = session.RegistrationToken(instanceID, secret)
	}

	resp, err := client.New(brokerAddr).Register(instanceID, authToken)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return errors.New(resp.Message)
	}

	path, err := sessionPath()
	if err != nil {
		return err
	}
	if err := client.SaveSession(path, client.Session{
		InstanceID:   instanceID,
		SessionToken: resp.SessionToken,
	}); err != nil {
		return err
	}

	fmt.Println(resp.Message)
	fmt.Printf("Session saved to %s\n", path)
	return nil
}
