package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adred-codev/ipcd/internal/client"
)

var renameCmd = &cobra.Command{
	Use:   "rename <new-id>",
	Short: "Move your identity to a new name",
	Long: `Rename moves your queue, session and registration to a new identifier.
The old name keeps forwarding incoming messages for two hours and every
other instance gets a notification. One rename per hour per identity.

Examples:
  ipc rename backend-staging`,
	Args: cobra.ExactArgs(1),
	RunE: runRename,
}

func runRename(cmd *cobra.Command, args []string) error {
	sess, err := loadSession()
	if err != nil {
		return err
	}

	newID := args[0]
	resp, err := client.New(brokerAddr).Rename(sess.SessionToken, newID)
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
	sess.InstanceID = newID
	if err := client.SaveSession(path, *sess); err != nil {
		return fmt.Errorf("renamed, but updating session file failed: %w", err)
	}

	fmt.Println(resp.Message)
	return nil
}
