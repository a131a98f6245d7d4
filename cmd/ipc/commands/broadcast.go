package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adred-codev/ipcd/internal/client"
	"github.com/adred-codev/ipcd/internal/protocol"
)

var broadcastData string

var broadcastCmd = &cobra.Command{
	Use:   "broadcast <message>...",
	Short: "Send a message to every other instance",
	Long: `Broadcast queues a message for every other known instance, including
names that have pending messages but have not registered yet.

Examples:
  ipc broadcast "rebooting the test database in 5 minutes"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBroadcast,
}

func init() {
	broadcastCmd.Flags().StringVar(&broadcastData, "data", "", "attach a JSON object to the message")
}

func runBroadcast(cmd *cobra.Command, args []string) error {
	sess, err := loadSession()
	if err != nil {
		return err
	}

	msg := protocol.Payload{Content: strings.Join(args, " ")}
	if broadcastData != "" {
		if err := json.Unmarshal([]byte(broadcastData), &msg.Data); err != nil {
			return fmt.Errorf("parsing --data: %w", err)
		}
	}

	resp, err := client.New(brokerAddr).Broadcast(sess.SessionToken, msg)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return errors.New(resp.Message)
	}

	fmt.Println(resp.Message)
	return nil
}
