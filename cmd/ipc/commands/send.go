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

var sendData string

var sendCmd = &cobra.Command{
	Use:   "send <to-id> <message>...",
	Short: "Send a message to one instance",
	Long: `Send queues a message for another instance. The recipient does not have
to be registered yet: the message waits for up to a week. If the
recipient renamed itself recently, the broker forwards automatically.

Examples:
  ipc send backend "build finished, artifacts in /tmp/out"
  ipc send backend deploy ready --data '{"version":"1.4.2"}'`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendData, "data", "", "attach a JSON object to the message")
}

func runSend(cmd *cobra.Command, args []string) error {
	sess, err := loadSession()
	if err != nil {
		return err
	}

	msg := protocol.Payload{Content: strings.Join(args[1:], " ")}
	if sendData != "" {
		if err := json.Unmarshal([]byte(sendData), &msg.Data); err != nil {
			return fmt.Errorf("parsing --data: %w", err)
		}
	}

	resp, err := client.New(brokerAddr).Send(sess.SessionToken, args[0], msg)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return errors.New(resp.Message)
	}

	fmt.Println(resp.Message)
	return nil
}
