package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adred-codev/ipcd/internal/client"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Drain and print your pending messages",
	Long: `Check fetches everything queued for you, oldest first, and empties the
queue. Messages survive broker restarts until checked.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	sess, err := loadSession()
	if err != nil {
		return err
	}

	resp, err := client.New(brokerAddr).Check(sess.SessionToken)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return errors.New(resp.Message)
	}

	if len(resp.Messages) == 0 {
		fmt.Println("No new messages")
		return nil
	}

	fmt.Printf("%d new message(s):\n\n", len(resp.Messages))
	for _, m := range resp.Messages {
		fmt.Printf("From: %s\n", m.From)
		fmt.Printf("Time: %s\n", m.Timestamp)
		fmt.Println(m.Message.Content)
		if len(m.Message.Data) > 0 {
			if raw, err := json.MarshalIndent(m.Message.Data, "", "  "); err == nil {
				fmt.Printf("Data: %s\n", raw)
			}
		}
		fmt.Println(strings.Repeat("-", 50))
	}
	return nil
}
