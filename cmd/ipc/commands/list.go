package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adred-codev/ipcd/internal/client"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show active instances",
	Long: `List shows every registered instance and when it last talked to the
broker. Names with queued messages that never registered do not appear.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func runList(cmd *cobra.Command, args []string) error {
	sess, err := loadSession()
	if err != nil {
		return err
	}

	resp, err := client.New(brokerAddr).List(sess.SessionToken)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return errors.New(resp.Message)
	}

	if len(resp.Instances) == 0 {
		fmt.Println("No active instances found")
		return nil
	}

	fmt.Println("Active instances:")
	for _, inst := range resp.Instances {
		fmt.Printf("  %-32s  last seen %s\n", inst.ID, inst.LastSeen)
	}
	return nil
}
