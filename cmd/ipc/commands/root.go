// Package commands implements the CLI commands for talking to the broker.
package commands

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/adred-codev/ipcd/internal/client"
)

// Global flags.
var (
	brokerAddr  string
	sessionFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ipc",
	Short: "Message other assistant instances on this machine",
	Long: `ipc talks to the local message broker (ipcd) over TCP.

Register a name once, then send, broadcast, check and rename from any
shell. The session credential is saved under your home directory and
reused by every command.

Use "ipc [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&brokerAddr, "addr", client.DefaultAddr, "broker address (host:port)")
	rootCmd.PersistentFlags().StringVar(&sessionFile, "session-file", "", "session file path (default: ~/.ipc-session)")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(broadcastCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(renameCmd)
}

// sessionPath resolves the --session-file flag or the default location.
func sessionPath() (string, error) {
	if sessionFile != "" {
		return sessionFile, nil
	}
	return client.DefaultSessionPath()
}

// loadSession is the common preamble of every authenticated command.
func loadSession() (*client.Session, error) {
	path, err := sessionPath()
	if err != nil {
		return nil, err
	}
	s, err := client.LoadSession(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("no session found; run \"ipc register <instance-id>\" first")
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
