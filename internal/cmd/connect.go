package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var connectCmd = &cobra.Command{
	Use:   "connect <session>",
	Short: "Attach a terminal to a running session",
	Long: `Refresh the session's credentials and attach the caller's terminal.

Detaching (tmux detach, or closing the terminal) leaves the session
running; reconnect with the same command.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func init() {
	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	mgr, _, err := loadManager()
	if err != nil {
		return err
	}

	if err := mgr.Connect(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to connect to session %s: %w", args[0], err)
	}
	return nil
}
