package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <session>",
	Short: "Stop a running session",
	Long: `Stop a session's workload. The workspace and session record survive,
so 'paude start' brings the session back. Stopping a stopped session is
a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	mgr, _, err := loadManager()
	if err != nil {
		return err
	}

	sess, err := mgr.Stop(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to stop session %s: %w", args[0], err)
	}

	fmt.Printf("Session %s stopped.\n", sess.ID)
	return nil
}
