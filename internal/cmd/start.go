package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bbrowning/paude/internal/backend"
)

var startRebuild bool

var startCmd = &cobra.Command{
	Use:   "start <session>",
	Short: "Start a session",
	Long: `Provision and start a session's substrate resources.

Start is all-or-nothing: if any resource fails to come up, everything
provisioned in the attempt is rolled back and the session stays in its
previous state. Starting a running session is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().BoolVar(&startRebuild, "rebuild", false, "pull the workload image before starting")
}

func runStart(cmd *cobra.Command, args []string) error {
	mgr, _, err := loadManager()
	if err != nil {
		return err
	}

	sess, err := mgr.Start(cmd.Context(), args[0], backend.ProvisionOptions{Rebuild: startRebuild})
	if err != nil {
		return fmt.Errorf("failed to start session %s: %w", args[0], err)
	}

	fmt.Printf("Session %s is running.\n", sess.ID)
	fmt.Printf("Connect with: paude connect %s\n", sess.ID)
	return nil
}
