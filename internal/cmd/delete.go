package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bbrowning/paude/internal/session"
)

var deleteConfirm string

var deleteCmd = &cobra.Command{
	Use:   "delete <session>",
	Short: "Destroy a session and its resources",
	Long: `Destroy every substrate resource of a session, including its durable
workspace storage, and remove the session record.

This is irreversible, so the session name must be repeated:
  paude delete myapp-1a2b3c4d --confirm myapp-1a2b3c4d`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
	deleteCmd.Flags().StringVar(&deleteConfirm, "confirm", "", "session name, repeated to confirm deletion")
}

func runDelete(cmd *cobra.Command, args []string) error {
	mgr, _, err := loadManager()
	if err != nil {
		return err
	}

	if err := mgr.Delete(cmd.Context(), args[0], deleteConfirm); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", args[0], err)
	}

	// Drop the baseline snapshot alongside the record.
	if store, err := session.NewStore(); err == nil {
		_ = os.Remove(snapshotPath(store, args[0]))
	}

	fmt.Printf("Session %s deleted.\n", args[0])
	return nil
}
