package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bbrowning/paude/internal/changeset"
	"github.com/bbrowning/paude/internal/session"
)

var diffCmd = &cobra.Command{
	Use:   "diff <session>",
	Short: "Show workspace changes since the session was created",
	Long: `Compare the workspace against the baseline snapshot taken at
'paude create' and print what the agent created, modified and deleted.

Only meaningful for local sessions, where the workspace is the host
directory itself; a cluster session's workspace lives in its volume.`,
	Args: cobra.ExactArgs(1),
	RunE: runDiff,
}

func init() {
	rootCmd.AddCommand(diffCmd)
}

// snapshotPath is the baseline snapshot location for a session.
func snapshotPath(store *session.Store, id string) string {
	return filepath.Join(store.Dir(), id+".snapshot")
}

func runDiff(cmd *cobra.Command, args []string) error {
	store, err := session.NewStore()
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	sess, err := store.Load(args[0])
	if err != nil {
		return err
	}

	baseline, err := changeset.Load(snapshotPath(store, sess.ID))
	if err != nil {
		return fmt.Errorf("no baseline snapshot for session %s: %w", sess.ID, err)
	}

	current, err := changeset.Take(sess.Workspace)
	if err != nil {
		return fmt.Errorf("failed to scan workspace: %w", err)
	}

	changeset.PrintSummary(os.Stdout, sess.Workspace, changeset.Diff(baseline, current))
	return nil
}
