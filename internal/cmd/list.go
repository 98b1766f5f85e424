package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls", "ps"},
	Short:   "List sessions",
	Long:    `List all sessions with their recorded state and live substrate status.`,
	RunE:    runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	mgr, _, err := loadManager()
	if err != nil {
		return err
	}

	infos, err := mgr.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	// Create tabwriter for aligned output
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tBACKEND\tWORKSPACE\tSTATE\tSTATUS\tNETWORK")
	_, _ = fmt.Fprintln(w, "----\t-------\t---------\t-----\t------\t-------")

	for _, info := range infos {
		sess := info.Session
		status := string(info.Status.Phase)
		if info.Status.Detail != "" {
			status = fmt.Sprintf("%s (%s)", status, info.Status.Detail)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			sess.ID,
			sess.Backend,
			sess.Workspace,
			sess.State,
			status,
			sess.Restriction,
		)
	}

	_ = w.Flush()
	return nil
}
