package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/bbrowning/paude/internal/backend"
	"github.com/bbrowning/paude/internal/changeset"
	"github.com/bbrowning/paude/internal/git"
	"github.com/bbrowning/paude/internal/netpolicy"
	"github.com/bbrowning/paude/internal/session"
)

var (
	createImage  string
	createDryRun bool
)

var createCmd = &cobra.Command{
	Use:   "create [workspace]",
	Short: "Create a session for a workspace",
	Long: `Create a session record for a workspace directory.

The session name is derived from the workspace path. No containers or
cluster resources exist until 'paude start'. One session per workspace
and backend.

By default the session's network egress is restricted to the agent's
API endpoints. Use --allow to widen or replace the allowlist:
  paude create --allow github --allow '*.golang.org'
  paude create --allow all    # no network restriction`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCreate,
}

func init() {
	rootCmd.AddCommand(createCmd)
	createCmd.Flags().StringVar(&createImage, "image", "", "session workload image (default from config)")
	createCmd.Flags().BoolVar(&createDryRun, "dry-run", false, "print the isolation plan without creating anything")
}

func runCreate(cmd *cobra.Command, args []string) error {
	workspace := "."
	if len(args) == 1 {
		workspace = args[0]
	} else if root := git.FindRoot("."); root != "" {
		// Running from inside a repo: the whole repo is the workspace.
		workspace = root
	}

	mgr, cfg, err := loadManager()
	if err != nil {
		return err
	}

	opts := backend.CreateOptions{
		Backend:   cfg.Backend,
		Workspace: workspace,
		Allowlist: allowlistOrConfig(cfg.Networks),
		Image:     createImage,
	}

	if createDryRun {
		plan, err := mgr.PlanFor(opts)
		if err != nil {
			return err
		}
		if !plan.Restricted() {
			fmt.Println("Warning: session would run with UNRESTRICTED network access.")
		}
		out, err := yaml.Marshal(plan)
		if err != nil {
			return fmt.Errorf("failed to render plan: %w", err)
		}
		fmt.Print(string(out))
		return nil
	}

	sess, err := mgr.Create(cmd.Context(), opts)
	if err != nil {
		return err
	}

	if sess.Restriction == session.RestrictionNone {
		fmt.Println("Warning: session has UNRESTRICTED network access.")
	}

	// Baseline snapshot for 'paude diff'. Best effort: a workspace too
	// large or racy to snapshot should not fail the create.
	if store, err := session.NewStore(); err == nil {
		if snap, err := changeset.Take(sess.Workspace); err == nil {
			if err := snap.Save(snapshotPath(store, sess.ID)); err != nil {
				Debug("failed to save baseline snapshot: %v", err)
			}
		} else {
			Debug("failed to snapshot workspace: %v", err)
		}
	}

	fmt.Printf("Created session %s (backend %s).\n", sess.ID, sess.Backend)
	fmt.Printf("Start it with: paude start %s\n", sess.ID)
	return nil
}

// allowlistOrConfig prefers explicit --allow flags over the configured
// networks. A config that still carries the built-in default is treated
// as unset, so such sessions record the default restriction rather than
// a custom one.
func allowlistOrConfig(configured []string) []string {
	if len(allowFlags) > 0 {
		return allowFlags
	}
	if slices.Equal(configured, netpolicy.DefaultSpecs) {
		return nil
	}
	return configured
}
