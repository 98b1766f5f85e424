package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	debug       bool
	backendFlag string
	allowFlags  []string
)

// Debug prints a message if debug mode is enabled
func Debug(format string, args ...interface{}) {
	if debug {
		fmt.Printf("[DEBUG] "+format+"\n", args...)
	}
}

var rootCmd = &cobra.Command{
	Use:   "paude",
	Short: "Paude - network-isolated sandboxes for Claude Code",
	Long: `Paude provisions isolated, network-restricted sessions for an autonomous
coding agent, locally with podman or on a remote cluster.

Create and start a session for the current directory:
  paude create
  paude start <session>

Connect a terminal:
  paude connect <session>

Manage sessions:
  paude list
  paude stop <session>
  paude delete <session> --confirm <session>`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initLogging)

	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.paude/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "", "backend to use: podman or kube (default from config)")
	rootCmd.PersistentFlags().StringSliceVar(&allowFlags, "allow", nil,
		"network allowlist entry: preset name, domain, *.wildcard, or all/none (repeatable)")
}

func initLogging() {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
