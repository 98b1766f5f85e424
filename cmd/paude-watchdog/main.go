package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bbrowning/paude/internal/creds"
	"github.com/bbrowning/paude/internal/watchdog"
)

var rootCmd = &cobra.Command{
	Use:   "paude-watchdog",
	Short: "In-session credential watchdog",
	Long: `paude-watchdog runs inside a session workload. It watches for user
activity (attached terminals, agent CPU usage, workspace writes) and
removes the session's live credential copies after a bounded quiet
period. The seeds survive eviction, so a later 'restore' or a reconnect
brings the credentials back.

The inactivity timeout in minutes comes from PAUDE_CREDENTIAL_TIMEOUT;
zero or unset disables the watchdog.`,
	RunE: runWatch,
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Copy credential seeds back into their live locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return creds.RestoreSeeds("")
	},
}

func init() {
	rootCmd.AddCommand(restoreCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	minutes := 0
	if env := os.Getenv("PAUDE_CREDENTIAL_TIMEOUT"); env != "" {
		v, err := strconv.Atoi(env)
		if err != nil {
			return fmt.Errorf("invalid PAUDE_CREDENTIAL_TIMEOUT %q: %w", env, err)
		}
		minutes = v
	}
	if minutes <= 0 {
		logger.Info("credential watchdog disabled")
		return nil
	}

	wd, err := watchdog.New(watchdog.Config{
		Timeout: time.Duration(minutes) * time.Minute,
		Signals: []watchdog.Signal{
			watchdog.NewAttachSignal(""),
			watchdog.NewCPUSignal([]string{"claude", "node"}, 0.05),
			watchdog.NewFileSignal("/workspace", creds.LiveClaudeDir),
		},
		Evict: func(ctx context.Context) error {
			return creds.EvictLive("")
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return wd.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
