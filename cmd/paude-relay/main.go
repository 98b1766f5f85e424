package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bbrowning/paude/internal/relay"
)

var (
	port  int
	allow []string
)

var rootCmd = &cobra.Command{
	Use:   "paude-relay",
	Short: "Egress relay for paude sessions",
	Long: `paude-relay is the single egress path for an isolated session. It is a
forward proxy that permits HTTP and CONNECT requests only to allowlisted
domains and rejects everything else.

The allowlist comes from --allow flags or, when none are given, from the
comma-separated PAUDE_ALLOWED_DOMAINS environment variable.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().IntVar(&port, "port", 3128, "listen port")
	rootCmd.Flags().StringSliceVar(&allow, "allow", nil, "allowed domain or *.wildcard (repeatable)")
}

func run(cmd *cobra.Command, args []string) error {
	domains := allow
	if len(domains) == 0 {
		if env := os.Getenv("PAUDE_ALLOWED_DOMAINS"); env != "" {
			for _, d := range strings.Split(env, ",") {
				if d = strings.TrimSpace(d); d != "" {
					domains = append(domains, d)
				}
			}
		}
	}
	if len(domains) == 0 {
		return fmt.Errorf("no allowed domains: set --allow or PAUDE_ALLOWED_DOMAINS")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	server, err := relay.NewServer(relay.ServerConfig{
		Addr:           fmt.Sprintf(":%d", port),
		AllowedDomains: domains,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.Start(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
