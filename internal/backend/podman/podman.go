// Package podman implements the local single-host backend on top of the
// podman CLI. Isolation is namespace based: each session gets an internal
// network that cannot reach the host network, and the only dual-homed
// container on it is the session's egress relay.
package podman

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/bbrowning/paude/internal/backend"
	"github.com/bbrowning/paude/internal/creds"
	"github.com/bbrowning/paude/internal/mount"
	"github.com/bbrowning/paude/internal/netpolicy"
	"github.com/bbrowning/paude/internal/session"
)

// Runner executes podman and returns combined output. Tests inject a fake.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// InteractiveRunner executes podman with the caller's terminal attached.
type InteractiveRunner func(ctx context.Context, args ...string) error

// Config for the podman backend.
type Config struct {
	// Image is the default session workload image.
	Image string
	// RelayImage runs the egress relay.
	RelayImage string
	// CredentialTimeoutMinutes is handed to the in-container watchdog.
	// Zero disables it.
	CredentialTimeoutMinutes int
	// ExtraMounts are validated host paths mounted into the workload.
	ExtraMounts []*mount.Mount

	Runner      Runner
	Interactive InteractiveRunner
	Logger      *slog.Logger
}

// Backend drives podman.
type Backend struct {
	image       string
	relayImage  string
	credMinutes int
	extraMounts []*mount.Mount
	run         Runner
	interactive InteractiveRunner
	logger      *slog.Logger
}

// New creates a podman backend.
func New(cfg Config) *Backend {
	b := &Backend{
		image:       cfg.Image,
		relayImage:  cfg.RelayImage,
		credMinutes: cfg.CredentialTimeoutMinutes,
		extraMounts: cfg.ExtraMounts,
		run:         cfg.Runner,
		interactive: cfg.Interactive,
		logger:      cfg.Logger,
	}
	if b.run == nil {
		b.run = func(ctx context.Context, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, "podman", args...).CombinedOutput()
		}
	}
	if b.interactive == nil {
		b.interactive = func(ctx context.Context, args ...string) error {
			cmd := exec.CommandContext(ctx, "podman", args...)
			cmd.Stdin = os.Stdin
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			return cmd.Run()
		}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

func (b *Backend) Kind() string { return "podman" }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Isolation: netpolicy.Capability{
			Mechanism: netpolicy.MechanismNamespace,
			RelayPort: netpolicy.DefaultRelayPort,
		},
		DurableStorage:    false, // workspace lives on the host
		MultiplexedAttach: true,  // tmux entrypoint
	}
}

func workloadName(sess *session.Session) string { return "paude-" + sess.ID }
func relayName(sess *session.Session) string    { return "paude-relay-" + sess.ID }
func networkName(sess *session.Session) string  { return "paude-" + sess.ID }

// Provision creates the isolated network, the relay, and the workload, in
// that order. Any failure undoes this attempt's resources.
func (b *Backend) Provision(ctx context.Context, sess *session.Session, plan *netpolicy.Plan, bundle *creds.Bundle, opts backend.ProvisionOptions) error {
	if opts.Rebuild {
		if out, err := b.run(ctx, "pull", b.imageFor(sess)); err != nil {
			return b.classify("pull image", sess.ID, out, err)
		}
	}

	rollback := backend.NewRollback(b.logger)
	fail := func(op string, out []byte, err error) error {
		cause := b.classify(op, sess.ID, out, err)
		return &backend.PartialProvisionError{
			Op: "provision", SessionID: sess.ID, Err: cause,
			CleanupErrs: rollback.Run(ctx),
		}
	}

	for _, res := range plan.Resources {
		switch res.Kind {
		case netpolicy.ResourceNetwork:
			created, out, err := b.ensureNetwork(ctx, res.Name)
			if err != nil {
				return fail("create network", out, err)
			}
			if created {
				name := res.Name
				rollback.Add("network "+name, func(ctx context.Context) error {
					_, err := b.run(ctx, "network", "rm", "-f", name)
					return err
				})
			}

		case netpolicy.ResourceRelay:
			if out, err := b.startRelay(ctx, sess, plan); err != nil {
				return fail("start relay", out, err)
			}
			name := res.Name
			rollback.Add("relay "+name, func(ctx context.Context) error {
				_, err := b.run(ctx, "kill", name)
				return err
			})

		case netpolicy.ResourceWorkload:
			if out, err := b.startWorkload(ctx, sess, plan, bundle); err != nil {
				return fail("start workload", out, err)
			}
		}
	}

	rollback.Discard()
	return nil
}

// ensureNetwork creates the internal network if missing and reports
// whether this call created it.
func (b *Backend) ensureNetwork(ctx context.Context, name string) (bool, []byte, error) {
	if _, err := b.run(ctx, "network", "exists", name); err == nil {
		return false, nil, nil
	}
	// --internal drops the gateway: containers on this network cannot
	// reach anything outside it.
	out, err := b.run(ctx, "network", "create", "--internal", name)
	if err != nil {
		return false, out, err
	}
	return true, nil, nil
}

// startRelay runs the relay dual-homed: the isolated network plus the
// default podman network for upstream reachability.
func (b *Backend) startRelay(ctx context.Context, sess *session.Session, plan *netpolicy.Plan) ([]byte, error) {
	args := []string{
		"run", "-d", "--rm",
		"--name", plan.RelayName,
		"--network", fmt.Sprintf("%s,podman", networkName(sess)),
		"-e", "PAUDE_ALLOWED_DOMAINS=" + strings.Join(plan.Domains, ","),
		b.relayImage,
		"--port", fmt.Sprintf("%d", plan.RelayPort),
	}
	return b.run(ctx, args...)
}

func (b *Backend) startWorkload(ctx context.Context, sess *session.Session, plan *netpolicy.Plan, bundle *creds.Bundle) ([]byte, error) {
	args := []string{
		"run", "-d", "--rm",
		"--name", workloadName(sess),
		"--hostname", "paude",
		"-w", sess.Workspace,
		"-v", fmt.Sprintf("%s:%s", sess.Workspace, sess.Workspace),
	}

	if plan.Restricted() {
		args = append(args, "--network", networkName(sess))
		proxyURL := "http://" + plan.RelayEndpoint
		for _, key := range []string{"HTTP_PROXY", "HTTPS_PROXY", "http_proxy", "https_proxy"} {
			args = append(args, "-e", key+"="+proxyURL)
		}
		args = append(args, "-e", "NO_PROXY=localhost,127.0.0.1")
	}

	for _, art := range bundle.Artifacts {
		spec := fmt.Sprintf("%s:%s", art.Source, art.Target)
		if art.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	for _, m := range b.extraMounts {
		spec := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}

	if b.credMinutes > 0 {
		args = append(args,
			"-e", fmt.Sprintf("PAUDE_CREDENTIAL_TIMEOUT=%d", b.credMinutes),
			"-e", "PAUDE_CREDENTIAL_WATCHDOG=1",
		)
	}

	args = append(args, b.imageFor(sess))
	return b.run(ctx, args...)
}

func (b *Backend) imageFor(sess *session.Session) string {
	if sess.Image != "" {
		return sess.Image
	}
	return b.image
}

// TeardownWorkload kills the workload and relay. The internal network is
// inert without members and stays for the next start.
func (b *Backend) TeardownWorkload(ctx context.Context, sess *session.Session) error {
	if out, err := b.run(ctx, "kill", workloadName(sess)); err != nil && !notFound(out) {
		return b.classify("kill workload", sess.ID, out, err)
	}
	if out, err := b.run(ctx, "kill", relayName(sess)); err != nil && !notFound(out) {
		return b.classify("kill relay", sess.ID, out, err)
	}
	return nil
}

// Destroy removes containers and the network. Missing resources are fine;
// destroy converges on nothing left.
func (b *Backend) Destroy(ctx context.Context, sess *session.Session) error {
	if err := b.TeardownWorkload(ctx, sess); err != nil {
		return err
	}
	if out, err := b.run(ctx, "network", "rm", "-f", networkName(sess)); err != nil && !notFound(out) {
		return b.classify("remove network", sess.ID, out, err)
	}
	return nil
}

// Attach joins the workload's tmux session. Detaching leaves the agent
// running; a second attach lands in the same session.
func (b *Backend) Attach(ctx context.Context, sess *session.Session) error {
	err := b.interactive(ctx, "exec", "-it", workloadName(sess),
		"tmux", "new-session", "-A", "-s", "main")
	if err != nil {
		return fmt.Errorf("attach %s: %w", sess.ID, err)
	}
	return nil
}

// RefreshCredentials restores live credential copies from the read-only
// seeds. Bind mounts already reflect the host, so only the seeded (copied)
// artifacts need restoring after an eviction.
func (b *Backend) RefreshCredentials(ctx context.Context, sess *session.Session, bundle *creds.Bundle) error {
	out, err := b.run(ctx, "exec", workloadName(sess), "paude-watchdog", "restore")
	if err != nil {
		return b.classify("restore credentials", sess.ID, out, err)
	}
	return nil
}

func (b *Backend) Status(ctx context.Context, sess *session.Session) (backend.Status, error) {
	out, err := b.run(ctx, "inspect", "--format", "{{.State.Status}}", workloadName(sess))
	if err != nil {
		if notFound(out) {
			return backend.Status{Phase: backend.PhaseNotFound}, nil
		}
		return backend.Status{Phase: backend.PhaseUnknown}, b.classify("inspect", sess.ID, out, err)
	}
	state := strings.TrimSpace(string(out))
	switch state {
	case "running":
		return backend.Status{Phase: backend.PhaseRunning, Detail: state}, nil
	case "created", "initialized":
		return backend.Status{Phase: backend.PhasePending, Detail: state}, nil
	case "exited", "stopped":
		return backend.Status{Phase: backend.PhaseStopped, Detail: state}, nil
	default:
		return backend.Status{Phase: backend.PhaseUnknown, Detail: state}, nil
	}
}

func notFound(out []byte) bool {
	s := strings.ToLower(string(out))
	return strings.Contains(s, "no such container") ||
		strings.Contains(s, "no such network") ||
		strings.Contains(s, "network not found") ||
		strings.Contains(s, "no container with name")
}

// classify maps podman failures onto the shared taxonomy so the manager
// can retry what is worth retrying.
func (b *Backend) classify(op, sessionID string, out []byte, err error) error {
	msg := strings.ToLower(string(out))
	wrapped := err
	if len(out) > 0 {
		wrapped = fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "access denied"):
		return backend.Auth(op, sessionID, wrapped)
	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporarily") ||
		strings.Contains(msg, "connection refused"):
		return backend.Transient(op, sessionID, wrapped)
	default:
		return fmt.Errorf("%s %s: %w", op, sessionID, wrapped)
	}
}
