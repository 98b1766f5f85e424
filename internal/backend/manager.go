package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/bbrowning/paude/internal/creds"
	"github.com/bbrowning/paude/internal/netpolicy"
	"github.com/bbrowning/paude/internal/session"
)

// BundleFunc builds the credential bundle for a provision attempt.
type BundleFunc func() (*creds.Bundle, error)

// Manager is the lifecycle facade the CLI talks to. It owns the session
// store, validates state transitions, and serializes operations per
// session so concurrent invocations cannot double-provision.
type Manager struct {
	store    *session.Store
	backends map[string]Backend
	bundle   BundleFunc
	clock    clock.PassiveClock
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBundleFunc overrides credential bundle construction.
func WithBundleFunc(fn BundleFunc) ManagerOption {
	return func(m *Manager) { m.bundle = fn }
}

// WithClock overrides the clock, for tests.
func WithClock(clk clock.PassiveClock) ManagerOption {
	return func(m *Manager) { m.clock = clk }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a Manager over one or more backends.
func NewManager(store *session.Store, backends map[string]Backend, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		backends: backends,
		clock:    clock.RealClock{},
		logger:   slog.Default(),
		locks:    map[string]*sync.Mutex{},
	}
	m.bundle = func() (*creds.Bundle, error) {
		b, err := creds.NewBuilder("")
		if err != nil {
			return nil, err
		}
		return b.Build()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lock serializes operations on one session id. The returned func
// releases the lock.
func (m *Manager) lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) backend(kind string) (Backend, error) {
	b, ok := m.backends[kind]
	if !ok {
		return nil, Validationf("resolve backend", "", "unknown backend %q", kind)
	}
	return b, nil
}

// CreateOptions describe a new session.
type CreateOptions struct {
	Backend   string
	Workspace string
	Allowlist []string
	Image     string
}

// PlanFor compiles the isolation plan a create with these options would
// apply, without persisting anything. Used for dry runs.
func (m *Manager) PlanFor(opts CreateOptions) (*netpolicy.Plan, error) {
	b, err := m.backend(opts.Backend)
	if err != nil {
		return nil, err
	}
	workspace, err := filepath.Abs(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	list := netpolicy.ParseAllowlist(specsOrDefault(opts.Allowlist))
	return netpolicy.Compile(list, b.Capabilities().Isolation, session.DeriveName(workspace))
}

// Create validates the request and persists a new session record in state
// created. No substrate resources are touched until Start.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*session.Session, error) {
	b, err := m.backend(opts.Backend)
	if err != nil {
		return nil, err
	}

	workspace, err := filepath.Abs(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	info, err := os.Stat(workspace)
	if err != nil || !info.IsDir() {
		return nil, Validationf("create", "", "workspace is not a directory: %s", workspace)
	}

	// One session per (backend, workspace) pair.
	existing, err := m.store.FindByWorkspace(opts.Backend, workspace)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, Validationf("create", existing.ID,
			"workspace %s already has a session on backend %s", workspace, opts.Backend)
	}

	specs := specsOrDefault(opts.Allowlist)
	list := netpolicy.ParseAllowlist(specs)

	// The id is a pure function of the workspace path, so the same
	// workspace created on another backend would land on the same
	// record. The backend kind of a session never changes; reject
	// rather than overwrite.
	id := session.DeriveName(workspace)
	byID, err := m.store.Find(id)
	if err != nil {
		return nil, err
	}
	if byID != nil {
		return nil, Validationf("create", id,
			"session %s already exists on backend %s", id, byID.Backend)
	}

	if _, err := netpolicy.Compile(list, b.Capabilities().Isolation, id); err != nil {
		return nil, fmt.Errorf("failed to compile isolation plan: %w", err)
	}

	sess := &session.Session{
		ID:          id,
		Backend:     opts.Backend,
		Workspace:   workspace,
		Restriction: restrictionFor(opts.Allowlist, list),
		Allowlist:   specs,
		State:       session.StateCreated,
		Image:       opts.Image,
		CreatedAt:   m.clock.Now(),
	}
	if err := m.store.Save(sess); err != nil {
		return nil, err
	}
	m.logger.Info("session created", "session", id, "backend", opts.Backend, "workspace", workspace)
	return sess, nil
}

// Start brings a session to running. All-or-nothing: the record only
// changes after the backend reports success, and a concurrent start of
// the same session waits and then observes it already running.
func (m *Manager) Start(ctx context.Context, id string, opts ProvisionOptions) (*session.Session, error) {
	unlock := m.lock(id)
	defer unlock()

	sess, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	if sess.State == session.StateRunning {
		return sess, nil
	}
	if !session.CanTransition(sess.State, session.StateRunning) {
		return nil, Validationf("start", id, "cannot start a %s session", sess.State)
	}

	b, err := m.backend(sess.Backend)
	if err != nil {
		return nil, err
	}
	plan, err := m.planFor(sess, b)
	if err != nil {
		return nil, err
	}
	bundle, err := m.bundle()
	if err != nil {
		return nil, fmt.Errorf("failed to build credential bundle: %w", err)
	}

	// Attempt id correlates the provision log lines of retried starts.
	attempt := uuid.NewString()[:8]
	m.logger.Info("provisioning session",
		"session", id, "backend", sess.Backend, "attempt", attempt,
		"domains", len(plan.Domains), "restricted", plan.Restricted())

	// Each attempt is all-or-nothing, so retrying a transient failure
	// starts from a clean substrate.
	err = Retry(ctx, DefaultBackoff, func(ctx context.Context) error {
		return b.Provision(ctx, sess, plan, bundle, opts)
	})
	if err != nil {
		m.logger.Warn("provision failed", "session", id, "attempt", attempt, "error", err)
		// Carry the attempt id on the surfaced error so it can be
		// matched against the provisioning log lines.
		return nil, fmt.Errorf("provision attempt %s: %w", attempt, err)
	}

	now := m.clock.Now()
	sess.State = session.StateRunning
	sess.StartedAt = &now
	sess.LastActivity = &now
	if err := m.store.Save(sess); err != nil {
		return nil, err
	}
	m.logger.Info("session started", "session", id, "backend", sess.Backend)
	return sess, nil
}

// Stop tears down the workload but keeps the workspace and the session
// record, so Start can bring it back.
func (m *Manager) Stop(ctx context.Context, id string) (*session.Session, error) {
	unlock := m.lock(id)
	defer unlock()

	sess, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	if sess.State == session.StateStopped {
		return sess, nil
	}
	if !session.CanTransition(sess.State, session.StateStopped) {
		return nil, Validationf("stop", id, "cannot stop a %s session", sess.State)
	}

	b, err := m.backend(sess.Backend)
	if err != nil {
		return nil, err
	}
	if err := b.TeardownWorkload(ctx, sess); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	sess.State = session.StateStopped
	sess.StoppedAt = &now
	if err := m.store.Save(sess); err != nil {
		return nil, err
	}
	m.logger.Info("session stopped", "session", id)
	return sess, nil
}

// Delete destroys every substrate resource and removes the record. The
// confirmation value must be the session id; anything else is rejected
// before the substrate is touched.
func (m *Manager) Delete(ctx context.Context, id, confirm string) error {
	unlock := m.lock(id)
	defer unlock()

	sess, err := m.store.Load(id)
	if err != nil {
		return err
	}
	if confirm != sess.ID {
		return Validationf("delete", id, "confirmation %q does not match session id", confirm)
	}

	b, err := m.backend(sess.Backend)
	if err != nil {
		return err
	}
	if err := b.Destroy(ctx, sess); err != nil {
		return err
	}
	if err := m.store.Delete(id); err != nil {
		return err
	}
	m.logger.Info("session deleted", "session", id)
	return nil
}

// Connect refreshes credentials on the running workload and attaches the
// caller's terminal. The attach itself runs outside the session lock so a
// long interactive session does not block stop or delete.
func (m *Manager) Connect(ctx context.Context, id string) error {
	unlock := m.lock(id)

	sess, err := m.store.Load(id)
	if err != nil {
		unlock()
		return err
	}
	if sess.State != session.StateRunning {
		unlock()
		return Validationf("connect", id, "session is %s; start it first", sess.State)
	}

	b, err := m.backend(sess.Backend)
	if err != nil {
		unlock()
		return err
	}
	bundle, err := m.bundle()
	if err != nil {
		unlock()
		return fmt.Errorf("failed to build credential bundle: %w", err)
	}
	if err := b.RefreshCredentials(ctx, sess, bundle); err != nil {
		unlock()
		return err
	}

	now := m.clock.Now()
	sess.LastActivity = &now
	if err := m.store.Save(sess); err != nil {
		unlock()
		return err
	}
	unlock()

	return b.Attach(ctx, sess)
}

// Info pairs a stored session with its backend-observed status.
type Info struct {
	Session *session.Session
	Status  Status
}

// List merges stored records with live substrate status. Status probes
// are best effort; a failing backend reports phase unknown rather than
// failing the whole listing.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	sessions, err := m.store.List()
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		info := Info{Session: sess, Status: Status{Phase: PhaseUnknown}}
		if b, err := m.backend(sess.Backend); err == nil {
			if st, err := b.Status(ctx, sess); err == nil {
				info.Status = st
			} else {
				m.logger.Debug("status probe failed", "session", sess.ID, "error", err)
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (m *Manager) planFor(sess *session.Session, b Backend) (*netpolicy.Plan, error) {
	list := netpolicy.ParseAllowlist(sess.Allowlist)
	plan, err := netpolicy.Compile(list, b.Capabilities().Isolation, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to compile isolation plan: %w", err)
	}
	return plan, nil
}

func specsOrDefault(specs []string) []string {
	if len(specs) == 0 {
		return netpolicy.DefaultSpecs
	}
	return specs
}

func restrictionFor(requested []string, list *netpolicy.Allowlist) session.Restriction {
	switch {
	case list.AllowAll:
		return session.RestrictionNone
	case len(requested) == 0:
		return session.RestrictionDefault
	default:
		return session.RestrictionCustom
	}
}
