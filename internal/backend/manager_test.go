package backend

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/bbrowning/paude/internal/creds"
	"github.com/bbrowning/paude/internal/netpolicy"
	"github.com/bbrowning/paude/internal/session"
)

// fakeBackend records calls and lets tests inject failures and latency.
type fakeBackend struct {
	kind string
	caps Capabilities

	mu          sync.Mutex
	provisions  int32
	teardowns   int
	destroys    int
	refreshes   int
	attaches    int
	provisionFn func(ctx context.Context) error
	status      Status
	lastPlan    *netpolicy.Plan
}

func newFakeBackend(kind string) *fakeBackend {
	return &fakeBackend{
		kind: kind,
		caps: Capabilities{
			Isolation: netpolicy.Capability{
				Mechanism:   netpolicy.MechanismPolicy,
				SharedRelay: true,
				RelayPort:   netpolicy.DefaultRelayPort,
			},
			DurableStorage:    true,
			MultiplexedAttach: true,
		},
		status: Status{Phase: PhaseRunning},
	}
}

func (f *fakeBackend) Kind() string               { return f.kind }
func (f *fakeBackend) Capabilities() Capabilities { return f.caps }

func (f *fakeBackend) Provision(ctx context.Context, sess *session.Session, plan *netpolicy.Plan, bundle *creds.Bundle, opts ProvisionOptions) error {
	atomic.AddInt32(&f.provisions, 1)
	f.mu.Lock()
	f.lastPlan = plan
	fn := f.provisionFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (f *fakeBackend) TeardownWorkload(ctx context.Context, sess *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
	return nil
}

func (f *fakeBackend) Destroy(ctx context.Context, sess *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	return nil
}

func (f *fakeBackend) Attach(ctx context.Context, sess *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attaches++
	return nil
}

func (f *fakeBackend) RefreshCredentials(ctx context.Context, sess *session.Session, bundle *creds.Bundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

func (f *fakeBackend) Status(ctx context.Context, sess *session.Session) (Status, error) {
	return f.status, nil
}

func newTestManager(t *testing.T, b *fakeBackend) (*Manager, *session.Store) {
	t.Helper()
	store, err := session.NewStoreAt(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)
	m := NewManager(store, map[string]Backend{b.kind: b},
		WithClock(testingclock.NewFakePassiveClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))),
		WithBundleFunc(func() (*creds.Bundle, error) { return &creds.Bundle{}, nil }),
	)
	return m, store
}

func TestCreatePersistsRecordOnly(t *testing.T) {
	b := newFakeBackend("kube")
	m, store := newTestManager(t, b)

	ws := t.TempDir()
	sess, err := m.Create(context.Background(), CreateOptions{
		Backend: "kube", Workspace: ws, Allowlist: []string{"npm", "github"},
	})
	require.NoError(t, err)
	assert.Equal(t, session.StateCreated, sess.State)
	assert.Equal(t, session.RestrictionCustom, sess.Restriction)
	assert.Equal(t, session.DeriveName(ws), sess.ID)
	assert.Equal(t, int32(0), atomic.LoadInt32(&b.provisions))

	loaded, err := store.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.ID)
}

func TestCreateDefaultsToRestricted(t *testing.T) {
	b := newFakeBackend("kube")
	m, _ := newTestManager(t, b)

	sess, err := m.Create(context.Background(), CreateOptions{Backend: "kube", Workspace: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, session.RestrictionDefault, sess.Restriction)
	assert.Equal(t, netpolicy.DefaultSpecs, sess.Allowlist)
}

func TestCreateUnrestrictedOptIn(t *testing.T) {
	b := newFakeBackend("kube")
	m, _ := newTestManager(t, b)

	sess, err := m.Create(context.Background(), CreateOptions{
		Backend: "kube", Workspace: t.TempDir(), Allowlist: []string{"all"},
	})
	require.NoError(t, err)
	assert.Equal(t, session.RestrictionNone, sess.Restriction)
}

func TestCreateRejectsSameWorkspaceOnOtherBackend(t *testing.T) {
	// The session name is derived from the workspace path alone, so two
	// backends would collide on the same record. The first session wins;
	// its record, and with it the backend kind, must survive untouched.
	podman := newFakeBackend("podman")
	kube := newFakeBackend("kube")
	store, err := session.NewStoreAt(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)
	m := NewManager(store, map[string]Backend{"podman": podman, "kube": kube},
		WithBundleFunc(func() (*creds.Bundle, error) { return &creds.Bundle{}, nil }),
	)

	ws := t.TempDir()
	sess, err := m.Create(context.Background(), CreateOptions{Backend: "podman", Workspace: ws})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), CreateOptions{Backend: "kube", Workspace: ws})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.ErrorContains(t, err, "already exists")

	loaded, err := store.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "podman", loaded.Backend)
}

func TestCreateRejectsWorkspaceCollision(t *testing.T) {
	b := newFakeBackend("kube")
	m, _ := newTestManager(t, b)

	ws := t.TempDir()
	_, err := m.Create(context.Background(), CreateOptions{Backend: "kube", Workspace: ws})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), CreateOptions{Backend: "kube", Workspace: ws})
	assert.True(t, IsValidation(err))
	assert.ErrorContains(t, err, "already has a session")
}

func TestCreateRejectsMissingWorkspace(t *testing.T) {
	b := newFakeBackend("kube")
	m, _ := newTestManager(t, b)

	_, err := m.Create(context.Background(), CreateOptions{
		Backend: "kube", Workspace: filepath.Join(t.TempDir(), "absent"),
	})
	assert.True(t, IsValidation(err))
}

func TestCreateRejectsUnknownBackend(t *testing.T) {
	b := newFakeBackend("kube")
	m, _ := newTestManager(t, b)

	_, err := m.Create(context.Background(), CreateOptions{Backend: "vax", Workspace: t.TempDir()})
	assert.True(t, IsValidation(err))
}

func TestStartLifecycle(t *testing.T) {
	b := newFakeBackend("kube")
	m, store := newTestManager(t, b)

	sess, err := m.Create(context.Background(), CreateOptions{Backend: "kube", Workspace: t.TempDir()})
	require.NoError(t, err)

	started, err := m.Start(context.Background(), sess.ID, ProvisionOptions{})
	require.NoError(t, err)
	assert.Equal(t, session.StateRunning, started.State)
	assert.NotNil(t, started.StartedAt)
	assert.Equal(t, int32(1), atomic.LoadInt32(&b.provisions))

	// The compiled plan reached the backend with deny ordered first.
	require.NotNil(t, b.lastPlan)
	assert.Equal(t, netpolicy.ResourceDenyPolicy, b.lastPlan.Resources[0].Kind)

	loaded, err := store.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateRunning, loaded.State)

	// Starting a running session is a no-op.
	_, err = m.Start(context.Background(), sess.ID, ProvisionOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&b.provisions))
}

func TestStartFailureKeepsRecordUnchanged(t *testing.T) {
	b := newFakeBackend("kube")
	b.provisionFn = func(ctx context.Context) error {
		return errors.New("image pull failed")
	}
	m, store := newTestManager(t, b)

	sess, err := m.Create(context.Background(), CreateOptions{Backend: "kube", Workspace: t.TempDir()})
	require.NoError(t, err)

	_, err = m.Start(context.Background(), sess.ID, ProvisionOptions{})
	require.Error(t, err)
	// The surfaced error names the attempt so it can be matched
	// against the provisioning log lines.
	assert.Contains(t, err.Error(), "provision attempt ")

	loaded, err := store.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateCreated, loaded.State)
	assert.Nil(t, loaded.StartedAt)
}

func TestStartRetriesTransientProvisionFailure(t *testing.T) {
	b := newFakeBackend("kube")
	b.provisionFn = func(ctx context.Context) error {
		if atomic.LoadInt32(&b.provisions) < 2 {
			return Transient("provision", "s", errors.New("etcd leader changed"))
		}
		return nil
	}
	m, store := newTestManager(t, b)

	sess, err := m.Create(context.Background(), CreateOptions{Backend: "kube", Workspace: t.TempDir()})
	require.NoError(t, err)

	started, err := m.Start(context.Background(), sess.ID, ProvisionOptions{})
	require.NoError(t, err)
	assert.Equal(t, session.StateRunning, started.State)
	assert.Equal(t, int32(2), atomic.LoadInt32(&b.provisions))

	loaded, err := store.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateRunning, loaded.State)
}

func TestConcurrentStartProvisionsOnce(t *testing.T) {
	b := newFakeBackend("kube")
	release := make(chan struct{})
	b.provisionFn = func(ctx context.Context) error {
		<-release
		return nil
	}
	m, _ := newTestManager(t, b)

	sess, err := m.Create(context.Background(), CreateOptions{Backend: "kube", Workspace: t.TempDir()})
	require.NoError(t, err)

	const racers = 4
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Start(context.Background(), sess.ID, ProvisionOptions{})
		}(i)
	}

	// Let the first racer reach the backend, then unblock everyone.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&b.provisions))
}

func TestStopAndRestart(t *testing.T) {
	b := newFakeBackend("kube")
	m, _ := newTestManager(t, b)

	sess, err := m.Create(context.Background(), CreateOptions{Backend: "kube", Workspace: t.TempDir()})
	require.NoError(t, err)
	_, err = m.Start(context.Background(), sess.ID, ProvisionOptions{})
	require.NoError(t, err)

	stopped, err := m.Stop(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateStopped, stopped.State)
	assert.NotNil(t, stopped.StoppedAt)
	assert.Equal(t, 1, b.teardowns)

	// Stop is idempotent.
	_, err = m.Stop(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, b.teardowns)

	// A stopped session starts again.
	restarted, err := m.Start(context.Background(), sess.ID, ProvisionOptions{})
	require.NoError(t, err)
	assert.Equal(t, session.StateRunning, restarted.State)
}

func TestStopCreatedSessionRejected(t *testing.T) {
	b := newFakeBackend("kube")
	m, _ := newTestManager(t, b)

	sess, err := m.Create(context.Background(), CreateOptions{Backend: "kube", Workspace: t.TempDir()})
	require.NoError(t, err)

	_, err = m.Stop(context.Background(), sess.ID)
	assert.True(t, IsValidation(err))
}

func TestDeleteRequiresMatchingConfirmation(t *testing.T) {
	b := newFakeBackend("kube")
	m, store := newTestManager(t, b)

	sess, err := m.Create(context.Background(), CreateOptions{Backend: "kube", Workspace: t.TempDir()})
	require.NoError(t, err)

	err = m.Delete(context.Background(), sess.ID, "yes")
	assert.True(t, IsValidation(err))
	assert.Equal(t, 0, b.destroys)

	require.NoError(t, m.Delete(context.Background(), sess.ID, sess.ID))
	assert.Equal(t, 1, b.destroys)
	_, err = store.Load(sess.ID)
	assert.Error(t, err)
}

func TestConnectRefreshesThenAttaches(t *testing.T) {
	b := newFakeBackend("kube")
	m, _ := newTestManager(t, b)

	sess, err := m.Create(context.Background(), CreateOptions{Backend: "kube", Workspace: t.TempDir()})
	require.NoError(t, err)

	// Connect before start is rejected.
	err = m.Connect(context.Background(), sess.ID)
	assert.True(t, IsValidation(err))

	_, err = m.Start(context.Background(), sess.ID, ProvisionOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Connect(context.Background(), sess.ID))
	assert.Equal(t, 1, b.refreshes)
	assert.Equal(t, 1, b.attaches)
}

func TestListMergesStatus(t *testing.T) {
	b := newFakeBackend("kube")
	b.status = Status{Phase: PhaseStopped, Detail: "replicas 0"}
	m, store := newTestManager(t, b)

	sess, err := m.Create(context.Background(), CreateOptions{Backend: "kube", Workspace: t.TempDir()})
	require.NoError(t, err)

	// A record for a backend this manager does not know stays unknown.
	require.NoError(t, store.Save(&session.Session{
		ID: "orphan-00000000", Backend: "podman", Workspace: "/w", State: session.StateStopped,
	}))

	infos, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byID := map[string]Info{}
	for _, info := range infos {
		byID[info.Session.ID] = info
	}
	assert.Equal(t, PhaseStopped, byID[sess.ID].Status.Phase)
	assert.Equal(t, PhaseUnknown, byID["orphan-00000000"].Status.Phase)
}

func TestPlanForDryRun(t *testing.T) {
	b := newFakeBackend("kube")
	m, store := newTestManager(t, b)

	plan, err := m.PlanFor(CreateOptions{
		Backend: "kube", Workspace: "/w/proj", Allowlist: []string{"anthropic"},
	})
	require.NoError(t, err)
	assert.True(t, plan.Restricted())
	assert.NotEmpty(t, plan.Resources)

	// Nothing persisted.
	sessions, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
