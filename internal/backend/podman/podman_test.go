package podman

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbrowning/paude/internal/backend"
	"github.com/bbrowning/paude/internal/creds"
	"github.com/bbrowning/paude/internal/netpolicy"
	"github.com/bbrowning/paude/internal/session"
)

// fakeRunner records every podman invocation and serves scripted
// responses matched by command prefix.
type fakeRunner struct {
	calls     []string
	responses map[string]fakeResponse
}

type fakeResponse struct {
	out []byte
	err error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: map[string]fakeResponse{}}
}

func (f *fakeRunner) respond(prefix string, out string, err error) {
	f.responses[prefix] = fakeResponse{out: []byte(out), err: err}
}

func (f *fakeRunner) run(ctx context.Context, args ...string) ([]byte, error) {
	call := strings.Join(args, " ")
	f.calls = append(f.calls, call)
	for prefix, resp := range f.responses {
		if strings.HasPrefix(call, prefix) {
			return resp.out, resp.err
		}
	}
	return nil, nil
}

func (f *fakeRunner) called(prefix string) bool {
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (f *fakeRunner) find(prefix string) string {
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return c
		}
	}
	return ""
}

func testSession() *session.Session {
	return &session.Session{
		ID:        "proj-abcd1234",
		Backend:   "podman",
		Workspace: "/home/user/proj",
		State:     session.StateCreated,
	}
}

func testBackend(run *fakeRunner) *Backend {
	// Fresh network on every test: "exists" fails until created.
	run.respond("network exists", "", errors.New("no such network"))
	return New(Config{
		Image:                    "quay.io/paude/paude:latest",
		RelayImage:               "quay.io/paude/paude-relay:latest",
		CredentialTimeoutMinutes: 60,
		Runner:                   run.run,
	})
}

func compilePlan(t *testing.T, b *Backend, sess *session.Session, specs []string) *netpolicy.Plan {
	t.Helper()
	plan, err := netpolicy.Compile(netpolicy.ParseAllowlist(specs), b.Capabilities().Isolation, sess.ID)
	require.NoError(t, err)
	return plan
}

func TestProvisionRestrictedOrdering(t *testing.T) {
	run := newFakeRunner()
	b := testBackend(run)
	sess := testSession()
	plan := compilePlan(t, b, sess, []string{"anthropic"})
	bundle := &creds.Bundle{Artifacts: []creds.Artifact{
		{Name: "gitconfig", Source: "/home/user/.gitconfig", Target: creds.TargetGitconfig, ReadOnly: true},
	}}

	require.NoError(t, b.Provision(context.Background(), sess, plan, bundle, backend.ProvisionOptions{}))

	netCall := run.find("network create")
	relayCall := run.find("run -d --rm --name paude-relay-proj-abcd1234")
	workloadCall := run.find("run -d --rm --name paude-proj-abcd1234")
	require.NotEmpty(t, netCall)
	require.NotEmpty(t, relayCall)
	require.NotEmpty(t, workloadCall)

	assert.Contains(t, netCall, "--internal paude-proj-abcd1234")
	assert.Contains(t, relayCall, "--network paude-proj-abcd1234,podman")
	assert.Contains(t, relayCall, "PAUDE_ALLOWED_DOMAINS=anthropic.com,api.anthropic.com")
	assert.Contains(t, relayCall, "--port 3128")

	// Workload joins only the isolated network by way of the proxy env.
	assert.Contains(t, workloadCall, "--network paude-proj-abcd1234")
	assert.NotContains(t, workloadCall, ",podman")
	assert.Contains(t, workloadCall, "HTTP_PROXY=http://paude-relay-proj-abcd1234:3128")
	assert.Contains(t, workloadCall, "https_proxy=http://paude-relay-proj-abcd1234:3128")
	assert.Contains(t, workloadCall, "-v /home/user/proj:/home/user/proj")
	assert.Contains(t, workloadCall, "-v /home/user/.gitconfig:/home/user/.gitconfig:ro")
	assert.Contains(t, workloadCall, "PAUDE_CREDENTIAL_TIMEOUT=60")

	// Network, then relay, then workload.
	var order []string
	for _, c := range run.calls {
		switch {
		case strings.HasPrefix(c, "network create"):
			order = append(order, "network")
		case strings.HasPrefix(c, "run -d --rm --name paude-relay-"):
			order = append(order, "relay")
		case strings.HasPrefix(c, "run -d --rm --name paude-proj"):
			order = append(order, "workload")
		}
	}
	assert.Equal(t, []string{"network", "relay", "workload"}, order)
}

func TestProvisionReusesExistingNetwork(t *testing.T) {
	run := newFakeRunner()
	b := testBackend(run)
	run.respond("network exists", "", nil)

	sess := testSession()
	plan := compilePlan(t, b, sess, []string{"anthropic"})
	require.NoError(t, b.Provision(context.Background(), sess, plan, &creds.Bundle{}, backend.ProvisionOptions{}))
	assert.False(t, run.called("network create"))
}

func TestProvisionUnrestricted(t *testing.T) {
	run := newFakeRunner()
	b := testBackend(run)
	sess := testSession()
	plan := compilePlan(t, b, sess, []string{"all"})

	require.NoError(t, b.Provision(context.Background(), sess, plan, &creds.Bundle{}, backend.ProvisionOptions{}))

	assert.False(t, run.called("network create"))
	assert.False(t, run.called("run -d --rm --name paude-relay-"))
	workloadCall := run.find("run -d --rm --name paude-proj-abcd1234")
	require.NotEmpty(t, workloadCall)
	assert.NotContains(t, workloadCall, "HTTP_PROXY")
	assert.NotContains(t, workloadCall, "--network paude-")
}

func TestProvisionRebuildPullsImage(t *testing.T) {
	run := newFakeRunner()
	b := testBackend(run)
	sess := testSession()
	plan := compilePlan(t, b, sess, []string{"anthropic"})

	require.NoError(t, b.Provision(context.Background(), sess, plan, &creds.Bundle{}, backend.ProvisionOptions{Rebuild: true}))
	assert.True(t, run.called("pull quay.io/paude/paude:latest"))
}

func TestProvisionFailureRollsBack(t *testing.T) {
	run := newFakeRunner()
	b := testBackend(run)
	run.respond("run -d --rm --name paude-proj", "image pull failed", errors.New("exit 125"))

	sess := testSession()
	plan := compilePlan(t, b, sess, []string{"anthropic"})
	err := b.Provision(context.Background(), sess, plan, &creds.Bundle{}, backend.ProvisionOptions{})

	var partial *backend.PartialProvisionError
	require.ErrorAs(t, err, &partial)
	assert.Empty(t, partial.CleanupErrs)

	// This attempt's relay and network were undone, newest first.
	assert.True(t, run.called("kill paude-relay-proj-abcd1234"))
	assert.True(t, run.called("network rm -f paude-proj-abcd1234"))
	killIdx, netIdx := -1, -1
	for i, c := range run.calls {
		if strings.HasPrefix(c, "kill paude-relay-") {
			killIdx = i
		}
		if strings.HasPrefix(c, "network rm") {
			netIdx = i
		}
	}
	assert.Less(t, killIdx, netIdx)
}

func TestProvisionFailureKeepsPreexistingNetwork(t *testing.T) {
	run := newFakeRunner()
	b := testBackend(run)
	run.respond("network exists", "", nil)
	run.respond("run -d --rm --name paude-proj", "boom", errors.New("exit 1"))

	sess := testSession()
	plan := compilePlan(t, b, sess, []string{"anthropic"})
	err := b.Provision(context.Background(), sess, plan, &creds.Bundle{}, backend.ProvisionOptions{})
	require.Error(t, err)
	assert.False(t, run.called("network rm"))
}

func TestTeardownWorkload(t *testing.T) {
	run := newFakeRunner()
	b := testBackend(run)
	sess := testSession()

	require.NoError(t, b.TeardownWorkload(context.Background(), sess))
	assert.True(t, run.called("kill paude-proj-abcd1234"))
	assert.True(t, run.called("kill paude-relay-proj-abcd1234"))
	assert.False(t, run.called("network rm"))
}

func TestTeardownToleratesMissingContainers(t *testing.T) {
	run := newFakeRunner()
	b := testBackend(run)
	run.respond("kill", "Error: no such container", errors.New("exit 125"))

	assert.NoError(t, b.TeardownWorkload(context.Background(), testSession()))
}

func TestDestroyRemovesNetwork(t *testing.T) {
	run := newFakeRunner()
	b := testBackend(run)
	sess := testSession()

	require.NoError(t, b.Destroy(context.Background(), sess))
	assert.True(t, run.called("network rm -f paude-proj-abcd1234"))
}

func TestAttachUsesTmux(t *testing.T) {
	run := newFakeRunner()
	var interactive []string
	b := New(Config{
		Image: "img", RelayImage: "relay",
		Runner: run.run,
		Interactive: func(ctx context.Context, args ...string) error {
			interactive = append(interactive, strings.Join(args, " "))
			return nil
		},
	})

	require.NoError(t, b.Attach(context.Background(), testSession()))
	require.Len(t, interactive, 1)
	assert.Equal(t, "exec -it paude-proj-abcd1234 tmux new-session -A -s main", interactive[0])
}

func TestRefreshCredentialsExecsRestore(t *testing.T) {
	run := newFakeRunner()
	b := testBackend(run)

	require.NoError(t, b.RefreshCredentials(context.Background(), testSession(), &creds.Bundle{}))
	assert.True(t, run.called("exec paude-proj-abcd1234 paude-watchdog restore"))
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name  string
		out   string
		err   error
		phase backend.Phase
	}{
		{"running", "running\n", nil, backend.PhaseRunning},
		{"exited", "exited\n", nil, backend.PhaseStopped},
		{"created", "created\n", nil, backend.PhasePending},
		{"missing", "Error: no such container", errors.New("exit 125"), backend.PhaseNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := newFakeRunner()
			b := testBackend(run)
			run.respond("inspect", tt.out, tt.err)

			st, err := b.Status(context.Background(), testSession())
			require.NoError(t, err)
			assert.Equal(t, tt.phase, st.Phase)
		})
	}
}

func TestClassify(t *testing.T) {
	run := newFakeRunner()
	b := testBackend(run)

	auth := b.classify("pull", "s1", []byte("unauthorized: authentication required"), errors.New("exit 125"))
	assert.True(t, backend.IsAuth(auth))

	transient := b.classify("pull", "s1", []byte("i/o timeout"), errors.New("exit 125"))
	assert.True(t, backend.IsTransient(transient))

	plain := b.classify("pull", "s1", []byte("manifest unknown"), errors.New("exit 125"))
	assert.False(t, backend.IsAuth(plain))
	assert.False(t, backend.IsTransient(plain))
	assert.ErrorContains(t, plain, "manifest unknown")
	_ = fmt.Sprintf("%v", plain)
}
