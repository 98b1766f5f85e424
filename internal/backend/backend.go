// Package backend defines the substrate abstraction: every execution
// substrate (local container runtime, remote cluster) implements Backend,
// and the Manager drives session lifecycle through it without knowing
// which substrate is underneath.
package backend

import (
	"context"

	"github.com/bbrowning/paude/internal/creds"
	"github.com/bbrowning/paude/internal/netpolicy"
	"github.com/bbrowning/paude/internal/session"
)

// Phase is the backend-observed condition of a session's workload.
type Phase string

const (
	PhaseUnknown  Phase = "unknown"
	PhaseNotFound Phase = "not-found"
	PhaseStopped  Phase = "stopped"
	PhasePending  Phase = "pending"
	PhaseRunning  Phase = "running"
)

// Status is a point-in-time observation of the substrate.
type Status struct {
	Phase  Phase
	Detail string
}

// Capabilities describes what a substrate can do; the Manager and the
// isolation compiler adapt to it instead of special-casing backends.
type Capabilities struct {
	// Isolation is the network isolation capability handed to the
	// policy compiler.
	Isolation netpolicy.Capability

	// DurableStorage means the workspace survives a stop without the
	// host filesystem (cluster volume). Local backends bind-mount the
	// host workspace instead.
	DurableStorage bool

	// MultiplexedAttach means attach/detach cycles do not interrupt the
	// agent process.
	MultiplexedAttach bool
}

// ProvisionOptions tune a single provision attempt.
type ProvisionOptions struct {
	// Rebuild forces the workload image to be re-pulled.
	Rebuild bool
}

// Backend provisions and supervises session workloads on one substrate.
// Implementations are responsible for making Provision all-or-nothing:
// a failed attempt must not leave partial resources behind.
type Backend interface {
	Kind() string
	Capabilities() Capabilities

	// Provision brings the session to running: isolation resources
	// first, then the relay, then the workload. Idempotent for an
	// already-running session.
	Provision(ctx context.Context, sess *session.Session, plan *netpolicy.Plan, bundle *creds.Bundle, opts ProvisionOptions) error

	// TeardownWorkload stops the workload but keeps the workspace and
	// session identity so the session can start again.
	TeardownWorkload(ctx context.Context, sess *session.Session) error

	// Destroy removes every resource owned by the session, including
	// durable storage and credential material.
	Destroy(ctx context.Context, sess *session.Session) error

	// Attach connects the caller's terminal to the running workload.
	Attach(ctx context.Context, sess *session.Session) error

	// RefreshCredentials re-applies the credential bundle to a running
	// session and restores evicted live copies.
	RefreshCredentials(ctx context.Context, sess *session.Session, bundle *creds.Bundle) error

	// Status reports the substrate-observed condition.
	Status(ctx context.Context, sess *session.Session) (Status, error)
}
