package netpolicy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Mechanism identifies how a backend enforces egress isolation.
type Mechanism string

const (
	// MechanismNamespace is an isolated virtual network with no default
	// route; only the relay bridges to the outside.
	MechanismNamespace Mechanism = "namespace-isolation"

	// MechanismPolicy is admission-controlled egress rules applied to a
	// workload that would otherwise share the cluster network.
	MechanismPolicy Mechanism = "policy-isolation"
)

// DefaultRelayPort is the forward-proxy port the relay listens on.
const DefaultRelayPort = 3128

// Capability describes what a backend can do for network isolation.
type Capability struct {
	Mechanism   Mechanism
	SharedRelay bool // relay may be shared across sessions with equal allowlists
	RelayPort   int  // 0 means DefaultRelayPort
}

// ResourceKind identifies a substrate resource in a plan.
type ResourceKind string

const (
	ResourceNetwork      ResourceKind = "network"
	ResourceDenyPolicy   ResourceKind = "deny-policy"
	ResourceRelay        ResourceKind = "relay"
	ResourceRelayService ResourceKind = "relay-service"
	ResourceWorkload     ResourceKind = "workload"
)

// Resource is one substrate resource the backend must create or ensure.
// Resources are applied in slice order; ensure semantics are
// apply-or-update, never create-only.
type Resource struct {
	Kind   ResourceKind
	Name   string
	Shared bool // shared resources are refcounted, never torn down per-session
}

// Plan is the compiled isolation intent for one session on one backend.
type Plan struct {
	Mechanism    Mechanism
	Unrestricted bool
	Domains      []string // sorted allowed patterns, empty when blocked or unrestricted
	AllowHash    string   // stable hash of Domains, identifies the relay scope

	RelayName     string
	RelayEndpoint string // host:port the workload uses as its proxy
	RelayPort     int

	Resources []Resource // apply order; deny-policy always precedes workload

	// Warning is set for higher-risk plans (unrestricted egress) and must
	// be shown to the operator.
	Warning string
}

// Restricted reports whether the plan routes egress through a relay.
func (p *Plan) Restricted() bool {
	return !p.Unrestricted
}

// Compile turns an allowlist and a backend capability into a concrete
// resource plan. Compiling the same inputs always yields the same plan, so
// re-applying it converges rather than duplicating resources.
func Compile(list *Allowlist, cap Capability, sessionID string) (*Plan, error) {
	if list == nil {
		return nil, fmt.Errorf("allowlist is required")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if cap.Mechanism != MechanismNamespace && cap.Mechanism != MechanismPolicy {
		return nil, fmt.Errorf("unknown isolation mechanism %q", cap.Mechanism)
	}

	port := cap.RelayPort
	if port == 0 {
		port = DefaultRelayPort
	}

	if list.AllowAll {
		return &Plan{
			Mechanism:    cap.Mechanism,
			Unrestricted: true,
			Domains:      []string{},
			Resources: []Resource{
				{Kind: ResourceWorkload, Name: workloadName(sessionID)},
			},
			Warning: "network restrictions disabled: the session has direct egress and data exfiltration is possible",
		}, nil
	}

	domains := append([]string{}, list.Patterns()...)
	sort.Strings(domains)
	hash := allowHash(domains)

	plan := &Plan{
		Mechanism: cap.Mechanism,
		Domains:   domains,
		AllowHash: hash,
		RelayPort: port,
	}

	switch cap.Mechanism {
	case MechanismNamespace:
		// One isolated network and one relay per session. The relay joins
		// both the isolated network and the external one; the workload
		// joins the isolated network only.
		plan.RelayName = fmt.Sprintf("paude-relay-%s", sessionID)
		plan.RelayEndpoint = fmt.Sprintf("%s:%d", plan.RelayName, port)
		plan.Resources = []Resource{
			{Kind: ResourceNetwork, Name: fmt.Sprintf("paude-%s", sessionID)},
			{Kind: ResourceRelay, Name: plan.RelayName},
			{Kind: ResourceWorkload, Name: workloadName(sessionID)},
		}
	case MechanismPolicy:
		// The workload and the relay must never share a network-shareable
		// unit: the relay is its own workload behind a stable service.
		// The deny rule is ordered before the workload so there is no
		// window of unrestricted egress while the workload schedules.
		if cap.SharedRelay {
			plan.RelayName = fmt.Sprintf("paude-relay-%s", hash)
		} else {
			plan.RelayName = fmt.Sprintf("paude-relay-%s", sessionID)
		}
		plan.RelayEndpoint = fmt.Sprintf("%s:%d", plan.RelayName, port)
		plan.Resources = []Resource{
			{Kind: ResourceDenyPolicy, Name: fmt.Sprintf("paude-egress-%s", sessionID)},
			{Kind: ResourceRelay, Name: plan.RelayName, Shared: cap.SharedRelay},
			{Kind: ResourceRelayService, Name: plan.RelayName, Shared: cap.SharedRelay},
			{Kind: ResourceWorkload, Name: workloadName(sessionID)},
		}
	}

	return plan, nil
}

func workloadName(sessionID string) string {
	return fmt.Sprintf("paude-%s", sessionID)
}

// allowHash returns a short stable identifier for a sorted pattern set.
// Sessions with equal allowlists hash to the same relay scope.
func allowHash(sorted []string) string {
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n") + "\n"))
	return hex.EncodeToString(sum[:])[:8]
}
