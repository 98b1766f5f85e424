package session

import "time"

// State of a session lifecycle. Deleted is terminal.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateDeleted State = "deleted"
)

// transitions maps each state to the states it may move to. Anything not
// listed here is rejected before the backend is touched.
var transitions = map[State][]State{
	StateCreated: {StateRunning, StateDeleted},
	StateRunning: {StateStopped, StateDeleted},
	StateStopped: {StateRunning, StateDeleted},
	StateDeleted: {},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Restriction describes a session's network posture.
type Restriction string

const (
	// RestrictionDefault is the curated default allowlist.
	RestrictionDefault Restriction = "restricted"
	// RestrictionCustom is a user-supplied allowlist.
	RestrictionCustom Restriction = "custom"
	// RestrictionNone means unrestricted egress, explicit opt-in only.
	RestrictionNone Restriction = "unrestricted"
)

// Session represents one isolated execution environment and its
// configuration, persisted across CLI invocations.
type Session struct {
	ID           string      `json:"id"`
	Backend      string      `json:"backend"`
	Workspace    string      `json:"workspace"`
	Restriction  Restriction `json:"restriction"`
	Allowlist    []string    `json:"allowlist,omitempty"`
	State        State       `json:"state"`
	Image        string      `json:"image,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	StoppedAt    *time.Time  `json:"stopped_at,omitempty"`
	LastActivity *time.Time  `json:"last_activity,omitempty"`
}

// Active reports whether the session still holds substrate resources.
func (s *Session) Active() bool {
	return s.State == StateRunning
}
