package creds

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"k8s.io/utils/clock"
)

// Artifact is one authentication artifact to place inside a session.
type Artifact struct {
	// Name identifies the artifact (stable, used for substrate resource names).
	Name string `json:"name"`

	// Source is the resolved host path (symlinks already followed).
	Source string `json:"source"`

	// Target is the fixed path the consumer expects inside the session.
	Target string `json:"target"`

	// ReadOnly artifacts are mounted read-only.
	ReadOnly bool `json:"read_only"`

	// Seed artifacts are copied from Target into the session's writable
	// area at startup, so the consumer can update its own copy without
	// ever writing through to the host source of truth.
	Seed bool `json:"seed"`

	// Dir is true when Source is a directory.
	Dir bool `json:"dir"`

	// Files lists which files of a directory artifact are carried. Empty
	// for file artifacts.
	Files []string `json:"files,omitempty"`
}

// Load reads the artifact's content keyed by file name, for substrates
// that cannot bind-mount host paths. Listed files that are absent are
// skipped, matching the mount behavior.
func (a *Artifact) Load() (map[string][]byte, error) {
	if !a.Dir {
		data, err := os.ReadFile(a.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", a.Source, err)
		}
		return map[string][]byte{filepath.Base(a.Target): data}, nil
	}

	out := map[string][]byte{}
	for _, name := range a.Files {
		data, err := os.ReadFile(filepath.Join(a.Source, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", filepath.Join(a.Source, name), err)
		}
		out[name] = data
	}
	return out, nil
}

// Bundle is the set of credential artifacts for one session's active window.
// It is rebuilt on every start and connect; it is never persisted.
type Bundle struct {
	Artifacts []Artifact `json:"artifacts"`
	BuiltAt   time.Time  `json:"built_at"`
}

// Fixed target paths the agent expects. The consumer functions without
// modification only if artifacts land exactly here.
const (
	TargetGcloudDir  = "/home/paude/.config/gcloud"
	TargetGitconfig  = "/home/paude/.gitconfig"
	TargetClaudeSeed = "/tmp/claude.seed"
	TargetClaudeJSON = "/tmp/claude.json.seed"
)

// GcloudEssentialFiles are the only files taken from the gcloud config
// directory. The configurations/ directory (the identity provider's own
// config store) is deliberately never included.
var GcloudEssentialFiles = []string{
	"application_default_credentials.json",
	"credentials.db",
	"access_tokens.db",
}

// ClaudeEssentialFiles are the only files taken from ~/.claude.
// Logs, databases, projects, todos and cache stay on the host.
var ClaudeEssentialFiles = []string{
	"settings.json",
	"credentials.json",
	"statsig.json",
}

// hardExclusions are host paths that must never end up in a bundle, in any
// form. They hold material that would let a session push to a remote code
// host or rewrite identity-provider state. Not configurable.
var hardExclusions = []string{
	".ssh",
	".gnupg",
	".netrc",
	".aws",
	".kube",
	".config/gh",
	".config/hub",
	".config/gcloud/configurations",
}

// Builder materializes credential bundles from a home-directory view.
type Builder struct {
	home  string
	clock clock.PassiveClock
}

// NewBuilder creates a Builder over the given home directory. An empty home
// resolves to the current user's.
func NewBuilder(home string) (*Builder, error) {
	if home == "" {
		var err error
		home, err = homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
	}
	return &Builder{home: home, clock: clock.RealClock{}}, nil
}

// WithClock overrides the clock, for tests.
func (b *Builder) WithClock(c clock.PassiveClock) *Builder {
	b.clock = c
	return b
}

// Build scans the fixed candidate locations and returns a bundle of the
// artifacts that exist. Absent candidates are skipped silently; that is the
// normal case on machines without one of the credential sources.
func (b *Builder) Build() (*Bundle, error) {
	bundle := &Bundle{BuiltAt: b.clock.Now()}

	// Cloud auth state (application-default credentials).
	if src, ok := b.resolveDir(filepath.Join(b.home, ".config", "gcloud")); ok {
		bundle.add(Artifact{
			Name:     "gcloud",
			Source:   src,
			Target:   TargetGcloudDir,
			ReadOnly: true,
			Dir:      true,
			Files:    GcloudEssentialFiles,
		})
	}

	// VCS identity.
	if src, ok := b.resolveFile(filepath.Join(b.home, ".gitconfig")); ok {
		bundle.add(Artifact{
			Name:     "gitconfig",
			Source:   src,
			Target:   TargetGitconfig,
			ReadOnly: true,
		})
	}

	// Agent configuration directory. Seeded: the session gets a writable
	// copy, the host directory is never written from inside.
	if src, ok := b.resolveDir(filepath.Join(b.home, ".claude")); ok {
		bundle.add(Artifact{
			Name:     "claude",
			Source:   src,
			Target:   TargetClaudeSeed,
			ReadOnly: true,
			Seed:     true,
			Dir:      true,
			Files:    ClaudeEssentialFiles,
		})
	}

	// Agent legacy settings file, also seeded.
	if src, ok := b.resolveFile(filepath.Join(b.home, ".claude.json")); ok {
		bundle.add(Artifact{
			Name:     "claude-json",
			Source:   src,
			Target:   TargetClaudeJSON,
			ReadOnly: true,
			Seed:     true,
		})
	}

	return bundle, nil
}

func (b *Bundle) add(a Artifact) {
	b.Artifacts = append(b.Artifacts, a)
}

// Artifact returns the named artifact, or nil.
func (b *Bundle) Artifact(name string) *Artifact {
	for i := range b.Artifacts {
		if b.Artifacts[i].Name == name {
			return &b.Artifacts[i]
		}
	}
	return nil
}

// SeedTargets returns the in-session seed paths, which the watchdog's
// restore step copies back into the live locations.
func (b *Bundle) SeedTargets() []string {
	var targets []string
	for _, a := range b.Artifacts {
		if a.Seed {
			targets = append(targets, a.Target)
		}
	}
	return targets
}

// resolveFile resolves symlinks and returns the physical path if it is a
// regular file outside the exclusion set.
func (b *Builder) resolveFile(path string) (string, bool) {
	resolved, info, ok := b.resolve(path)
	if !ok || info.IsDir() {
		return "", false
	}
	return resolved, true
}

// resolveDir resolves symlinks and returns the physical path if it is a
// directory outside the exclusion set.
func (b *Builder) resolveDir(path string) (string, bool) {
	resolved, info, ok := b.resolve(path)
	if !ok || !info.IsDir() {
		return "", false
	}
	return resolved, true
}

func (b *Builder) resolve(path string) (string, os.FileInfo, bool) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", nil, false
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", nil, false
	}
	if b.excluded(resolved) {
		return "", nil, false
	}
	return resolved, info, true
}

// excluded reports whether a resolved path falls inside the hard exclusion
// set. Catches symlinks pointed at excluded locations.
func (b *Builder) excluded(resolved string) bool {
	for _, rel := range hardExclusions {
		blocked := filepath.Join(b.home, rel)
		if resolvedBlocked, err := filepath.EvalSymlinks(blocked); err == nil {
			blocked = resolvedBlocked
		}
		if resolved == blocked || strings.HasPrefix(resolved, blocked+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
