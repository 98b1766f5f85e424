package creds

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Live locations of the seeded credential copies inside a session. The
// read-only mounted artifacts (gcloud, gitconfig) have no live copy; only
// seeded artifacts are materialized here, and only these are evicted.
const (
	LiveClaudeDir  = "/home/paude/.claude"
	LiveClaudeJSON = "/home/paude/.claude.json"
)

// seedPairs maps each seed artifact to its live location.
var seedPairs = []struct {
	seed string
	live string
	dir  bool
}{
	{TargetClaudeSeed, LiveClaudeDir, true},
	{TargetClaudeJSON, LiveClaudeJSON, false},
}

// RestoreSeeds copies seed artifacts into their live locations, recreating
// any state a previous eviction removed. Absent seeds are skipped; a session
// provisioned without that credential source simply has nothing to restore.
// root rebases all paths, for tests.
func RestoreSeeds(root string) error {
	for _, p := range seedPairs {
		seed := filepath.Join(root, p.seed)
		live := filepath.Join(root, p.live)

		if _, err := os.Stat(seed); os.IsNotExist(err) {
			continue
		}

		var err error
		if p.dir {
			err = copyDir(seed, live)
		} else {
			err = copyFile(seed, live)
		}
		if err != nil {
			return fmt.Errorf("failed to restore %s: %w", p.live, err)
		}
	}
	return nil
}

// EvictLive removes the live credential copies. Seeds stay in place so a
// later restore can bring the session back to life. Missing live copies are
// not an error; eviction is idempotent.
func EvictLive(root string) error {
	var firstErr error
	for _, p := range seedPairs {
		live := filepath.Join(root, p.live)
		if err := os.RemoveAll(live); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to evict %s: %w", p.live, err)
		}
	}
	return firstErr
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0700); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			// Seed directories carry a flat essential-file set.
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
