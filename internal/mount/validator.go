package mount

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// Validator rejects mounts whose source falls inside a blocked host path.
// Blocked paths guard credential stores that must never reach a session
// workload, so the check resolves symlinks before comparing.
type Validator struct {
	blockedPaths []string // resolved absolute paths
}

// NewValidator builds a Validator from the given blocked paths. Each path
// is tilde-expanded, made absolute, and resolved through symlinks so that
// later comparisons see the same physical path a mount source resolves to.
func NewValidator(blockedPaths []string) (*Validator, error) {
	resolved := make([]string, 0, len(blockedPaths))

	for _, path := range blockedPaths {
		if path == "" {
			continue
		}

		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand blocked path '%s': %w", path, err)
		}

		abs, err := filepath.Abs(expanded)
		if err != nil {
			return nil, fmt.Errorf("failed to convert blocked path '%s' to absolute: %w", path, err)
		}

		// A blocked path that does not exist yet still blocks: fall back
		// to the cleaned absolute form when symlink resolution fails.
		real, err := filepath.EvalSymlinks(abs)
		if err != nil {
			real = filepath.Clean(abs)
		}

		resolved = append(resolved, real)
	}

	return &Validator{blockedPaths: resolved}, nil
}

// Validate returns an error when the mount's source is, or lies under, a
// blocked path. The source is resolved through symlinks first, so a link
// pointing into a protected directory is caught too.
func (v *Validator) Validate(m *Mount) error {
	if m == nil {
		return fmt.Errorf("mount cannot be nil")
	}

	source, err := homedir.Expand(m.Source)
	if err != nil {
		source = m.Source
	}
	source, err = filepath.Abs(source)
	if err != nil {
		source = filepath.Clean(m.Source)
	}

	// Sources that do not exist yet keep their absolute form.
	real, err := filepath.EvalSymlinks(source)
	if err != nil {
		real = source
	}

	for _, blocked := range v.blockedPaths {
		if isUnderOrEqual(real, blocked) {
			if real != source {
				return fmt.Errorf("mount blocked: %s resolves to protected path %s", m.Source, blocked)
			}
			return fmt.Errorf("mount blocked: %s is a protected path", blocked)
		}
	}

	return nil
}

// isUnderOrEqual reports whether testPath equals basePath or sits inside
// it. Prefix matching is separator-aware, so "/home/u/.sshrc" is not
// under "/home/u/.ssh".
func isUnderOrEqual(testPath, basePath string) bool {
	if testPath == basePath {
		return true
	}

	baseWithSep := basePath
	if !strings.HasSuffix(baseWithSep, string(filepath.Separator)) {
		baseWithSep += string(filepath.Separator)
	}

	return strings.HasPrefix(testPath, baseWithSep)
}
