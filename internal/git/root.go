// Package git locates the enclosing repository for a workspace path.
// Session creation defaults the workspace to the repository root so a
// session started from a subdirectory still covers the whole project.
package git

import (
	"os/exec"
	"strings"
)

// FindRoot returns the top-level directory of the repository containing
// dir, or "" when dir is not tracked by git.
func FindRoot(dir string) string {
	out, err := exec.Command("git", "-C", dir, "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
