package session

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"unicode"
)

// DeriveName builds a stable session name from a workspace path: the
// sanitized directory name plus a short hash of the full path, so two
// workspaces with the same directory name still get distinct sessions.
// The result is safe for both container and cluster resource names.
func DeriveName(workspace string) string {
	dirName := strings.ToLower(filepath.Base(workspace))

	var b strings.Builder
	for _, c := range dirName {
		if unicode.IsLetter(c) || unicode.IsDigit(c) {
			b.WriteRune(c)
		} else {
			b.WriteRune('-')
		}
	}
	sanitized := strings.Trim(b.String(), "-")
	if len(sanitized) > 20 {
		sanitized = sanitized[:20]
	}
	if sanitized == "" {
		sanitized = "session"
	}

	sum := sha256.Sum256([]byte(workspace))
	return sanitized + "-" + hex.EncodeToString(sum[:])[:8]
}
