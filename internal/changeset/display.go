package changeset

import (
	"fmt"
	"io"
	"strings"
)

const maxDisplayChanges = 20

// PrintSummary prints a human-readable summary of workspace changes.
func PrintSummary(w io.Writer, workspace string, changes []Change) {
	if len(changes) == 0 {
		_, _ = fmt.Fprintln(w, "No changes detected.")
		return
	}

	_, _ = fmt.Fprintf(w, "Workspace changes (%s)\n", workspace)
	_, _ = fmt.Fprintln(w, strings.Repeat("─", 40))
	printChanges(w, changes)
}

// printChanges prints individual file changes, summarizing if >maxDisplayChanges
func printChanges(w io.Writer, changes []Change) {
	if len(changes) > maxDisplayChanges {
		// Show top 5 of each type, then summary
		created, modified, deleted := categorize(changes)
		shown := 0
		for _, c := range created {
			if shown >= 5 {
				break
			}
			printChange(w, c)
			shown++
		}
		for _, c := range modified {
			if shown >= 5 {
				break
			}
			printChange(w, c)
			shown++
		}
		for _, c := range deleted {
			if shown >= 5 {
				break
			}
			printChange(w, c)
			shown++
		}
		_, _ = fmt.Fprintf(w, "  (%d changes total: %d created, %d modified, %d deleted)\n",
			len(changes), len(created), len(modified), len(deleted))
		return
	}
	for _, c := range changes {
		printChange(w, c)
	}
}

// printChange prints a single change line
func printChange(w io.Writer, c Change) {
	switch c.Type {
	case "created":
		_, _ = fmt.Fprintf(w, "  + %-50s (%s)\n", c.Path, formatSize(c.NewSize))
	case "modified":
		_, _ = fmt.Fprintf(w, "  ~ %-50s (%s → %s)\n", c.Path, formatSize(c.OldSize), formatSize(c.NewSize))
	case "deleted":
		_, _ = fmt.Fprintf(w, "  - %s\n", c.Path)
	}
}

// categorize splits changes into created/modified/deleted slices
func categorize(changes []Change) (created, modified, deleted []Change) {
	for _, c := range changes {
		switch c.Type {
		case "created":
			created = append(created, c)
		case "modified":
			modified = append(modified, c)
		case "deleted":
			deleted = append(deleted, c)
		}
	}
	return
}

// formatSize returns a human-readable file size
func formatSize(bytes int64) string {
	switch {
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
