package watchdog

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"k8s.io/utils/clock"
)

// CommandRunner executes a command and returns its stdout. Tests inject a
// fake; production uses RunCommand.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// RunCommand is the default CommandRunner.
func RunCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// AttachSignal reports activity while a user terminal is attached to the
// session's tmux server. The control channel that keeps the workload itself
// alive always counts as one client, so only counts above the baseline mean
// a human is present.
type AttachSignal struct {
	Socket   string
	Baseline int
	Run      CommandRunner
	Clock    clock.PassiveClock
}

// NewAttachSignal creates an AttachSignal with a baseline of one client.
func NewAttachSignal(socket string) *AttachSignal {
	return &AttachSignal{
		Socket:   socket,
		Baseline: 1,
		Run:      RunCommand,
		Clock:    clock.RealClock{},
	}
}

func (s *AttachSignal) Name() string { return "tmux-attach" }

func (s *AttachSignal) Sample(ctx context.Context) (time.Time, bool) {
	args := []string{"list-clients"}
	if s.Socket != "" {
		args = append([]string{"-S", s.Socket}, args...)
	}
	out, err := s.Run(ctx, "tmux", args...)
	if err != nil {
		return time.Time{}, false
	}
	count := 0
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			count++
		}
	}
	if count <= s.Baseline {
		return time.Time{}, false
	}
	return s.Clock.Now(), true
}

// CPUSignal reports activity when processes whose command name matches one
// of Names consume CPU above Threshold (a fraction of one core) between
// consecutive samples. The first sample only establishes a baseline.
type CPUSignal struct {
	ProcDir   string
	Names     []string
	Threshold float64
	ClockTick float64
	Clock     clock.PassiveClock

	prevJiffies uint64
	prevAt      time.Time
	primed      bool
}

// NewCPUSignal creates a CPUSignal over /proc for the given command names.
func NewCPUSignal(names []string, threshold float64) *CPUSignal {
	return &CPUSignal{
		ProcDir:   "/proc",
		Names:     names,
		Threshold: threshold,
		ClockTick: 100,
		Clock:     clock.RealClock{},
	}
}

func (s *CPUSignal) Name() string { return "proc-cpu" }

func (s *CPUSignal) Sample(ctx context.Context) (time.Time, bool) {
	total, err := s.totalJiffies()
	if err != nil {
		return time.Time{}, false
	}
	now := s.Clock.Now()

	if !s.primed {
		s.prevJiffies, s.prevAt, s.primed = total, now, true
		return time.Time{}, false
	}

	elapsed := now.Sub(s.prevAt).Seconds()
	delta := float64(total) - float64(s.prevJiffies)
	s.prevJiffies, s.prevAt = total, now

	if elapsed <= 0 || delta <= 0 {
		return time.Time{}, false
	}
	usage := (delta / s.ClockTick) / elapsed
	if usage < s.Threshold {
		return time.Time{}, false
	}
	return now, true
}

// totalJiffies sums utime+stime across every matching process.
func (s *CPUSignal) totalJiffies() (uint64, error) {
	entries, err := os.ReadDir(s.ProcDir)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, e := range entries {
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		stat, err := os.ReadFile(filepath.Join(s.ProcDir, e.Name(), "stat"))
		if err != nil {
			continue
		}
		comm, jiffies, ok := parseStat(stat)
		if !ok || !s.matches(comm) {
			continue
		}
		total += jiffies
	}
	return total, nil
}

func (s *CPUSignal) matches(comm string) bool {
	if len(s.Names) == 0 {
		return true
	}
	for _, n := range s.Names {
		if comm == n {
			return true
		}
	}
	return false
}

// parseStat extracts the command name and utime+stime from a
// /proc/<pid>/stat line. The comm field is parenthesized and may contain
// spaces, so fields are counted from the closing paren.
func parseStat(stat []byte) (string, uint64, bool) {
	open := bytes.IndexByte(stat, '(')
	end := bytes.LastIndexByte(stat, ')')
	if open < 0 || end < open {
		return "", 0, false
	}
	comm := string(stat[open+1 : end])
	fields := strings.Fields(string(stat[end+1:]))
	// After the comm field: state is field 0, utime is field 11, stime 12.
	if len(fields) < 13 {
		return "", 0, false
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return "", 0, false
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return comm, utime + stime, true
}

// FileSignal reports the newest modification time among a set of paths,
// typically the session workspace and the agent's state directory.
type FileSignal struct {
	Paths []string
}

// NewFileSignal creates a FileSignal over the given paths.
func NewFileSignal(paths ...string) *FileSignal {
	return &FileSignal{Paths: paths}
}

func (s *FileSignal) Name() string { return "file-mtime" }

func (s *FileSignal) Sample(ctx context.Context) (time.Time, bool) {
	var newest time.Time
	found := false
	for _, p := range s.Paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		found = true
	}
	return newest, found
}
