package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// State of the watchdog loop for one session.
type State string

const (
	StateArmed      State = "armed"
	StateEvaluating State = "evaluating"
	StateEvicted    State = "evicted"
)

// MinTimeout is the floor for the inactivity timeout. A misconfigured
// near-zero timeout would evict credentials moments after every start.
const MinTimeout = 5 * time.Minute

// DefaultInterval between liveness checks.
const DefaultInterval = time.Minute

// Signal is one liveness observation source. Sample returns an activity
// timestamp and whether any signal was observed; observation failures are
// reported as no signal, never as activity and never as fatal.
type Signal interface {
	Name() string
	Sample(ctx context.Context) (time.Time, bool)
}

// Config for a per-session watchdog.
type Config struct {
	// Timeout is the quiet period after which credentials are evicted.
	// Zero disables the watchdog. Non-zero values below MinTimeout are
	// raised to the floor.
	Timeout time.Duration

	// Interval between checks. Zero means DefaultInterval.
	Interval time.Duration

	Signals []Signal

	// Evict removes the session's live credential material. Called at
	// most once, after which the loop stops.
	Evict func(ctx context.Context) error

	Logger *slog.Logger
	Clock  clock.WithTicker
}

// Watchdog watches one running session and evicts its credentials after a
// bounded inactivity window. It runs independently of the session's own
// process, so eviction happens even if that process is unresponsive.
type Watchdog struct {
	timeout  time.Duration
	interval time.Duration
	signals  []Signal
	evict    func(ctx context.Context) error
	logger   *slog.Logger
	clock    clock.WithTicker

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	checks       int
}

// New creates a watchdog. The timeout floor is enforced here.
func New(cfg Config) (*Watchdog, error) {
	if cfg.Evict == nil {
		return nil, fmt.Errorf("evict callback is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	timeout := cfg.Timeout
	if timeout > 0 && timeout < MinTimeout {
		logger.Warn("inactivity timeout below floor, raising",
			"configured", timeout, "floor", MinTimeout)
		timeout = MinTimeout
	}

	return &Watchdog{
		timeout:  timeout,
		interval: interval,
		signals:  cfg.Signals,
		evict:    cfg.Evict,
		logger:   logger,
		clock:    clk,
		state:    StateArmed,
	}, nil
}

// Enabled reports whether the watchdog will actually run.
func (w *Watchdog) Enabled() bool {
	return w.timeout > 0
}

// State returns the current state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// LastActivity returns the most recently observed activity time.
func (w *Watchdog) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

// Checks returns how many evaluations have run.
func (w *Watchdog) Checks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checks
}

// Run executes the check loop until eviction or ctx cancellation. A
// disabled watchdog returns immediately.
func (w *Watchdog) Run(ctx context.Context) error {
	if !w.Enabled() {
		w.logger.Info("credential watchdog disabled")
		return nil
	}

	w.mu.Lock()
	w.lastActivity = w.clock.Now()
	w.mu.Unlock()

	w.logger.Info("credential watchdog armed",
		"timeout", w.timeout, "interval", w.interval)

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			evicted, err := w.check(ctx)
			if err != nil {
				return err
			}
			if evicted {
				return nil
			}
		}
	}
}

// check performs one evaluation pass: sample every signal, adopt the newest
// activity time, evict when the quiet period has elapsed.
func (w *Watchdog) check(ctx context.Context) (bool, error) {
	w.mu.Lock()
	w.state = StateEvaluating
	w.checks++
	last := w.lastActivity
	w.mu.Unlock()

	newest := last
	for _, sig := range w.signals {
		observed, ok := sig.Sample(ctx)
		if !ok {
			continue
		}
		if observed.After(newest) {
			w.logger.Debug("activity observed", "signal", sig.Name(), "at", observed)
			newest = observed
		}
	}

	now := w.clock.Now()
	if newest.After(now) {
		newest = now
	}

	w.mu.Lock()
	w.lastActivity = newest
	w.mu.Unlock()

	if now.Sub(newest) < w.timeout {
		w.mu.Lock()
		w.state = StateArmed
		w.mu.Unlock()
		return false, nil
	}

	w.logger.Info("inactivity timeout reached, evicting credentials",
		"idle", now.Sub(newest), "timeout", w.timeout)

	if err := w.evict(ctx); err != nil {
		// Eviction failure leaves credentials in place; rearm and retry
		// on the next tick rather than giving up.
		w.logger.Error("credential eviction failed", "error", err)
		w.mu.Lock()
		w.state = StateArmed
		w.mu.Unlock()
		return false, nil
	}

	w.mu.Lock()
	w.state = StateEvicted
	w.mu.Unlock()
	return true, nil
}
