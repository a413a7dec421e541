package batch

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HeartbeatOptions tunes per-file stall detection.
type HeartbeatOptions struct {
	// Interval between heartbeat checks. Default 5s.
	Interval time.Duration
	// WarnAfter is the idle span that triggers a warning log. Default 10s.
	WarnAfter time.Duration
	// TimeoutAfter is the idle span that fails the file. Default 30s.
	TimeoutAfter time.Duration
	// Ceiling fails the file regardless of intermittent activity. Default 5m.
	Ceiling time.Duration
}

func (o HeartbeatOptions) withDefaults() HeartbeatOptions {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.WarnAfter <= 0 {
		o.WarnAfter = 10 * time.Second
	}
	if o.TimeoutAfter <= 0 {
		o.TimeoutAfter = 30 * time.Second
	}
	if o.Ceiling <= 0 {
		o.Ceiling = 5 * time.Minute
	}
	return o
}

// stallMonitor declares a file's processing dead after a period of no
// activity. Touch is called on every worker message for the file's client.
// Stop tears the monitor down exactly once; calling it again is a no-op.
type stallMonitor struct {
	opts      HeartbeatOptions
	logger    *slog.Logger
	onTimeout func(error)
	started   time.Time

	mu           sync.Mutex
	lastActivity time.Time
	warned       bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newStallMonitor(opts HeartbeatOptions, logger *slog.Logger, onTimeout func(error)) *stallMonitor {
	now := time.Now()
	return &stallMonitor{
		opts:         opts.withDefaults(),
		logger:       logger,
		onTimeout:    onTimeout,
		started:      now,
		lastActivity: now,
		stopCh:       make(chan struct{}),
	}
}

// Touch records activity and clears any standing warning.
func (m *stallMonitor) Touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.warned = false
	m.mu.Unlock()
}

// Start launches the heartbeat loop.
func (m *stallMonitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop terminates the loop. Safe to call from any path, any number of times.
func (m *stallMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *stallMonitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			if m.check(now) {
				return
			}
		}
	}
}

// check returns true once the monitor has fired and the loop should exit.
func (m *stallMonitor) check(now time.Time) bool {
	m.mu.Lock()
	idle := now.Sub(m.lastActivity)
	total := now.Sub(m.started)
	warned := m.warned

	if total >= m.opts.Ceiling {
		m.mu.Unlock()
		m.onTimeout(fmt.Errorf("%w: no completion after %s", ErrStalled, m.opts.Ceiling))
		return true
	}
	if warned && idle >= m.opts.TimeoutAfter {
		m.mu.Unlock()
		m.onTimeout(fmt.Errorf("%w: no activity for %s", ErrStalled, idle.Truncate(time.Millisecond)))
		return true
	}
	if !warned && idle >= m.opts.WarnAfter {
		m.warned = true
		m.mu.Unlock()
		m.logger.Warn("processing appears stalled", "idle", idle.Truncate(time.Millisecond))
		return false
	}
	m.mu.Unlock()
	return false
}
