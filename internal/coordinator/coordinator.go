package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oyerindedaniel/glide-sub000/internal/log"
	"github.com/oyerindedaniel/glide-sub000/internal/message"
	"github.com/oyerindedaniel/glide-sub000/internal/recovery"
)

var (
	// ErrStopped is returned for dispatches after Stop.
	ErrStopped = errors.New("coordinator stopped")
	// ErrUnknownUnit is returned when dispatching to an unattached unit.
	ErrUnknownUnit = errors.New("unknown unit")
)

// Options configures sweep behavior and buffering.
type Options struct {
	// DelayedSweep keeps a cleaning client's pending requests alive for
	// SweepGrace so in-flight stragglers can still be delivered.
	DelayedSweep bool
	// SweepGrace is the delayed-sweep window. Defaults to 2s.
	SweepGrace time.Duration
	// ResponseBuffer sizes the shared response channel units write to.
	ResponseBuffer int
}

func (o Options) withDefaults() Options {
	if o.SweepGrace <= 0 {
		o.SweepGrace = 2 * time.Second
	}
	if o.ResponseBuffer <= 0 {
		o.ResponseBuffer = 64
	}
	return o
}

type pendingEntry struct {
	client message.ClientID
	reply  chan<- message.Response
}

// Coordinator routes requests to units and responses back to requesters.
type Coordinator struct {
	opts      Options
	bus       *recovery.Bus
	logger    *slog.Logger
	responses chan message.Response

	mu             sync.Mutex
	units          map[string]chan<- message.Request
	pending        map[message.RequestID]pendingEntry
	clientRequests map[message.ClientID][]message.RequestID
	registered     map[string]chan<- message.Response
	cleaning       map[message.ClientID]time.Time
	sweeps         map[message.ClientID]*time.Timer
	onActivity     func(message.ClientID)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a coordinator publishing unroutable results to bus.
func New(bus *recovery.Bus, opts Options) *Coordinator {
	opts = opts.withDefaults()
	return &Coordinator{
		opts:           opts,
		bus:            bus,
		logger:         log.WithComponent("coordinator"),
		responses:      make(chan message.Response, opts.ResponseBuffer),
		units:          make(map[string]chan<- message.Request),
		pending:        make(map[message.RequestID]pendingEntry),
		clientRequests: make(map[message.ClientID][]message.RequestID),
		registered:     make(map[string]chan<- message.Response),
		cleaning:       make(map[message.ClientID]time.Time),
		sweeps:         make(map[message.ClientID]*time.Timer),
		stopCh:         make(chan struct{}),
	}
}

// Responses is the channel renderer units reply on.
func (c *Coordinator) Responses() chan<- message.Response { return c.responses }

// AttachUnit makes a unit inbox dispatchable under id.
func (c *Coordinator) AttachUnit(id string, inbox chan<- message.Request) {
	c.mu.Lock()
	c.units[id] = inbox
	c.mu.Unlock()
}

// SetOnActivity installs a hook invoked with the owning ClientID on every
// routed worker message. Used by stall detection.
func (c *Coordinator) SetOnActivity(fn func(message.ClientID)) {
	c.mu.Lock()
	c.onActivity = fn
	c.mu.Unlock()
}

// Start launches the response routing loop.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop terminates routing and waits for the loop to exit. Idempotent.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	c.logger.Debug("routing loop started")
	for {
		select {
		case <-c.stopCh:
			c.logger.Debug("routing loop stopped")
			return
		case resp := <-c.responses:
			c.route(resp)
		}
	}
}

// Dispatch records the request's correlation and forwards it to the unit's
// inbox. The reply channel must have capacity for one response.
func (c *Coordinator) Dispatch(unitID string, req message.Request, reply chan<- message.Response) error {
	client, id := req.Correlation()

	c.mu.Lock()
	inbox, ok := c.units[unitID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("dispatch %s: %w", unitID, ErrUnknownUnit)
	}
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return fmt.Errorf("request %s already pending", id)
	}
	c.pending[id] = pendingEntry{client: client, reply: reply}
	c.clientRequests[client] = append(c.clientRequests[client], id)
	c.mu.Unlock()

	select {
	case inbox <- req:
		return nil
	case <-c.stopCh:
		c.mu.Lock()
		delete(c.pending, id)
		c.removeClientRequestLocked(client, id)
		c.mu.Unlock()
		return ErrStopped
	}
}

// RegisterWorker stores a directly-addressable channel for broadcast
// fallback of unmatched responses.
func (c *Coordinator) RegisterWorker(workerID string, ch chan<- message.Response) {
	c.mu.Lock()
	c.registered[workerID] = ch
	c.mu.Unlock()
	c.logger.Debug("worker registered", "worker_id", workerID)
}

// UnregisterWorker removes a broadcast channel.
func (c *Coordinator) UnregisterWorker(workerID string) {
	c.mu.Lock()
	delete(c.registered, workerID)
	c.mu.Unlock()
}

// Cleanup tears down one client's mappings right away.
func (c *Coordinator) Cleanup(client message.ClientID) {
	c.mu.Lock()
	c.sweepLocked(client)
	c.mu.Unlock()
}

// CleanupAll tears down every pending request and client association.
// Used at full shutdown.
func (c *Coordinator) CleanupAll() {
	c.mu.Lock()
	for client, timer := range c.sweeps {
		timer.Stop()
		delete(c.sweeps, client)
	}
	c.pending = make(map[message.RequestID]pendingEntry)
	c.clientRequests = make(map[message.ClientID][]message.RequestID)
	c.cleaning = make(map[message.ClientID]time.Time)
	c.mu.Unlock()
}

// Status reports current routing load.
func (c *Coordinator) Status() (activeRequests, activeClients int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending), len(c.clientRequests)
}

func (c *Coordinator) route(resp message.Response) {
	client, id := resp.Correlation()

	c.mu.Lock()
	activity := c.onActivity
	entry, matched := c.pending[id]
	if matched {
		delete(c.pending, id)
		c.removeClientRequestLocked(client, id)
	}
	if message.IsTerminalControl(resp) {
		if c.opts.DelayedSweep {
			c.scheduleSweepLocked(client)
		} else {
			// Keep the matched reply out of the sweep; it is already removed.
			c.sweepLocked(client)
		}
	}
	c.mu.Unlock()

	if activity != nil {
		activity(client)
	}

	if matched {
		select {
		case entry.reply <- resp:
		default:
			c.logger.Warn("reply channel full, dropping response",
				"client_id", string(client), "request_id", string(id))
		}
		return
	}

	c.recoverUnmatched(resp)
}

// recoverUnmatched handles a response whose requester is already gone:
// broadcast to registered worker channels first, recovery bus second,
// log-and-drop last.
func (c *Coordinator) recoverUnmatched(resp message.Response) {
	client, id := resp.Correlation()

	if message.IsTerminalControl(resp) {
		// The requester asked for teardown and left; nothing to recover.
		c.logger.Debug("dropping unmatched control ack",
			"client_id", string(client), "request_id", string(id))
		return
	}

	c.mu.Lock()
	channels := make([]chan<- message.Response, 0, len(c.registered))
	for _, ch := range c.registered {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	accepted := false
	for _, ch := range channels {
		select {
		case ch <- resp:
			accepted = true
		default:
		}
	}
	if accepted {
		return
	}

	ev, ok := recovery.EventFor(resp)
	if !ok {
		c.logger.Warn("unroutable response dropped",
			"client_id", string(client), "request_id", string(id),
			"type", fmt.Sprintf("%T", resp))
		return
	}
	c.bus.Publish(ev)
	c.logger.Debug("unmatched response published for recovery",
		"client_id", string(client), "request_id", string(id), "kind", string(ev.Kind))
}

// scheduleSweepLocked marks the client cleaning and arms a single sweep
// timer. Re-arming while already cleaning extends the grace window.
func (c *Coordinator) scheduleSweepLocked(client message.ClientID) {
	c.cleaning[client] = time.Now()
	if t, ok := c.sweeps[client]; ok {
		t.Stop()
	}
	c.sweeps[client] = time.AfterFunc(c.opts.SweepGrace, func() {
		c.mu.Lock()
		c.sweepLocked(client)
		c.mu.Unlock()
		c.logger.Debug("delayed sweep completed", "client_id", string(client))
	})
}

// sweepLocked removes every pending mapping for client. Callers hold c.mu.
func (c *Coordinator) sweepLocked(client message.ClientID) {
	for _, id := range c.clientRequests[client] {
		delete(c.pending, id)
	}
	delete(c.clientRequests, client)
	delete(c.cleaning, client)
	if t, ok := c.sweeps[client]; ok {
		t.Stop()
		delete(c.sweeps, client)
	}
}

func (c *Coordinator) removeClientRequestLocked(client message.ClientID, id message.RequestID) {
	ids := c.clientRequests[client]
	for i, cur := range ids {
		if cur == id {
			c.clientRequests[client] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(c.clientRequests[client]) == 0 {
		delete(c.clientRequests, client)
	}
}
