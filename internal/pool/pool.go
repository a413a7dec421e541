// Package pool lends a bounded number of worker handles, one per renderer
// unit. A handle is owned by exactly one client at a time; ownership returns
// to the pool only through Release. The pool also keeps orphaned results for
// late pickup and absorbs stray responses the coordinator broadcasts to it.
package pool

import (
	"context"
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
	// ErrPoolClosed is returned to callers and waiters once Close runs.
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrUnitDead marks an acquisition failure the caller may retry.
	ErrUnitDead = errors.New("worker unit dead")
)

// Slot describes one lendable execution unit.
type Slot struct {
	UnitID string
	Alive  func() bool
}

// Handle is a lease on one pool slot.
type Handle struct {
	pool     *Pool
	slotIdx  int
	unitID   string
	owner    message.ClientID
	released bool // guarded by pool.mu
}

// UnitID names the execution unit backing this handle, for dispatch.
func (h *Handle) UnitID() string { return h.unitID }

// Owner returns the client the handle is leased to.
func (h *Handle) Owner() message.ClientID { return h.owner }

type waiter struct {
	client message.ClientID
	ch     chan waitResult
}

type waitResult struct {
	handle *Handle
	err    error
}

type orphanEntry struct {
	resp message.Response
	at   time.Time
}

// Options configures the pool.
type Options struct {
	// OrphanTTL bounds how long an orphaned result is kept for late pickup.
	// Defaults to 30s.
	OrphanTTL time.Duration
	// StrayBuffer sizes the channel the coordinator broadcasts strays to.
	StrayBuffer int
}

func (o Options) withDefaults() Options {
	if o.OrphanTTL <= 0 {
		o.OrphanTTL = 30 * time.Second
	}
	if o.StrayBuffer <= 0 {
		o.StrayBuffer = 64
	}
	return o
}

// Pool is the only shared mutable structure in the subsystem; all access
// goes through Acquire/Release, which serialize concurrent attempts.
type Pool struct {
	opts   Options
	bus    *recovery.Bus
	logger *slog.Logger
	strays chan message.Response

	mu      sync.Mutex
	slots   []Slot
	leased  []bool
	owners  map[message.ClientID]*Handle
	waiters []*waiter
	orphans map[string]orphanEntry
	closed  bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a pool over the given slots. bus may be nil; when set, stray
// results absorbed by the pool are republished for recovery subscribers.
func New(slots []Slot, bus *recovery.Bus, opts Options) *Pool {
	opts = opts.withDefaults()
	return &Pool{
		opts:    opts,
		bus:     bus,
		logger:  log.WithComponent("pool"),
		strays:  make(chan message.Response, opts.StrayBuffer),
		slots:   slots,
		leased:  make([]bool, len(slots)),
		owners:  make(map[message.ClientID]*Handle),
		orphans: make(map[string]orphanEntry),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the orphan sweeper and the stray absorber.
func (p *Pool) Start() {
	p.wg.Add(2)
	go p.sweepLoop()
	go p.strayLoop()
}

// Close rejects all waiters and stops background loops. Handles already
// leased stay valid until released.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- waitResult{err: ErrPoolClosed}
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Strays is the channel the coordinator should register for broadcast
// fallback; absorbed responses become orphans and recovery events.
func (p *Pool) Strays() chan<- message.Response { return p.strays }

// Acquire leases a handle for client, blocking in strict FIFO order behind
// earlier waiters when the pool is exhausted. A dead backing unit surfaces
// as ErrUnitDead, which the caller may retry.
func (p *Pool) Acquire(ctx context.Context, client message.ClientID) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if len(p.waiters) == 0 {
		if h, err, ok := p.leaseLocked(client); ok {
			p.mu.Unlock()
			return h, err
		}
	}

	w := &waiter{client: client, ch: make(chan waitResult, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case res := <-w.ch:
		return res.handle, res.err
	case <-ctx.Done():
		p.mu.Lock()
		for i, cur := range p.waiters {
			if cur == w {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				p.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		p.mu.Unlock()
		// Satisfied concurrently with cancellation: hand the lease back.
		res := <-w.ch
		if res.handle != nil {
			p.Release(res.handle)
		}
		return nil, ctx.Err()
	}
}

// leaseLocked leases the first free live slot. A free-but-dead slot only
// surfaces as an error when no live slot is free, so one crashed unit does
// not starve the pool. ok=false means no slot is free at all.
func (p *Pool) leaseLocked(client message.ClientID) (*Handle, error, bool) {
	deadUnit := ""
	for i := range p.slots {
		if p.leased[i] {
			continue
		}
		if p.slots[i].Alive != nil && !p.slots[i].Alive() {
			deadUnit = p.slots[i].UnitID
			continue
		}
		p.leased[i] = true
		h := &Handle{pool: p, slotIdx: i, unitID: p.slots[i].UnitID, owner: client}
		p.owners[client] = h
		return h, nil, true
	}
	if deadUnit != "" {
		return nil, fmt.Errorf("acquire %s: %w", deadUnit, ErrUnitDead), true
	}
	return nil, nil, false
}

// Release returns a handle to the pool, immediately satisfying the oldest
// waiter if any. Releasing twice is a no-op.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if h.released {
		p.mu.Unlock()
		return
	}
	h.released = true
	if p.owners[h.owner] == h {
		delete(p.owners, h.owner)
	}
	p.leased[h.slotIdx] = false

	var handoff *waiter
	var res waitResult
	if len(p.waiters) > 0 && !p.closed {
		handoff = p.waiters[0]
		p.waiters = p.waiters[1:]
		nh, err, ok := p.leaseLocked(handoff.client)
		if !ok {
			// Slot was just freed; lease cannot miss.
			err = fmt.Errorf("lease after release: no free slot")
		}
		res = waitResult{handle: nh, err: err}
	}
	p.mu.Unlock()

	if handoff != nil {
		handoff.ch <- res
	}
}

// CleanupClient releases whatever handle the client still holds.
// Best-effort; a client with no lease is a no-op.
func (p *Pool) CleanupClient(client message.ClientID) {
	p.mu.Lock()
	h := p.owners[client]
	p.mu.Unlock()
	if h != nil {
		p.Release(h)
	}
}

// RecordOrphan stores a completed result whose requester is gone, keyed by
// clientID+requestID, for potential late recovery.
func (p *Pool) RecordOrphan(key string, resp message.Response) {
	p.mu.Lock()
	p.orphans[key] = orphanEntry{resp: resp, at: time.Now()}
	p.mu.Unlock()
}

// TakeOrphan removes and returns the orphan stored under key.
func (p *Pool) TakeOrphan(key string) (message.Response, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.orphans[key]
	if !ok {
		return nil, false
	}
	delete(p.orphans, key)
	return e.resp, true
}

// Stats reports lease and orphan counts.
func (p *Pool) Stats() (leased, free, waiting, orphans int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.leased {
		if l {
			leased++
		}
	}
	return leased, len(p.slots) - leased, len(p.waiters), len(p.orphans)
}

func (p *Pool) strayLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case resp := <-p.strays:
			client, id := resp.Correlation()
			p.RecordOrphan(message.RecoveryKey(client, id), resp)
			if p.bus != nil {
				if ev, ok := recovery.EventFor(resp); ok {
					p.bus.Publish(ev)
				}
			}
			p.logger.Debug("stray result absorbed",
				"client_id", string(client), "request_id", string(id))
		}
	}
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	interval := p.opts.OrphanTTL / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.opts.OrphanTTL)
			p.mu.Lock()
			for key, e := range p.orphans {
				if e.at.Before(cutoff) {
					delete(p.orphans, key)
				}
			}
			p.mu.Unlock()
		}
	}
}
