// Package fileproc is the per-document API over one worker-pool handle. It
// enforces the page-slot limit, coalesces duplicate page requests, caches
// results with TTL eviction, retries document init with backoff, and listens
// on the recovery bus for results that missed the primary path.
package fileproc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/oyerindedaniel/glide-sub000/internal/log"
	"github.com/oyerindedaniel/glide-sub000/internal/message"
	"github.com/oyerindedaniel/glide-sub000/internal/pool"
	"github.com/oyerindedaniel/glide-sub000/internal/recovery"
)

var (
	// ErrAborted rejects pending work after Abort.
	ErrAborted = errors.New("processing aborted")
	// ErrClosed is returned for calls after Cleanup.
	ErrClosed = errors.New("file processor closed")
	// ErrNotInitialized is returned for GetPage before ProcessFile.
	ErrNotInitialized = errors.New("document not initialized")
)

// Dispatcher routes a request to a unit and later delivers the matching
// response on reply. Implemented by the coordinator.
type Dispatcher interface {
	Dispatch(unitID string, req message.Request, reply chan<- message.Response) error
}

// Options tunes one processor instance.
type Options struct {
	// PageSlots bounds concurrently in-flight page requests. Default 3.
	PageSlots int
	// CacheTTL evicts idle page results. Default 60s.
	CacheTTL time.Duration
	// InitAttempts / InitBackoffBase drive the ProcessFile retry helper.
	InitAttempts    int
	InitBackoffBase time.Duration
	// RoundTripTimeout caps one request/response exchange. Default 30s.
	RoundTripTimeout time.Duration
	// Render is the render configuration attached to every GetPage.
	Render message.RenderConfig
}

func (o Options) withDefaults() Options {
	if o.PageSlots <= 0 {
		o.PageSlots = 3
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 60 * time.Second
	}
	if o.InitAttempts <= 0 {
		o.InitAttempts = 3
	}
	if o.InitBackoffBase <= 0 {
		o.InitBackoffBase = 500 * time.Millisecond
	}
	if o.RoundTripTimeout <= 0 {
		o.RoundTripTimeout = 30 * time.Second
	}
	return o
}

// PageResult is one rendered page. The buffer is owned by the receiver.
type PageResult struct {
	PageNumber int
	Buffer     []byte
	Width      int
	Height     int
}

type pageOutcome struct {
	res *PageResult
	err error
}

type queueItem struct {
	page    int
	display message.DisplayInfo
	ch      chan pageOutcome
}

// Processor drives one document through a leased worker handle.
type Processor struct {
	client message.ClientID
	pool   *pool.Pool
	coord  Dispatcher
	bus    *recovery.Bus
	opts   Options
	logger *slog.Logger

	lifeCtx  context.Context
	lifeStop context.CancelFunc

	mu            sync.Mutex
	handle        *pool.Handle
	totalPages    int
	fingerprint   string
	aborted       bool
	closed        bool
	queue         []*queueItem
	inFlight      map[int]bool
	inFlightCount int
	displayed     int
	cache         map[int]*cacheEntry

	busCancel func()
	sweepStop chan struct{}
	sweepOnce sync.Once
	bg        sync.WaitGroup
}

// New mints a ClientID and wires the recovery subscription. The worker
// handle is acquired lazily on first use.
func New(p *pool.Pool, coord Dispatcher, bus *recovery.Bus, opts Options) *Processor {
	opts = opts.withDefaults()
	client := message.NewClientID()
	lifeCtx, lifeStop := context.WithCancel(context.Background())

	proc := &Processor{
		client:    client,
		pool:      p,
		coord:     coord,
		bus:       bus,
		opts:      opts,
		logger:    log.WithComponent("fileproc").With("client_id", string(client)),
		lifeCtx:   lifeCtx,
		lifeStop:  lifeStop,
		inFlight:  make(map[int]bool),
		cache:     make(map[int]*cacheEntry),
		sweepStop: make(chan struct{}),
	}

	if bus != nil {
		events, cancel := bus.Subscribe(client)
		proc.busCancel = cancel
		proc.bg.Add(1)
		go proc.recoveryLoop(events)
	}
	proc.bg.Add(1)
	go proc.sweepLoop()

	return proc
}

// ClientID exposes the processor's identity.
func (p *Processor) ClientID() message.ClientID { return p.client }

// Fingerprint returns the content hash of the document handed to
// ProcessFile, empty before then. Stable across retries of the same bytes.
func (p *Processor) Fingerprint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fingerprint
}

// TotalPages reports the page count after a successful ProcessFile.
func (p *Processor) TotalPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalPages
}

// ProcessFile opens the document on a leased unit and returns its page
// count. Wrapped in the retry helper; abortable mid-wait.
func (p *Processor) ProcessFile(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	if p.aborted {
		p.mu.Unlock()
		return 0, ErrAborted
	}
	sum := blake3.Sum256(data)
	fingerprint := hex.EncodeToString(sum[:8])
	p.fingerprint = fingerprint
	p.mu.Unlock()

	p.logger.Debug("processing file", "bytes", len(data), "fingerprint", fingerprint)

	err := Retry(ctx, p.opts.InitAttempts, p.opts.InitBackoffBase, func() error {
		if err := p.ensureHandle(ctx); err != nil {
			return err
		}
		resp, err := p.roundTrip(ctx, message.InitDocument{
			Envelope: message.NewEnvelope(p.client),
			Data:     data,
		})
		if err != nil {
			return err
		}
		opened, ok := resp.(message.DocumentOpened)
		if !ok {
			return fmt.Errorf("unexpected init response %T", resp)
		}
		p.mu.Lock()
		p.totalPages = opened.TotalPages
		p.mu.Unlock()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("process file: %w", err)
	}
	return p.TotalPages(), nil
}

// GetPage returns the rendered page, serving repeats from cache. Concurrent
// requests for the same page are coalesced onto one render.
func (p *Processor) GetPage(ctx context.Context, page int, display message.DisplayInfo) (*PageResult, error) {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return nil, ErrClosed
	case p.aborted:
		p.mu.Unlock()
		return nil, ErrAborted
	case p.totalPages == 0:
		p.mu.Unlock()
		return nil, ErrNotInitialized
	case page < 1 || page > p.totalPages:
		total := p.totalPages
		p.mu.Unlock()
		return nil, fmt.Errorf("page %d out of range 1..%d", page, total)
	}

	if entry, ok := p.cache[page]; ok {
		entry.lastAccessed = time.Now()
		p.displayed = page
		res := entry.res
		p.mu.Unlock()
		return res, nil
	}

	item := &queueItem{page: page, display: display, ch: make(chan pageOutcome, 1)}
	p.queue = append(p.queue, item)
	p.drainLocked()
	p.mu.Unlock()

	select {
	case out := <-item.ch:
		if out.err != nil {
			return nil, out.err
		}
		p.mu.Lock()
		p.displayed = page
		p.mu.Unlock()
		return out.res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drainLocked dispatches the first queued page not already in flight,
// repeating while slots remain. Callers hold p.mu.
func (p *Processor) drainLocked() {
	for p.inFlightCount < p.opts.PageSlots {
		var next *queueItem
		for _, item := range p.queue {
			if !p.inFlight[item.page] {
				next = item
				break
			}
		}
		if next == nil {
			return
		}
		p.inFlight[next.page] = true
		p.inFlightCount++
		go p.dispatchPage(next.page, next.display)
	}
}

func (p *Processor) dispatchPage(page int, display message.DisplayInfo) {
	env := message.NewEnvelope(p.client)
	resp, err := p.roundTrip(p.lifeCtx, message.GetPage{
		Envelope:   env,
		PageNumber: page,
		Config:     p.opts.Render,
		Display:    display,
	})
	if err != nil {
		// The render may have completed after the primary path gave up.
		if orphan, ok := p.pool.TakeOrphan(message.RecoveryKey(p.client, env.Request)); ok {
			resp, err = orphan, nil
		}
	}
	if err != nil {
		p.completePage(page, nil, err)
		return
	}

	rendered, ok := resp.(message.PageRendered)
	if !ok {
		p.completePage(page, nil, fmt.Errorf("unexpected page response %T", resp))
		return
	}
	p.completePage(page, &PageResult{
		PageNumber: page,
		Buffer:     rendered.Buffer,
		Width:      rendered.Width,
		Height:     rendered.Height,
	}, nil)
}

// completePage resolves every queued entry for page together, frees the
// slot, and re-drains.
func (p *Processor) completePage(page int, res *PageResult, err error) {
	p.mu.Lock()
	if p.inFlight[page] {
		delete(p.inFlight, page)
		p.inFlightCount--
	}
	resolved := p.takeQueuedLocked(page)
	if err == nil && res != nil && !p.aborted && !p.closed {
		p.cache[page] = &cacheEntry{res: res, lastAccessed: time.Now()}
	}
	p.drainLocked()
	p.mu.Unlock()

	out := pageOutcome{res: res, err: err}
	for _, item := range resolved {
		item.ch <- out
	}
}

// takeQueuedLocked removes and returns all queue entries for page.
func (p *Processor) takeQueuedLocked(page int) []*queueItem {
	var resolved []*queueItem
	rest := p.queue[:0]
	for _, item := range p.queue {
		if item.page == page {
			resolved = append(resolved, item)
		} else {
			rest = append(rest, item)
		}
	}
	p.queue = rest
	return resolved
}

// Abort stops scheduling new work, rejects everything queued, and releases
// the handle after the abort control ack. Safe to call repeatedly.
func (p *Processor) Abort() {
	p.mu.Lock()
	if p.aborted || p.closed {
		p.mu.Unlock()
		return
	}
	p.aborted = true
	rejected := p.queue
	p.queue = nil
	p.inFlight = make(map[int]bool)
	p.inFlightCount = 0
	handle := p.handle
	p.mu.Unlock()

	for _, item := range rejected {
		item.ch <- pageOutcome{err: ErrAborted}
	}
	p.lifeStop()

	if handle != nil {
		p.sendControl(message.AbortProcessing{Envelope: message.NewEnvelope(p.client)}, handle)
	}
	p.teardown()
}

// Cleanup sends the cleanup control message and releases the worker handle
// only after the acknowledgment is observed, so a new owner cannot collide
// with a straggling render. Double-teardown is a no-op.
func (p *Processor) Cleanup() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	rejected := p.queue
	p.queue = nil
	p.inFlight = make(map[int]bool)
	p.inFlightCount = 0
	handle := p.handle
	p.mu.Unlock()

	for _, item := range rejected {
		item.ch <- pageOutcome{err: ErrClosed}
	}

	if handle != nil {
		p.sendControl(message.CleanupDocument{Envelope: message.NewEnvelope(p.client)}, handle)
	}
	p.lifeStop()
	p.teardown()
}

// sendControl runs one control round trip on its own clock (lifeCtx may
// already be cancelled) and then returns the handle to the pool.
func (p *Processor) sendControl(req message.Request, handle *pool.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.RoundTripTimeout)
	defer cancel()

	reply := make(chan message.Response, 1)
	if err := p.coord.Dispatch(handle.UnitID(), req, reply); err != nil {
		p.logger.Warn("control dispatch failed", "error", err)
	} else {
		select {
		case <-reply:
		case <-ctx.Done():
			p.logger.Warn("control ack timed out", "type", message.KindOf(req))
		}
	}

	p.pool.Release(handle)
	p.mu.Lock()
	if p.handle == handle {
		p.handle = nil
	}
	p.mu.Unlock()
}

func (p *Processor) teardown() {
	if p.busCancel != nil {
		p.busCancel()
	}
	p.sweepOnce.Do(func() { close(p.sweepStop) })

	p.mu.Lock()
	p.cache = make(map[int]*cacheEntry)
	p.mu.Unlock()
}

// ensureHandle lazily acquires the worker handle.
func (p *Processor) ensureHandle(ctx context.Context) error {
	p.mu.Lock()
	if p.handle != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	h, err := p.pool.Acquire(ctx, p.client)
	if err != nil {
		return fmt.Errorf("acquire worker: %w", err)
	}
	p.mu.Lock()
	p.handle = h
	p.mu.Unlock()
	return nil
}

// roundTrip dispatches req and waits for its correlated response.
func (p *Processor) roundTrip(ctx context.Context, req message.Request) (message.Response, error) {
	p.mu.Lock()
	handle := p.handle
	p.mu.Unlock()
	if handle == nil {
		return nil, ErrNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.RoundTripTimeout)
	defer cancel()

	reply := make(chan message.Response, 1)
	if err := p.coord.Dispatch(handle.UnitID(), req, reply); err != nil {
		return nil, err
	}

	select {
	case resp := <-reply:
		if fail, ok := resp.(message.Failure); ok {
			return nil, fmt.Errorf("%s failed: %w", fail.Kind, fail.Err)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// recoveryLoop rebuilds cache entries from orphaned payloads and resolves
// any still-pending queue entries for that page. Pages already satisfied by
// the primary path are a no-op.
func (p *Processor) recoveryLoop(events <-chan recovery.Event) {
	defer p.bg.Done()
	for ev := range events {
		if ev.Kind != recovery.KindPageProcessed {
			continue
		}
		rendered, ok := ev.Payload.(message.PageRendered)
		if !ok {
			continue
		}

		p.mu.Lock()
		if p.aborted || p.closed {
			p.mu.Unlock()
			continue
		}
		page := rendered.PageNumber
		_, cached := p.cache[page]
		res := &PageResult{
			PageNumber: page,
			Buffer:     rendered.Buffer,
			Width:      rendered.Width,
			Height:     rendered.Height,
		}
		if !cached {
			p.cache[page] = &cacheEntry{res: res, lastAccessed: time.Now()}
		}
		resolved := p.takeQueuedLocked(page)
		if p.inFlight[page] {
			delete(p.inFlight, page)
			p.inFlightCount--
			p.drainLocked()
		}
		p.mu.Unlock()

		if len(resolved) > 0 {
			p.logger.Debug("page recovered from bus", "page", page)
		}
		for _, item := range resolved {
			item.ch <- pageOutcome{res: res}
		}
	}
}
