package fileproc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oyerindedaniel/glide-sub000/internal/coordinator"
	"github.com/oyerindedaniel/glide-sub000/internal/message"
	"github.com/oyerindedaniel/glide-sub000/internal/pool"
	"github.com/oyerindedaniel/glide-sub000/internal/recovery"
)

// testUnit emulates a renderer unit: drains an inbox and answers on the
// coordinator's response channel.
type testUnit struct {
	inbox chan message.Request
	out   chan<- message.Response

	mu          sync.Mutex
	totalPages  int
	renderDelay time.Duration
	initFails   int
	pageFails   map[int]int  // page -> remaining failures
	dropPages   map[int]bool // page -> swallow the request
	renders     map[int]int
	maxParallel int
	inFlight    int
}

func newTestUnit(out chan<- message.Response, totalPages int) *testUnit {
	u := &testUnit{
		inbox:      make(chan message.Request, 32),
		out:        out,
		totalPages: totalPages,
		pageFails:  make(map[int]int),
		dropPages:  make(map[int]bool),
		renders:    make(map[int]int),
	}
	go u.run()
	return u
}

func (u *testUnit) run() {
	for req := range u.inbox {
		req := req
		go u.serve(req)
	}
}

func (u *testUnit) serve(req message.Request) {
	client, id := req.Correlation()
	env := message.Envelope{Client: client, Request: id}

	switch m := req.(type) {
	case message.InitDocument:
		u.mu.Lock()
		fail := u.initFails > 0
		if fail {
			u.initFails--
		}
		u.mu.Unlock()
		if fail {
			u.out <- message.Failure{Envelope: env, Kind: "InitDocument", Err: errors.New("transient init failure")}
			return
		}
		u.out <- message.DocumentOpened{Envelope: env, TotalPages: u.totalPages}

	case message.GetPage:
		u.mu.Lock()
		if u.dropPages[m.PageNumber] {
			u.mu.Unlock()
			return
		}
		u.inFlight++
		if u.inFlight > u.maxParallel {
			u.maxParallel = u.inFlight
		}
		delay := u.renderDelay
		fail := u.pageFails[m.PageNumber] > 0
		if fail {
			u.pageFails[m.PageNumber]--
		} else {
			u.renders[m.PageNumber]++
		}
		u.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		u.mu.Lock()
		u.inFlight--
		u.mu.Unlock()

		if fail {
			u.out <- message.Failure{Envelope: env, Kind: "GetPage", Err: errors.New("render failed")}
			return
		}
		u.out <- message.PageRendered{Envelope: env, PageNumber: m.PageNumber, Buffer: []byte{1, 2, 3}, Width: 100, Height: 200}

	case message.CleanupDocument:
		u.out <- message.CleanupDone{Envelope: env}

	case message.AbortProcessing:
		u.out <- message.AbortDone{Envelope: env}
	}
}

func (u *testUnit) renderCount(page int) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.renders[page]
}

type harness struct {
	coord *coordinator.Coordinator
	pool  *pool.Pool
	bus   *recovery.Bus
	unit  *testUnit
}

func newHarness(t *testing.T, totalPages int) *harness {
	t.Helper()
	bus := recovery.NewBus()
	coord := coordinator.New(bus, coordinator.Options{})
	unit := newTestUnit(coord.Responses(), totalPages)
	coord.AttachUnit("unit-0", unit.inbox)
	coord.Start()
	t.Cleanup(coord.Stop)

	p := pool.New([]pool.Slot{{UnitID: "unit-0", Alive: func() bool { return true }}}, bus, pool.Options{})
	p.Start()
	t.Cleanup(p.Close)

	return &harness{coord: coord, pool: p, bus: bus, unit: unit}
}

func (h *harness) newProcessor(opts Options) *Processor {
	return New(h.pool, h.coord, h.bus, opts)
}

func TestProcessFileAndGetPageCached(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	p := h.newProcessor(Options{})
	defer p.Cleanup()

	total, err := p.ProcessFile(context.Background(), []byte("%PDF-1.7"))
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if total != 5 {
		t.Fatalf("total = %d, want 5", total)
	}
	if p.Fingerprint() == "" {
		t.Fatal("no document fingerprint after init")
	}

	res, err := p.GetPage(context.Background(), 2, message.DisplayInfo{})
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if res.PageNumber != 2 || len(res.Buffer) == 0 {
		t.Fatalf("bad result %#v", res)
	}

	// Second request is a cache hit: no extra render.
	if _, err := p.GetPage(context.Background(), 2, message.DisplayInfo{}); err != nil {
		t.Fatalf("GetPage cached: %v", err)
	}
	if got := h.unit.renderCount(2); got != 1 {
		t.Fatalf("page 2 rendered %d times, want 1", got)
	}
}

func TestGetPageBeforeInit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	p := h.newProcessor(Options{})
	defer p.Cleanup()

	if _, err := p.GetPage(context.Background(), 1, message.DisplayInfo{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestConcurrentDuplicateRequestsCoalesce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.unit.renderDelay = 50 * time.Millisecond
	p := h.newProcessor(Options{})
	defer p.Cleanup()

	if _, err := p.ProcessFile(context.Background(), []byte("%PDF")); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	const callers = 4
	results := make([]*PageResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i], errs[i] = p.GetPage(context.Background(), 1, message.DisplayInfo{})
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] == nil || results[i].PageNumber != 1 {
			t.Fatalf("caller %d got %#v", i, results[i])
		}
	}
	if got := h.unit.renderCount(1); got != 1 {
		t.Fatalf("page rendered %d times for %d concurrent callers, want 1", got, callers)
	}
}

func TestInFlightBoundedByPageSlots(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 8)
	h.unit.renderDelay = 40 * time.Millisecond
	p := h.newProcessor(Options{PageSlots: 2})
	defer p.Cleanup()

	if _, err := p.ProcessFile(context.Background(), []byte("%PDF")); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	var wg sync.WaitGroup
	for page := 1; page <= 6; page++ {
		page := page
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.GetPage(context.Background(), page, message.DisplayInfo{}); err != nil {
				t.Errorf("page %d: %v", page, err)
			}
		}()
	}
	wg.Wait()

	h.unit.mu.Lock()
	maxParallel := h.unit.maxParallel
	h.unit.mu.Unlock()
	if maxParallel > 2 {
		t.Fatalf("max parallel renders = %d, want <= 2", maxParallel)
	}
}

func TestProcessFileRetriesTransientInitFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.unit.initFails = 2
	p := h.newProcessor(Options{InitAttempts: 3, InitBackoffBase: 5 * time.Millisecond})
	defer p.Cleanup()

	total, err := p.ProcessFile(context.Background(), []byte("%PDF"))
	if err != nil {
		t.Fatalf("ProcessFile after retries: %v", err)
	}
	if total != 4 {
		t.Fatalf("total = %d, want 4", total)
	}
}

func TestProcessFileExhaustsRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.unit.initFails = 10
	p := h.newProcessor(Options{InitAttempts: 2, InitBackoffBase: 5 * time.Millisecond})
	defer p.Cleanup()

	if _, err := p.ProcessFile(context.Background(), []byte("%PDF")); err == nil {
		t.Fatal("expected failure after exhausted retries")
	}
}

func TestAbortRejectsPendingAndReleasesHandle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 6)
	h.unit.renderDelay = 200 * time.Millisecond
	p := h.newProcessor(Options{PageSlots: 1})

	if _, err := p.ProcessFile(context.Background(), []byte("%PDF")); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	errCh := make(chan error, 2)
	for _, page := range []int{1, 2} {
		page := page
		go func() {
			_, err := p.GetPage(context.Background(), page, message.DisplayInfo{})
			errCh <- err
		}()
	}
	// Let page 1 go in flight and page 2 queue.
	time.Sleep(30 * time.Millisecond)

	p.Abort()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err == nil {
			t.Fatal("pending GetPage succeeded after Abort")
		}
	}

	leased, _, _, _ := h.pool.Stats()
	if leased != 0 {
		t.Fatalf("leased = %d after Abort, want 0", leased)
	}

	if _, err := p.GetPage(context.Background(), 3, message.DisplayInfo{}); !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
}

func TestCleanupReleasesHandleAfterAck(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	p := h.newProcessor(Options{})

	if _, err := p.ProcessFile(context.Background(), []byte("%PDF")); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if _, err := p.GetPage(context.Background(), 1, message.DisplayInfo{}); err != nil {
		t.Fatalf("GetPage: %v", err)
	}

	p.Cleanup()
	p.Cleanup() // double teardown is a no-op

	leased, _, _, _ := h.pool.Stats()
	if leased != 0 {
		t.Fatalf("leased = %d after Cleanup, want 0", leased)
	}
	if p.CachedPages() != 0 {
		t.Fatal("cache not cleared by Cleanup")
	}
	if _, err := p.GetPage(context.Background(), 1, message.DisplayInfo{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestRecoveryEventResolvesPendingPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.unit.dropPages[3] = true
	p := h.newProcessor(Options{RoundTripTimeout: 5 * time.Second})
	defer p.Cleanup()

	if _, err := p.ProcessFile(context.Background(), []byte("%PDF")); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	resCh := make(chan *PageResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := p.GetPage(context.Background(), 3, message.DisplayInfo{})
		resCh <- res
		errCh <- err
	}()

	// Wait for the request to go in flight, then redeliver via the bus as if
	// the result had been orphaned and claimed.
	deadline := time.Now().Add(time.Second)
	for p.InFlight() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("page request never went in flight")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.bus.Publish(recovery.Event{
		Kind:     recovery.KindPageProcessed,
		ClientID: p.ClientID(),
		Payload: message.PageRendered{
			Envelope:   message.Envelope{Client: p.ClientID(), Request: message.NewRequestID()},
			PageNumber: 3,
			Buffer:     []byte{9},
			Width:      10,
			Height:     20,
		},
	})

	select {
	case res := <-resCh:
		if err := <-errCh; err != nil {
			t.Fatalf("GetPage: %v", err)
		}
		if res.PageNumber != 3 || len(res.Buffer) != 1 {
			t.Fatalf("unexpected recovered result %#v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recovery event never resolved the pending page")
	}
}

func TestForeignRecoveryEventIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	p := h.newProcessor(Options{})
	defer p.Cleanup()

	if _, err := p.ProcessFile(context.Background(), []byte("%PDF")); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	// Event for a different client must not touch this processor's cache.
	h.bus.Publish(recovery.Event{
		Kind:     recovery.KindPageProcessed,
		ClientID: message.NewClientID(),
		Payload: message.PageRendered{
			Envelope:   message.Envelope{Client: message.NewClientID(), Request: message.NewRequestID()},
			PageNumber: 1,
		},
	})
	time.Sleep(50 * time.Millisecond)
	if p.CachedPages() != 0 {
		t.Fatal("foreign recovery event mutated processor state")
	}
}
