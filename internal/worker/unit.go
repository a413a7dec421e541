// Package worker runs renderer execution units: one goroutine per unit,
// reachable only through its inbox channel. A unit drains requests serially
// and replies on the shared response channel it was given at construction,
// which the coordinator owns.
package worker

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/oyerindedaniel/glide-sub000/internal/log"
	"github.com/oyerindedaniel/glide-sub000/internal/message"
)

// Renderer is the unit-side rendering surface. internal/render.Service
// implements it; tests substitute fakes.
type Renderer interface {
	Open(client message.ClientID, data []byte) (int, error)
	RenderPage(client message.ClientID, page int, cfg message.RenderConfig, disp message.DisplayInfo) ([]byte, int, int, error)
	Close(client message.ClientID)
	Abort(client message.ClientID)
}

// Unit is one pool-managed execution unit.
type Unit struct {
	id       string
	renderer Renderer
	inbox    chan message.Request
	out      chan<- message.Response
	logger   *slog.Logger

	alive  atomic.Bool
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a unit. out is the coordinator's response channel; inboxSize
// bounds how many requests may queue ahead of the unit.
func New(id string, r Renderer, out chan<- message.Response, inboxSize int) *Unit {
	if inboxSize <= 0 {
		inboxSize = 16
	}
	u := &Unit{
		id:       id,
		renderer: r,
		inbox:    make(chan message.Request, inboxSize),
		out:      out,
		logger:   log.WithComponent("worker").With("unit_id", id),
		stopCh:   make(chan struct{}),
	}
	u.alive.Store(true)
	return u
}

// ID returns the unit identifier.
func (u *Unit) ID() string { return u.id }

// Inbox is the only way to reach the unit.
func (u *Unit) Inbox() chan<- message.Request { return u.inbox }

// Alive reports whether the unit is still draining its inbox.
func (u *Unit) Alive() bool { return u.alive.Load() }

// Start launches the drain loop.
func (u *Unit) Start() {
	u.wg.Add(1)
	go u.run()
}

// Stop terminates the drain loop and waits for it to exit. Idempotent.
func (u *Unit) Stop() {
	u.once.Do(func() { close(u.stopCh) })
	u.wg.Wait()
}

func (u *Unit) run() {
	defer u.wg.Done()
	defer u.alive.Store(false)
	u.logger.Debug("unit started")

	for {
		select {
		case <-u.stopCh:
			u.logger.Debug("unit stopped")
			return
		case req := <-u.inbox:
			u.out <- u.handle(req)
		}
	}
}

// handle serves one request. A panicking render is converted into a Failure
// so one corrupt page cannot take the unit down with it.
func (u *Unit) handle(req message.Request) (resp message.Response) {
	client, id := req.Correlation()
	env := message.Envelope{Client: client, Request: id}

	defer func() {
		if r := recover(); r != nil {
			u.logger.Error("render panic", "client_id", string(client), "panic", r)
			resp = message.Failure{Envelope: env, Kind: message.KindOf(req), Err: fmt.Errorf("render panic: %v", r)}
		}
	}()

	switch m := req.(type) {
	case message.InitDocument:
		total, err := u.renderer.Open(client, m.Data)
		if err != nil {
			return message.Failure{Envelope: env, Kind: "InitDocument", Err: err}
		}
		return message.DocumentOpened{Envelope: env, TotalPages: total}

	case message.GetPage:
		buf, w, h, err := u.renderer.RenderPage(client, m.PageNumber, m.Config, m.Display)
		if err != nil {
			return message.Failure{Envelope: env, Kind: "GetPage", Err: fmt.Errorf("page %d: %w", m.PageNumber, err)}
		}
		return message.PageRendered{Envelope: env, PageNumber: m.PageNumber, Buffer: buf, Width: w, Height: h}

	case message.CleanupDocument:
		u.renderer.Close(client)
		return message.CleanupDone{Envelope: env}

	case message.AbortProcessing:
		u.renderer.Abort(client)
		return message.AbortDone{Envelope: env}
	}

	return message.Failure{Envelope: env, Kind: message.KindOf(req), Err: fmt.Errorf("unsupported request %T", req)}
}
