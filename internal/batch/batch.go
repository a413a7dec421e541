// Package batch orchestrates many file processors under a global
// concurrency limit, retries individual pages with backoff and offline
// awareness, and watches every file with a heartbeat stall monitor.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oyerindedaniel/glide-sub000/internal/fileproc"
	"github.com/oyerindedaniel/glide-sub000/internal/ledger"
	"github.com/oyerindedaniel/glide-sub000/internal/log"
	"github.com/oyerindedaniel/glide-sub000/internal/message"
)

// ErrStalled rejects a file whose processing produced no activity within
// the heartbeat thresholds.
var ErrStalled = errors.New("processing stalled")

// File statuses reported through OnFileStatus.
type FileStatus string

const (
	StatusProcessing FileStatus = "processing"
	StatusCompleted  FileStatus = "completed"
	StatusFailed     FileStatus = "failed"
)

// File is one batch input.
type File struct {
	Name string
	Data []byte
}

// Callbacks is the only surface results leave the batch through.
type Callbacks struct {
	OnFileAdd       func(index int, name string, totalFiles int)
	OnFileStatus    func(name string, status FileStatus, failedPages int, err error)
	OnPageProcessed func(fileName string, page int, res *fileproc.PageResult, err error)
}

// FileProcessor is the per-document API the batch drives. Satisfied by
// *fileproc.Processor.
type FileProcessor interface {
	ClientID() message.ClientID
	Fingerprint() string
	ProcessFile(ctx context.Context, data []byte) (int, error)
	GetPage(ctx context.Context, page int, display message.DisplayInfo) (*fileproc.PageResult, error)
	Abort()
	Cleanup()
}

// ActivitySource delivers per-client activity notifications, used to feed
// the stall monitors. Satisfied by *coordinator.Coordinator.
type ActivitySource interface {
	SetOnActivity(func(message.ClientID))
}

// ProcessingInfo is the batch-level aggregate, recomputed as files finish.
type ProcessingInfo struct {
	FileName   string
	TotalFiles int
	Progress   float64
}

// Options tunes batch behavior.
type Options struct {
	// ConcurrencyPolicy maps batch size to the file-level concurrency
	// limit. Pluggable so sizing heuristics stay independently testable.
	ConcurrencyPolicy func(batchSize int) int
	// MaxPageRetries bounds attempts per page. Default 3.
	MaxPageRetries int
	// PageBackoffBase seeds the per-page exponential backoff. Default 500ms.
	PageBackoffBase time.Duration
	// PageParallelism bounds concurrent page drives per file. Default 3.
	PageParallelism int
	// OnlineChecker reports connectivity; while offline the retry loop
	// polls instead of burning attempts. Default: always online.
	OnlineChecker func() bool
	// OfflinePollInterval is the wait between offline polls. Default 1s.
	OfflinePollInterval time.Duration
	// Heartbeat tunes stall detection.
	Heartbeat HeartbeatOptions
	// Display is attached to every page request.
	Display message.DisplayInfo
}

func (o Options) withDefaults() Options {
	if o.ConcurrencyPolicy == nil {
		o.ConcurrencyPolicy = DefaultConcurrencyPolicy
	}
	if o.MaxPageRetries <= 0 {
		o.MaxPageRetries = 3
	}
	if o.PageBackoffBase <= 0 {
		o.PageBackoffBase = 500 * time.Millisecond
	}
	if o.PageParallelism <= 0 {
		o.PageParallelism = 3
	}
	if o.OnlineChecker == nil {
		o.OnlineChecker = func() bool { return true }
	}
	if o.OfflinePollInterval <= 0 {
		o.OfflinePollInterval = time.Second
	}
	return o
}

// DefaultConcurrencyPolicy gives large batches fewer per-file slots so
// total worker pressure stays bounded.
func DefaultConcurrencyPolicy(batchSize int) int {
	switch {
	case batchSize <= 4:
		return 3
	case batchSize <= 12:
		return 2
	default:
		return 1
	}
}

// Processor orchestrates one batch at a time.
type Processor struct {
	factory func() FileProcessor
	ledger  *ledger.Ledger
	opts    Options
	logger  *slog.Logger

	mu       sync.Mutex
	monitors map[message.ClientID]*stallMonitor
	info     ProcessingInfo
}

// New creates a batch processor. factory builds one file processor per
// file; ledger may be nil; activity may be nil when stall detection is
// driven manually (tests).
func New(factory func() FileProcessor, activity ActivitySource, led *ledger.Ledger, opts Options) *Processor {
	p := &Processor{
		factory:  factory,
		ledger:   led,
		opts:     opts.withDefaults(),
		logger:   log.WithComponent("batch"),
		monitors: make(map[message.ClientID]*stallMonitor),
	}
	if activity != nil {
		activity.SetOnActivity(p.touch)
	}
	return p
}

func (p *Processor) touch(client message.ClientID) {
	p.mu.Lock()
	m := p.monitors[client]
	p.mu.Unlock()
	if m != nil {
		m.Touch()
	}
}

// Info returns the latest batch aggregate.
func (p *Processor) Info() ProcessingInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// ProcessBatch runs every file to a terminal status. One file's fatal
// failure never cancels its siblings; the returned error is non-nil only
// when ctx itself was cancelled.
func (p *Processor) ProcessBatch(ctx context.Context, files []File, cb Callbacks) error {
	limit := p.opts.ConcurrencyPolicy(len(files))
	if limit < 1 {
		limit = 1
	}
	p.logger.Info("batch started", "files", len(files), "concurrency", limit)

	var completed atomic.Int64
	var g errgroup.Group
	g.SetLimit(limit)

	for i, f := range files {
		i, f := i, f
		if cb.OnFileAdd != nil {
			cb.OnFileAdd(i, f.Name, len(files))
		}
		if p.ledger != nil {
			if err := p.ledger.AddFile(ctx, f.Name); err != nil {
				p.logger.Error("ledger add file", "file", f.Name, "error", err)
			}
		}
		g.Go(func() error {
			p.processOne(ctx, f, cb)
			done := completed.Add(1)
			p.mu.Lock()
			p.info = ProcessingInfo{
				FileName:   f.Name,
				TotalFiles: len(files),
				Progress:   float64(done) / float64(len(files)),
			}
			p.mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	p.logger.Info("batch finished", "files", len(files))
	return ctx.Err()
}

// processOne drives a single file to its terminal status.
func (p *Processor) processOne(ctx context.Context, f File, cb Callbacks) {
	fp := p.factory()
	logger := p.logger.With("file", f.Name, "client_id", string(fp.ClientID()))

	fileCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	monitor := newStallMonitor(p.opts.Heartbeat, logger, func(err error) {
		logger.Error("file processing stalled", "error", err)
		cancel(err)
	})
	p.mu.Lock()
	p.monitors[fp.ClientID()] = monitor
	p.mu.Unlock()
	monitor.Start()

	defer func() {
		monitor.Stop()
		p.mu.Lock()
		delete(p.monitors, fp.ClientID())
		p.mu.Unlock()
	}()

	if cb.OnFileStatus != nil {
		cb.OnFileStatus(f.Name, StatusProcessing, 0, nil)
	}

	total, err := fp.ProcessFile(fileCtx, f.Data)
	if err != nil {
		err = p.resolveCause(fileCtx, err)
		logger.Error("file init failed", "error", err)
		fp.Abort()
		p.finishFile(ctx, f.Name, StatusFailed, 0, err, cb)
		return
	}
	if p.ledger != nil {
		if lerr := p.ledger.SetFilePages(context.WithoutCancel(ctx), f.Name, total, fp.Fingerprint()); lerr != nil {
			logger.Error("ledger set pages", "error", lerr)
		}
	}

	var failed atomic.Int64
	var pages errgroup.Group
	pages.SetLimit(p.opts.PageParallelism)
	for page := 1; page <= total; page++ {
		page := page
		pages.Go(func() error {
			if perr := p.processPage(fileCtx, fp, f.Name, page, cb); perr != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = pages.Wait()

	// Cancellation or stall is fatal for the file even when some pages made it.
	if fileCtx.Err() != nil {
		fp.Abort()
		p.finishFile(ctx, f.Name, StatusFailed, int(failed.Load()), p.resolveCause(fileCtx, fileCtx.Err()), cb)
		return
	}

	failedPages := int(failed.Load())
	status := StatusCompleted
	if total > 0 && failedPages == total {
		status = StatusFailed
	}
	fp.Cleanup()
	p.finishFile(ctx, f.Name, status, failedPages, nil, cb)
}

// resolveCause prefers the cancellation cause (stall, abort) over the raw
// context error.
func (p *Processor) resolveCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

func (p *Processor) finishFile(ctx context.Context, name string, status FileStatus, failedPages int, err error, cb Callbacks) {
	// Terminal statuses must land even when the batch context is already
	// cancelled, or the status API reports cancelled files as processing
	// forever.
	ctx = context.WithoutCancel(ctx)
	if p.ledger != nil {
		lstatus := ledger.StatusCompleted
		if status == StatusFailed {
			lstatus = ledger.StatusFailed
		}
		if lerr := p.ledger.MarkFile(ctx, name, lstatus, failedPages); lerr != nil {
			p.logger.Error("ledger mark file", "file", name, "error", lerr)
		}
	}
	if cb.OnFileStatus != nil {
		cb.OnFileStatus(name, status, failedPages, err)
	}
}

// processPage runs the per-page retry loop: offline waits don't burn
// attempts; exhausting attempts marks just this page failed.
func (p *Processor) processPage(ctx context.Context, fp FileProcessor, name string, page int, cb Callbacks) error {
	attempt := 1
	var lastErr error
	for {
		if ctx.Err() != nil {
			lastErr = p.resolveCause(ctx, ctx.Err())
			break
		}

		res, err := fp.GetPage(ctx, page, p.opts.Display)
		if err == nil {
			if p.ledger != nil {
				if lerr := p.ledger.MarkPage(context.WithoutCancel(ctx), name, page, ledger.StatusCompleted, attempt, ""); lerr != nil {
					p.logger.Error("ledger mark page", "file", name, "page", page, "error", lerr)
				}
			}
			if cb.OnPageProcessed != nil {
				cb.OnPageProcessed(name, page, res, nil)
			}
			return nil
		}
		if errors.Is(err, fileproc.ErrAborted) || errors.Is(err, fileproc.ErrClosed) || errors.Is(err, context.Canceled) {
			lastErr = p.resolveCause(ctx, err)
			break
		}

		if !p.opts.OnlineChecker() {
			// Offline: wait for connectivity instead of spending the budget.
			select {
			case <-time.After(p.opts.OfflinePollInterval):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				lastErr = p.resolveCause(ctx, ctx.Err())
				break
			}
			continue
		}

		lastErr = err
		if attempt >= p.opts.MaxPageRetries {
			break
		}
		delay := p.opts.PageBackoffBase << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = p.resolveCause(ctx, ctx.Err())
		}
		if ctx.Err() != nil {
			break
		}
		attempt++
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("page %d failed", page)
	}
	if p.ledger != nil {
		if lerr := p.ledger.MarkPage(context.WithoutCancel(ctx), name, page, ledger.StatusFailed, attempt, lastErr.Error()); lerr != nil {
			p.logger.Error("ledger mark page", "file", name, "page", page, "error", lerr)
		}
	}
	if cb.OnPageProcessed != nil {
		cb.OnPageProcessed(name, page, nil, lastErr)
	}
	return lastErr
}
