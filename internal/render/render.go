// Package render hosts per-client document sessions and turns page numbers
// into encoded images. One session per ClientID; sessions never share state,
// so a failed page on one client cannot disturb another client's document.
package render

import (
	"bytes"
	"fmt"
	"image/png"
	"log/slog"
	"sync"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/oyerindedaniel/glide-sub000/internal/log"
	"github.com/oyerindedaniel/glide-sub000/internal/message"
)

// ErrNoDocument is returned when a page is requested for a client that has
// no open document.
var ErrNoDocument = fmt.Errorf("no open document for client")

// Options configures a Service.
type Options struct {
	// ScaleCacheCapacity bounds the per-client scale memo. Oldest entry is
	// evicted first once exceeded.
	ScaleCacheCapacity int
}

func (o Options) withDefaults() Options {
	if o.ScaleCacheCapacity <= 0 {
		o.ScaleCacheCapacity = 32
	}
	return o
}

type session struct {
	doc    *fitz.Document
	dims   []types.Dim
	total  int
	scales *scaleCache
}

// Service owns all document sessions for one renderer unit. The unit drains
// its inbox serially, so Service methods are never called concurrently for
// the same unit; the mutex guards the map for Status-style readers.
type Service struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[message.ClientID]*session
}

// New creates an empty render service.
func New(opts Options) *Service {
	return &Service{
		opts:     opts.withDefaults(),
		logger:   log.WithComponent("render"),
		sessions: make(map[message.ClientID]*session),
	}
}

// Open validates data, opens a document session for client, and returns the
// page count. Re-opening an already-open client replaces the prior document;
// the replacement is logged because it usually means the caller forgot to
// clean up.
func (s *Service) Open(client message.ClientID, data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()

	count, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	dims, err := api.PageDims(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("read page dimensions: %w", err)
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return 0, fmt.Errorf("open document: %w", err)
	}

	s.mu.Lock()
	if old, ok := s.sessions[client]; ok {
		s.logger.Warn("replacing open document",
			"client_id", string(client),
			"old_pages", old.total,
			"new_pages", count)
		_ = old.doc.Close()
	}
	s.sessions[client] = &session{
		doc:    doc,
		dims:   dims,
		total:  count,
		scales: newScaleCache(s.opts.ScaleCacheCapacity),
	}
	s.mu.Unlock()

	return count, nil
}

// RenderPage rasterizes one page for client and returns it PNG-encoded.
// The returned buffer is owned by the caller. Page numbers are 1-based.
func (s *Service) RenderPage(client message.ClientID, page int, cfg message.RenderConfig, disp message.DisplayInfo) ([]byte, int, int, error) {
	s.mu.Lock()
	sess, ok := s.sessions[client]
	s.mu.Unlock()
	if !ok {
		return nil, 0, 0, ErrNoDocument
	}
	if page < 1 || page > sess.total {
		return nil, 0, 0, fmt.Errorf("page %d out of range 1..%d", page, sess.total)
	}

	pageW, pageH := sess.pageDims(page)
	scale := sess.scales.get(pageW, pageH, cfg, disp, func() float64 {
		return OptimalScale(pageW, pageH, cfg, disp)
	})

	img, err := sess.doc.ImageDPI(page-1, 72*scale)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("rasterize page %d: %w", page, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, 0, 0, fmt.Errorf("encode page %d: %w", page, err)
	}
	b := img.Bounds()
	return buf.Bytes(), b.Dx(), b.Dy(), nil
}

// Close releases the client's document and purges its scale cache.
// Safe to call when no session exists.
func (s *Service) Close(client message.ClientID) {
	s.mu.Lock()
	sess, ok := s.sessions[client]
	if ok {
		delete(s.sessions, client)
	}
	s.mu.Unlock()
	if ok {
		_ = sess.doc.Close()
	}
}

// Abort is Close under a different name: at the renderer there is nothing
// mid-flight to interrupt, only resources to release.
func (s *Service) Abort(client message.ClientID) {
	s.Close(client)
}

// OpenSessions reports how many clients currently hold documents.
func (s *Service) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// pageDims returns the page size in points, falling back to the fitz bound
// when pdfcpu reported fewer dims than pages.
func (sess *session) pageDims(page int) (float64, float64) {
	if page-1 < len(sess.dims) {
		d := sess.dims[page-1]
		if d.Width > 0 && d.Height > 0 {
			return d.Width, d.Height
		}
	}
	if r, err := sess.doc.Bound(page - 1); err == nil && r.Dx() > 0 && r.Dy() > 0 {
		return float64(r.Dx()), float64(r.Dy())
	}
	// US Letter at 72dpi. Only reachable for malformed page trees.
	return 612, 792
}
