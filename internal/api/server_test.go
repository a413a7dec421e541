package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oyerindedaniel/glide-sub000/internal/ledger"
)

type fakeCoordinator struct{ requests, clients int }

func (f *fakeCoordinator) Status() (int, int) { return f.requests, f.clients }

type fakePool struct{ leased, free, waiting, orphans int }

func (f *fakePool) Stats() (int, int, int, int) { return f.leased, f.free, f.waiting, f.orphans }

type fakeLedger struct {
	files    []ledger.FileRecord
	progress float64
	err      error
}

func (f *fakeLedger) Snapshot(ctx context.Context) ([]ledger.FileRecord, error) {
	return f.files, f.err
}

func (f *fakeLedger) Progress(ctx context.Context) (float64, error) {
	return f.progress, f.err
}

func newTestServer(led BatchLedger) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Listen: "127.0.0.1:0"},
		&fakeCoordinator{requests: 2, clients: 1},
		&fakePool{leased: 2, free: 1, waiting: 3},
		led, logger)
}

func get(t *testing.T, srv *Server, path string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return rec.Code
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv := newTestServer(nil)

	var resp HealthzResponse
	if code := get(t, srv, "/healthz", &resp); code != http.StatusOK {
		t.Fatalf("healthz status = %d", code)
	}
	if resp.Status != "ok" {
		t.Fatalf("healthz body = %+v", resp)
	}
}

func TestStatusReportsCoordinatorAndPool(t *testing.T) {
	t.Parallel()
	srv := newTestServer(nil)

	var resp StatusResponse
	if code := get(t, srv, "/v1/status", &resp); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if resp.ActiveRequests != 2 || resp.ActiveClients != 1 {
		t.Fatalf("coordinator fields = %+v", resp)
	}
	if resp.WorkersLeased != 2 || resp.WorkersFree != 1 || resp.Waiting != 3 {
		t.Fatalf("pool fields = %+v", resp)
	}
}

func TestBatchesWithLedger(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&fakeLedger{
		files: []ledger.FileRecord{
			{Name: "a.pdf", TotalPages: 3, Status: "completed", DonePages: 3},
			{Name: "b.pdf", TotalPages: 5, Status: "processing", DonePages: 2},
		},
		progress: 0.5,
	})

	var resp BatchesResponse
	if code := get(t, srv, "/v1/batches", &resp); code != http.StatusOK {
		t.Fatalf("batches code = %d", code)
	}
	if resp.Progress != 0.5 || len(resp.Files) != 2 {
		t.Fatalf("batches body = %+v", resp)
	}
	if resp.Files[0].Name != "a.pdf" {
		t.Fatalf("file order = %+v", resp.Files)
	}
}

func TestBatchesWithoutLedger(t *testing.T) {
	t.Parallel()
	srv := newTestServer(nil)

	var resp BatchesResponse
	if code := get(t, srv, "/v1/batches", &resp); code != http.StatusOK {
		t.Fatalf("batches code = %d", code)
	}
	if resp.Files == nil || len(resp.Files) != 0 {
		t.Fatalf("batches body = %+v", resp)
	}
}

func TestBatchesLedgerError(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&fakeLedger{err: errors.New("db closed")})

	if code := get(t, srv, "/v1/batches", nil); code != http.StatusInternalServerError {
		t.Fatalf("batches code = %d, want 500", code)
	}
}
