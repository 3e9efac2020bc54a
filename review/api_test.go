package review

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/storywatch/capture"
	"github.com/hazyhaar/storywatch/ledger"
	"github.com/hazyhaar/storywatch/scan"
	"github.com/hazyhaar/storywatch/settings"
	"github.com/hazyhaar/storywatch/traverse"
)

type fakeScanner struct {
	mu      sync.Mutex
	busy    bool
	runs    int
	summary scan.Summary
	done    chan struct{} // closed when a background Run completes
}

func (f *fakeScanner) Run(ctx context.Context, sink traverse.Sink) scan.Summary {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	if f.done != nil {
		defer close(f.done)
	}
	return f.summary
}

func (f *fakeScanner) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeScanner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type apiFixture struct {
	server   *httptest.Server
	scanner  *fakeScanner
	captures *capture.Store
	ldg      *ledger.Ledger
	db       *settings.DB
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dir := t.TempDir()
	captures := capture.NewStore(dir, nil)
	db, err := settings.Open(filepath.Join(dir, "settings.db"))
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ldg := ledger.New(captures, db, nil)
	scanner := &fakeScanner{}
	svc := New(ldg, scanner, db, nil)

	r := chi.NewRouter()
	svc.RegisterHTTP(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &apiFixture{server: server, scanner: scanner, captures: captures, ldg: ldg, db: db}
}

func (f *apiFixture) addCapture(t *testing.T, rel string) {
	t.Helper()
	path := filepath.Join(f.captures.EventsRoot(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *apiFixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (f *apiFixture) post(t *testing.T, path, body string) int {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestEventsListsUnreviewedNewestFirst(t *testing.T) {
	f := newAPIFixture(t)
	f.addCapture(t, "2026-02-08/alice_10-00-00.png")
	f.addCapture(t, "2026-02-09/bob_09-00-00.png")

	var body struct {
		Events []ledger.Entry `json:"events"`
	}
	if code := f.get(t, "/api/events", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(body.Events) != 2 {
		t.Fatalf("got %d events", len(body.Events))
	}
	if body.Events[0].Account != "bob" {
		t.Errorf("order: got %q first", body.Events[0].Account)
	}
}

func TestReviewRemovesEventFromList(t *testing.T) {
	f := newAPIFixture(t)
	f.addCapture(t, "2026-02-08/alice_10-00-00.png")

	code := f.post(t, "/api/events/review",
		`{"key":"2026-02-08/alice_10-00-00.png","approved":true}`)
	if code != http.StatusOK {
		t.Fatalf("review status %d", code)
	}

	var body struct {
		Events []ledger.Entry `json:"events"`
	}
	f.get(t, "/api/events", &body)
	if len(body.Events) != 0 {
		t.Errorf("reviewed event still listed: %+v", body.Events)
	}
}

func TestReviewRejectsBadBody(t *testing.T) {
	f := newAPIFixture(t)
	if code := f.post(t, "/api/events/review", `{not json`); code != http.StatusBadRequest {
		t.Errorf("malformed body: status %d", code)
	}
	if code := f.post(t, "/api/events/review", `{"approved":true}`); code != http.StatusBadRequest {
		t.Errorf("missing key: status %d", code)
	}
}

func TestHideUnhideRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	f.addCapture(t, "2026-02-08/noisy_guy_10-00-00.png")
	f.addCapture(t, "2026-02-08/noisy_guy_11-00-00.png")
	f.addCapture(t, "2026-02-08/alice_12-00-00.png")

	if code := f.post(t, "/api/accounts/noisy.guy/hide", ""); code != http.StatusOK {
		t.Fatalf("hide status %d", code)
	}

	var hiddenBody struct {
		Accounts []string `json:"accounts"`
	}
	f.get(t, "/api/accounts/hidden", &hiddenBody)
	if len(hiddenBody.Accounts) != 1 || hiddenBody.Accounts[0] != "noisy.guy" {
		t.Errorf("hidden accounts: %v", hiddenBody.Accounts)
	}

	var events struct {
		Events []ledger.Entry `json:"events"`
	}
	f.get(t, "/api/events", &events)
	if len(events.Events) != 1 || events.Events[0].Account != "alice" {
		t.Errorf("events after hide: %+v", events.Events)
	}

	if code := f.post(t, "/api/accounts/noisy.guy/unhide", ""); code != http.StatusOK {
		t.Fatalf("unhide status %d", code)
	}
	f.get(t, "/api/events", &events)
	if len(events.Events) != 3 {
		t.Errorf("events after unhide: got %d, want 3", len(events.Events))
	}
}

func TestHistoryEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	f.addCapture(t, "2026-02-08/alice_10-00-00.png")
	if err := f.ldg.Review(ctx, "2026-02-08/alice_10-00-00.png", true); err != nil {
		t.Fatal(err)
	}
	if err := f.ldg.RotateHistory(ctx); err != nil {
		t.Fatal(err)
	}

	var body struct {
		History []ledger.HistoryEntry `json:"history"`
	}
	if code := f.get(t, "/api/history", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(body.History) != 1 || body.History[0].ApprovedCount != 1 {
		t.Errorf("history: %+v", body.History)
	}
}

func TestStatusReflectsLastRun(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	settings.SetInt64(ctx, f.db, settings.KeyLastScanTime, 1770000000)
	settings.SetInt64(ctx, f.db, settings.KeyLastStoryCount, 12)
	settings.SetInt64(ctx, f.db, settings.KeyLastEventCount, 3)
	f.db.Set(ctx, settings.KeyLastError, "navigation lost")

	var body StatusResponse
	if code := f.get(t, "/api/status", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body.LastScanTime != 1770000000 || body.LastStoryCount != 12 ||
		body.LastEventCount != 3 || body.LastError != "navigation lost" {
		t.Errorf("status body: %+v", body)
	}
	if !body.AutoScanEnabled {
		t.Error("auto scan should default to enabled")
	}
	if body.Busy {
		t.Error("idle scanner reported busy")
	}
}

func TestScanStartsInBackground(t *testing.T) {
	f := newAPIFixture(t)
	f.scanner.done = make(chan struct{})
	f.scanner.summary = scan.Summary{RunID: "run_x", StoryCount: 4}

	if code := f.post(t, "/api/scan", ""); code != http.StatusAccepted {
		t.Fatalf("scan status %d, want 202", code)
	}
	<-f.scanner.done
	if f.scanner.runCount() != 1 {
		t.Errorf("runs: got %d", f.scanner.runCount())
	}
}

func TestScanConflictsWhenBusy(t *testing.T) {
	f := newAPIFixture(t)
	f.scanner.busy = true

	if code := f.post(t, "/api/scan", ""); code != http.StatusConflict {
		t.Errorf("scan status %d, want 409", code)
	}
	if f.scanner.runCount() != 0 {
		t.Error("busy scanner must not be invoked")
	}
}
