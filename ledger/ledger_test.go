package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/storywatch/capture"
	"github.com/hazyhaar/storywatch/settings"
)

func testLedger(t *testing.T) (*Ledger, *capture.Store, *settings.DB) {
	t.Helper()
	dir := t.TempDir()
	captures := capture.NewStore(dir, nil)
	db, err := settings.Open(filepath.Join(dir, "settings.db"))
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(captures, db, nil), captures, db
}

func addCapture(t *testing.T, s *capture.Store, rel string) string {
	t.Helper()
	path := filepath.Join(s.EventsRoot(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	return rel
}

func TestUnreviewedNewestFirst(t *testing.T) {
	l, captures, _ := testLedger(t)
	addCapture(t, captures, "2026-02-08/alice_10-00-00.png")
	addCapture(t, captures, "2026-02-08/bob_11-00-00.png")

	got, err := l.UnreviewedEvents(context.Background(), nil)
	if err != nil {
		t.Fatalf("unreviewed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	// Same date: later time key sorts first.
	if got[0].Account != "bob" || got[1].Account != "alice" {
		t.Errorf("order: got %s then %s, want bob then alice", got[0].Account, got[1].Account)
	}
}

func TestUnreviewedExcludesTriagedAndHidden(t *testing.T) {
	l, captures, _ := testLedger(t)
	ctx := context.Background()
	kApproved := addCapture(t, captures, "2026-02-08/alice_10-00-00.png")
	kRejected := addCapture(t, captures, "2026-02-08/alice_11-00-00.png")
	addCapture(t, captures, "2026-02-08/alice_12-00-00.png")
	addCapture(t, captures, "2026-02-08/hidden_guy_09-00-00.png")

	if err := l.Review(ctx, kApproved, true); err != nil {
		t.Fatal(err)
	}
	if err := l.Review(ctx, kRejected, false); err != nil {
		t.Fatal(err)
	}

	got, err := l.UnreviewedEvents(ctx, map[string]struct{}{"hidden.guy": {}})
	if err != nil {
		t.Fatalf("unreviewed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1: %+v", len(got), got)
	}
	if got[0].Key != "2026-02-08/alice_12-00-00.png" {
		t.Errorf("got %s", got[0].Key)
	}
}

func TestUnreviewedSortAcrossDates(t *testing.T) {
	l, captures, _ := testLedger(t)
	addCapture(t, captures, "2026-02-07/zed_23-59-59.png")
	addCapture(t, captures, "2026-02-08/ann_00-00-01.png")

	got, err := l.UnreviewedEvents(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Date != "2026-02-08" {
		t.Errorf("newest date first: got %s", got[0].Date)
	}
}

func TestReviewLastWriteWins(t *testing.T) {
	l, captures, db := testLedger(t)
	ctx := context.Background()
	k := addCapture(t, captures, "2026-02-08/alice_10-00-00.png")

	if err := l.Review(ctx, k, true); err != nil {
		t.Fatal(err)
	}
	if err := l.Review(ctx, k, false); err != nil {
		t.Fatal(err)
	}

	reviewed, _ := settings.StringSet(ctx, db, settings.KeyReviewedEvents)
	rejected, _ := settings.StringSet(ctx, db, settings.KeyRejectedEvents)
	if _, ok := reviewed[k]; ok {
		t.Error("key must not remain approved after rejection")
	}
	if _, ok := rejected[k]; !ok {
		t.Error("key must be rejected")
	}
}

func TestReviewIdempotent(t *testing.T) {
	l, captures, db := testLedger(t)
	ctx := context.Background()
	k := addCapture(t, captures, "2026-02-08/alice_10-00-00.png")

	if err := l.Review(ctx, k, true); err != nil {
		t.Fatal(err)
	}
	before, _ := db.Get(ctx, settings.KeyReviewedEvents, "")
	if err := l.Review(ctx, k, true); err != nil {
		t.Fatal(err)
	}
	after, _ := db.Get(ctx, settings.KeyReviewedEvents, "")
	if before != after {
		t.Errorf("second identical review changed state: %q → %q", before, after)
	}
}

func TestHideUnhideRoundTrip(t *testing.T) {
	l, captures, _ := testLedger(t)
	ctx := context.Background()
	addCapture(t, captures, "2026-02-08/alice_10-00-00.png")
	addCapture(t, captures, "2026-02-08/alice_11-00-00.png")
	kApproved := addCapture(t, captures, "2026-02-08/alice_12-00-00.png")
	addCapture(t, captures, "2026-02-08/bob_10-30-00.png")

	if err := l.Review(ctx, kApproved, true); err != nil {
		t.Fatal(err)
	}

	count, err := l.HideAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("hide: %v", err)
	}
	if count != 2 {
		t.Errorf("hide count: got %d, want 2 (approved event not re-rejected)", count)
	}

	hidden, _ := l.HiddenAccounts(ctx)
	if _, ok := hidden["alice"]; !ok {
		t.Error("alice not in hidden set")
	}
	got, _ := l.UnreviewedEvents(ctx, hidden)
	if len(got) != 1 || got[0].Account != "bob" {
		t.Errorf("while hidden: got %+v, want only bob", got)
	}

	if err := l.UnhideAccount(ctx, "alice"); err != nil {
		t.Fatalf("unhide: %v", err)
	}
	hidden, _ = l.HiddenAccounts(ctx)
	got, _ = l.UnreviewedEvents(ctx, hidden)
	// Both batch-rejected events are back; the approved one stays approved.
	if len(got) != 3 {
		t.Errorf("after unhide: got %d entries, want 3: %+v", len(got), got)
	}
}

func TestUnhideReleasesManualRejections(t *testing.T) {
	// Documented ambiguity: rejections carry no provenance, so unhide also
	// releases events rejected individually before the hide.
	l, captures, _ := testLedger(t)
	ctx := context.Background()
	kManual := addCapture(t, captures, "2026-02-08/alice_09-00-00.png")
	addCapture(t, captures, "2026-02-08/alice_10-00-00.png")

	if err := l.Review(ctx, kManual, false); err != nil {
		t.Fatal(err)
	}
	if _, err := l.HideAccount(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := l.UnhideAccount(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	got, _ := l.UnreviewedEvents(ctx, nil)
	if len(got) != 2 {
		t.Errorf("got %d entries, want 2 (manual rejection released too)", len(got))
	}
}

func TestComputeNewSince(t *testing.T) {
	prior := Snapshot{
		Known:    map[string]struct{}{"A": {}},
		Reviewed: map[string]struct{}{},
		Rejected: map[string]struct{}{},
	}
	current := map[string]struct{}{"A": {}, "B": {}}
	if got := ComputeNewSince(current, prior); got != 1 {
		t.Errorf("got %d, want 1", got)
	}

	// A key previously triaged but no longer on disk counts as not-new
	// even when it reappears.
	prior = Snapshot{
		Known:    map[string]struct{}{},
		Reviewed: map[string]struct{}{"C": {}},
		Rejected: map[string]struct{}{"D": {}},
	}
	current = map[string]struct{}{"C": {}, "D": {}, "E": {}}
	if got := ComputeNewSince(current, prior); got != 1 {
		t.Errorf("triaged keys: got %d, want 1", got)
	}
}

func TestRotateHistory(t *testing.T) {
	l, captures, db := testLedger(t)
	ctx := context.Background()
	l.now = func() time.Time { return time.Date(2026, 2, 9, 8, 0, 0, 0, time.UTC) }

	// Empty batch: no entry appended.
	if err := l.RotateHistory(ctx); err != nil {
		t.Fatal(err)
	}
	entries, err := l.History(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("empty rotate appended %d entries", len(entries))
	}

	kA := addCapture(t, captures, "2026-02-08/alice_10-00-00.png")
	kB := addCapture(t, captures, "2026-02-08/bob_11-00-00.png")
	if err := l.Review(ctx, kA, true); err != nil {
		t.Fatal(err)
	}
	if err := l.Review(ctx, kB, false); err != nil {
		t.Fatal(err)
	}

	if err := l.RotateHistory(ctx); err != nil {
		t.Fatal(err)
	}
	entries, err = l.History(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.ApprovedCount != 1 || e.RejectedCount != 1 {
		t.Errorf("counts: %+v", e)
	}
	if len(e.Accounts) != 2 || e.Accounts[0] != "alice" || e.Accounts[1] != "bob" {
		t.Errorf("accounts: %v", e.Accounts)
	}
	if !e.Timestamp.Equal(time.Date(2026, 2, 9, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp: %v", e.Timestamp)
	}

	// Both sets cleared: a fresh batch starts.
	reviewed, _ := settings.StringSet(ctx, db, settings.KeyReviewedEvents)
	rejected, _ := settings.StringSet(ctx, db, settings.KeyRejectedEvents)
	if len(reviewed)+len(rejected) != 0 {
		t.Error("sets not cleared after rotation")
	}
}
