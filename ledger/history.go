package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/hazyhaar/storywatch/capture"
	"github.com/hazyhaar/storywatch/settings"
)

// HistoryEntry summarises one review batch: everything approved or
// rejected between two successive new-event discoveries. Append-only.
type HistoryEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	Accounts      []string  `json:"accounts"`
	ApprovedCount int       `json:"approved_count"`
	RejectedCount int       `json:"rejected_count"`
}

// RotateHistory summarises the current reviewed+rejected sets into one
// history entry, appends it, and clears both sets to start a fresh batch.
// A stable batch (both sets empty) is preserved untouched — the caller
// invokes this only when a run discovered at least one new event.
func (l *Ledger) RotateHistory(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reviewed, err := settings.StringSet(ctx, l.store, settings.KeyReviewedEvents)
	if err != nil {
		return err
	}
	rejected, err := settings.StringSet(ctx, l.store, settings.KeyRejectedEvents)
	if err != nil {
		return err
	}
	if len(reviewed) == 0 && len(rejected) == 0 {
		return nil
	}

	accounts := make(map[string]struct{})
	for _, set := range []map[string]struct{}{reviewed, rejected} {
		for key := range set {
			if k, ok := capture.ParseKey(key); ok {
				accounts[k.Account] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(accounts))
	for a := range accounts {
		names = append(names, a)
	}
	sort.Strings(names)

	entry := HistoryEntry{
		Timestamp:     l.now().UTC(),
		Accounts:      names,
		ApprovedCount: len(reviewed),
		RejectedCount: len(rejected),
	}
	if err := l.appendHistory(ctx, entry); err != nil {
		return err
	}

	if err := settings.SetStringSet(ctx, l.store, settings.KeyReviewedEvents, nil); err != nil {
		return err
	}
	if err := settings.SetStringSet(ctx, l.store, settings.KeyRejectedEvents, nil); err != nil {
		return err
	}
	l.logger.Info("ledger: history rotated",
		"approved", entry.ApprovedCount, "rejected", entry.RejectedCount,
		"accounts", len(entry.Accounts))
	return nil
}

// History returns the review history log, oldest first.
func (l *Ledger) History(ctx context.Context) ([]HistoryEntry, error) {
	raw, err := l.store.Get(ctx, settings.KeyReviewHistory, "[]")
	if err != nil {
		return nil, err
	}
	var entries []HistoryEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("ledger: decode history: %w", err)
	}
	return entries, nil
}

func (l *Ledger) appendHistory(ctx context.Context, entry HistoryEntry) error {
	entries, err := l.History(ctx)
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("ledger: encode history: %w", err)
	}
	return l.store.Set(ctx, settings.KeyReviewHistory, string(raw))
}
