package capture

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	eventsDir = "events"
	tempName  = ".capture.tmp"
)

// Event is one captured frame on disk.
type Event struct {
	Key  Key
	Path string // absolute path
}

// Store reads and writes captured event frames under a root directory.
// The store is the only writer of frame files; the ledger only interprets
// what the store lists.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a Store rooted at dir. Frames live under dir/events.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: dir, logger: logger}
}

// EventsRoot returns the directory holding the date buckets.
func (s *Store) EventsRoot() string {
	return filepath.Join(s.root, eventsDir)
}

// PathFor returns the absolute path a capture for account at the given
// instant would be stored at.
func (s *Store) PathFor(account string, at time.Time) string {
	return s.PathOf(NewKey(account, at))
}

// PathOf returns the absolute path for a Key.
func (s *Store) PathOf(k Key) string {
	return filepath.Join(s.EventsRoot(), k.Date, k.Account+"_"+k.Time+frameExt)
}

// ListAll scans the two-level date/file hierarchy and returns events
// grouped by account, each group ordered by key. Date buckets that do not
// parse as YYYY-MM-DD and files without the frame suffix are skipped;
// unreadable directories are treated as empty rather than failing the
// whole listing.
func (s *Store) ListAll() (map[string][]Event, error) {
	root := s.EventsRoot()
	buckets, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]Event{}, nil
		}
		return nil, fmt.Errorf("capture: list %s: %w", root, err)
	}

	byAccount := make(map[string][]Event)
	for _, bucket := range buckets {
		if !bucket.IsDir() {
			continue
		}
		if _, err := time.Parse(dateLayout, bucket.Name()); err != nil {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, bucket.Name()))
		if err != nil {
			s.logger.Warn("capture: unreadable bucket, skipping",
				"bucket", bucket.Name(), "error", err)
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			key, ok := ParseKey(bucket.Name() + "/" + f.Name())
			if !ok {
				continue
			}
			byAccount[key.Account] = append(byAccount[key.Account], Event{
				Key:  key,
				Path: filepath.Join(root, bucket.Name(), f.Name()),
			})
		}
	}

	for _, events := range byAccount {
		sort.Slice(events, func(i, j int) bool {
			return events[i].Key.String() < events[j].Key.String()
		})
	}
	return byAccount, nil
}

// Keys returns the flat set of all key strings currently on disk.
func (s *Store) Keys() (map[string]struct{}, error) {
	byAccount, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	keys := make(map[string]struct{})
	for _, events := range byAccount {
		for _, e := range events {
			keys[e.Key.String()] = struct{}{}
		}
	}
	return keys, nil
}

// TempPath is the single reusable path for an in-flight frame. The frame
// lives here between screenshot and verdict; Commit renames it into place,
// DiscardTemp removes it. Every capture attempt must end in one of the two.
func (s *Store) TempPath() string {
	return filepath.Join(s.root, tempName)
}

// WriteTemp stores an in-flight frame at the temp path.
func (s *Store) WriteTemp(frame []byte) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("capture: mkdir root: %w", err)
	}
	if err := os.WriteFile(s.TempPath(), frame, 0o644); err != nil {
		return fmt.Errorf("capture: write temp: %w", err)
	}
	return nil
}

// Commit renames the temp frame into its final keyed location and returns
// the event. The date bucket directory is created as needed.
func (s *Store) Commit(k Key) (Event, error) {
	dst := s.PathOf(k)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Event{}, fmt.Errorf("capture: mkdir bucket: %w", err)
	}
	if err := os.Rename(s.TempPath(), dst); err != nil {
		return Event{}, fmt.Errorf("capture: commit %s: %w", k, err)
	}
	return Event{Key: k, Path: dst}, nil
}

// DiscardTemp removes the temp frame if present. Safe to call on any exit
// path of a capture attempt.
func (s *Store) DiscardTemp() {
	if err := os.Remove(s.TempPath()); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("capture: discard temp", "error", err)
	}
}

// CleanupStale removes a temp frame left behind by a crashed run. Called
// on startup, not relied upon during the crashed run itself.
func (s *Store) CleanupStale() {
	s.DiscardTemp()
}

// Remove deletes a captured event file (export/cleanup collaborators).
// Removing an already-absent key is not an error: a prior run may have
// moved the file.
func (s *Store) Remove(k Key) error {
	if err := os.Remove(s.PathOf(k)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("capture: remove %s: %w", k, err)
	}
	return nil
}
