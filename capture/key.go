// Package capture owns the on-disk store of accepted story frames.
//
// An accepted frame is a CapturedEvent: a PNG under
// events/<YYYY-MM-DD>/<sanitized_account>_<HH-MM-SS>.png. File presence is
// existence — no sidecar index. The path relative to the events root is the
// event's identity everywhere else in the system (ledger sets, review
// history), but code carries the explicit Key type and treats the path as
// its serialization.
package capture

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15-04-05"
	frameExt   = ".png"
)

// Key identifies a captured event: account + date bucket + capture time.
// Two captures with the same Key are the same event.
type Key struct {
	Account string // sanitized account handle
	Date    string // YYYY-MM-DD
	Time    string // HH-MM-SS
}

// NewKey builds a Key for an account handle at a capture instant. The
// handle is sanitized so the Key is always representable on disk.
func NewKey(account string, at time.Time) Key {
	return Key{
		Account: Sanitize(account),
		Date:    at.Format(dateLayout),
		Time:    at.Format(timeLayout),
	}
}

// String renders the Key as the events-root-relative path. This is the
// ledger's key string.
func (k Key) String() string {
	return path.Join(k.Date, k.Account+"_"+k.Time+frameExt)
}

// ParseKey is the inverse of Key.String. The account/time split is on the
// rightmost underscore so accounts that themselves contain underscores
// round-trip (in their sanitized form). Returns false for anything that
// does not look like a capture path.
func ParseKey(rel string) (Key, bool) {
	dir, file := path.Split(rel)
	dir = strings.TrimSuffix(dir, "/")
	if _, err := time.Parse(dateLayout, dir); err != nil {
		return Key{}, false
	}
	name, ok := strings.CutSuffix(file, frameExt)
	if !ok {
		return Key{}, false
	}
	idx := strings.LastIndex(name, "_")
	if idx < 0 {
		return Key{}, false
	}
	account, timePart := name[:idx], name[idx+1:]
	if _, err := time.Parse(timeLayout, timePart); err != nil {
		return Key{}, false
	}
	return Key{Account: account, Date: dir, Time: timePart}, true
}

// Sanitize maps every character outside [A-Za-z0-9_] to '_', keeping
// handles filesystem-safe and Key-parseable.
func Sanitize(account string) string {
	var b strings.Builder
	b.Grow(len(account))
	for _, r := range account {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// PlaceholderAccount synthesizes a unique handle for a story whose account
// could not be resolved, so the pipeline never blocks on identity.
func PlaceholderAccount(at time.Time) string {
	return fmt.Sprintf("unknown_%d", at.Unix())
}
