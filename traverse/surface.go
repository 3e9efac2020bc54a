package traverse

import (
	"context"
	"errors"
)

// ErrNoSession is returned when no login session artifact exists. It is a
// precondition failure: no automation surface is launched.
var ErrNoSession = errors.New("traverse: no session; log in first")

// ErrEndOfFeed signals that the feed cannot advance further. It is the
// normal terminal condition of a traversal, not a failure.
var ErrEndOfFeed = errors.New("traverse: end of feed")

// Surface is the opaque story feed the engine drives. The production
// implementation is a rod-controlled browser (StorySurface); tests use a
// scripted fake.
//
// Account resolution is the surface's concern, including its fallback
// strategy; the engine only substitutes a placeholder when resolution
// fails entirely.
type Surface interface {
	// Open brings the surface from Idle to the first story. ErrNoSession
	// must be returned before any visible side effect if the session
	// precondition fails.
	Open(ctx context.Context) error

	// Location returns the current location identifier (URL-equivalent).
	// Two equal values across steps mean the surface did not move.
	Location(ctx context.Context) (string, error)

	// Account resolves the current story's account handle. An error means
	// both extraction strategies failed.
	Account(ctx context.Context) (string, error)

	// Frame captures the tightly cropped story region.
	Frame(ctx context.Context) ([]byte, error)

	// Advance moves to the next story. ErrEndOfFeed when the feed is
	// exhausted or the surface left the story view.
	Advance(ctx context.Context) error

	// SkipAccount is the stuck-recovery action: a targeted interaction
	// that jumps past the current account's content.
	SkipAccount(ctx context.Context) error

	// Close releases the surface. Must be safe after a failed Open.
	Close() error
}

// Classifier is the yes/no verdict oracle (classify.Client in production).
type Classifier interface {
	Classify(ctx context.Context, frame []byte) (bool, error)
}
