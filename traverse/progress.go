package traverse

import "fmt"

// ProgressKind discriminates the progress events emitted during a run.
type ProgressKind int

const (
	// KindStatus is opaque status text with no semantic weight.
	KindStatus ProgressKind = iota
	// KindStoryAdvanced marks arrival on a new story.
	KindStoryAdvanced
	// KindEventAccepted marks a positive classification persisted to disk.
	KindEventAccepted
	// KindNotEvent marks a story discarded (negative verdict or per-item error).
	KindNotEvent
	// KindRunSummary is the terminal event of a run.
	KindRunSummary
)

// Progress is one structured progress event. Consumers switch on Kind; the
// String rendering exists only for logs and the legacy line protocol.
type Progress struct {
	Kind        ProgressKind
	StoryNumber int    // StoryAdvanced
	Account     string // StoryAdvanced, EventAccepted, NotEvent
	Key         string // EventAccepted: the ledger key of the new capture
	Message     string // Status
	StoryCount  int    // RunSummary
	EventCount  int    // RunSummary
}

// Sink receives progress events. A nil Sink is valid and discards them.
type Sink func(Progress)

func (p Progress) String() string {
	switch p.Kind {
	case KindStoryAdvanced:
		return fmt.Sprintf("Story %d: @%s", p.StoryNumber, p.Account)
	case KindEventAccepted:
		return fmt.Sprintf("EVENT DETECTED: @%s (%s)", p.Account, p.Key)
	case KindNotEvent:
		return fmt.Sprintf("Not an event: @%s", p.Account)
	case KindRunSummary:
		return fmt.Sprintf("Done! Processed %d stories, found %d events",
			p.StoryCount, p.EventCount)
	default:
		return p.Message
	}
}
