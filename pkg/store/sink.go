package store

import (
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/perp/pkg/perp"
)

// JournalSink adapts the store's event journal to perp.EventSink. Journal
// failures are logged and dropped so persistence trouble never blocks
// accounting.
type JournalSink struct {
	store  *Store
	clock  func() int64
	logger log.Logger
}

// NewJournalSink wraps store; a nil clock uses wall time.
func NewJournalSink(s *Store, clock func() int64) *JournalSink {
	if clock == nil {
		clock = func() int64 { return time.Now().Unix() }
	}
	return &JournalSink{store: s, clock: clock, logger: s.logger}
}

// Publish implements perp.EventSink.
func (j *JournalSink) Publish(ev perp.Event) {
	if _, err := j.store.Append(ev, j.clock()); err != nil {
		j.logger.Error("event journal write failed", "type", ev.EventType(), "error", err)
	}
}
