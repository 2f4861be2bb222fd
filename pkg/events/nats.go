// Package events bridges engine events onto NATS subjects.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/perp/pkg/perp"
)

// SubjectPrefix is the root of the event subject hierarchy; the full
// subject is "<prefix>.<eventType>", e.g. perp.events.position_closed.
const SubjectPrefix = "perp.events"

// NATSSink publishes engine events as JSON onto NATS. Publish failures are
// logged and dropped: event delivery must never block or fail accounting.
type NATSSink struct {
	conn   *nats.Conn
	logger log.Logger
}

// NewNATSSink connects to the given NATS URL.
func NewNATSSink(url string, logger log.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("perp-events"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info("NATS event sink connected", "url", url)
	return &NATSSink{conn: conn, logger: logger}, nil
}

// Publish implements perp.EventSink.
func (s *NATSSink) Publish(ev perp.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("event marshal failed", "type", ev.EventType(), "error", err)
		return
	}
	subject := SubjectPrefix + "." + ev.EventType()
	if err := s.conn.Publish(subject, payload); err != nil {
		s.logger.Warn("event publish failed", "subject", subject, "error", err)
	}
}

// Close drains and closes the connection.
func (s *NATSSink) Close() {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
}
