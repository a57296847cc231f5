package publish

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"revenuechannels/core/events"
)

// Conn is the slice of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON payload published for every engine event.
type Message struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Published  int64             `json:"published"`
}

// Publisher forwards engine events to NATS. Each event goes to
// "<subject>.<type without the lending prefix>", e.g. lending.events.loan.opened.
type Publisher struct {
	conn    Conn
	subject string
	logger  *slog.Logger
	nowFn   func() time.Time
}

// New wraps an existing connection.
func New(conn Conn, subject string) (*Publisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	subject = strings.Trim(strings.TrimSpace(subject), ".")
	if subject == "" {
		return nil, fmt.Errorf("nats subject required")
	}
	return &Publisher{conn: conn, subject: subject, logger: slog.Default(), nowFn: time.Now}, nil
}

// Connect dials the NATS server and returns a publisher plus a close function.
func Connect(url, subject string, logger *slog.Logger) (*Publisher, func(), error) {
	nc, err := nats.Connect(url,
		nats.Name("lendingd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil && logger != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	p, err := New(nc, subject)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	if logger != nil {
		p.logger = logger
	}
	return p, func() {
		_ = nc.Drain()
	}, nil
}

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(eventType string) string {
	suffix := strings.TrimPrefix(eventType, "lending.")
	if suffix == "" {
		return p.subject
	}
	return p.subject + "." + suffix
}

// Emit implements events.Emitter. Publish failures are logged.
func (p *Publisher) Emit(evt events.Event) {
	if p == nil || evt == nil {
		return
	}
	msg := Message{Type: evt.EventType(), Published: p.nowFn().Unix()}
	if rec, ok := evt.(events.Record); ok {
		msg.Attributes = rec.Attributes
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("encode event for nats", "type", msg.Type, "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(msg.Type), data); err != nil {
		p.logger.Warn("publish event to nats", "type", msg.Type, "error", err)
	}
}
