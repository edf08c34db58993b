package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/observability"
)

// DefaultSubjectPrefix is the subject prefix used when none is configured.
const DefaultSubjectPrefix = "lessonflow.runs"

// NATSBus publishes run events on NATS subjects "<prefix>.<run_id>", so
// several server instances can follow each other's runs.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	owned  bool
	logger *slog.Logger
}

// NewNATSBus wraps an existing connection. Close leaves the connection open.
func NewNATSBus(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSBus {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBus{conn: conn, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// ConnectNATS dials url and returns a bus that owns the connection.
func ConnectNATS(url, prefix string, logger *slog.Logger) (*NATSBus, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("lessonflow"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	b := NewNATSBus(conn, prefix, logger)
	b.owned = true
	return b, nil
}

// Subject returns the subject carrying runID's events. Characters NATS
// treats as token separators or wildcards are replaced.
func (b *NATSBus) Subject(runID string) string {
	return b.prefix + "." + subjectToken(runID)
}

func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// Publish implements Bus.
func (b *NATSBus) Publish(_ context.Context, evt Event) error {
	if b.conn.IsClosed() {
		return ErrBusClosed
	}
	data, err := Encode(evt)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.Subject(evt.RunID), data); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *NATSBus) Subscribe(runID string, handler Handler) (Subscription, error) {
	if runID == "" {
		return nil, errors.New("subscribe: run id is required")
	}
	return b.subscribe(b.Subject(runID), handler)
}

// SubscribeAll implements Bus.
func (b *NATSBus) SubscribeAll(handler Handler) (Subscription, error) {
	return b.subscribe(b.prefix+".>", handler)
}

func (b *NATSBus) subscribe(subject string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("subscribe: handler is required")
	}
	if b.conn.IsClosed() {
		return nil, ErrBusClosed
	}
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		evt, err := Decode(msg.Data)
		if err != nil {
			observability.LogSinkError(b.logger, "nats", "decode", err)
			return
		}
		handler(context.Background(), evt)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub, logger: b.logger}, nil
}

// Close implements Bus. It drains the connection when the bus owns it.
func (b *NATSBus) Close() error {
	if !b.owned || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Drain()
}

type natsSubscription struct {
	sub    *nats.Subscription
	logger *slog.Logger
}

func (s *natsSubscription) ID() string { return s.sub.Subject }

func (s *natsSubscription) Unsubscribe() {
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
		s.logger.Error("failed to unsubscribe",
			observability.ErrAttr(err),
			slog.String("subject", s.sub.Subject),
		)
	}
}
