// ABOUTME: StepSink that publishes run events as JSON messages on NATS subjects.
// ABOUTME: Subjects follow <prefix>.<runID>.<type>; publish failures are returned to the runner to log.

package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/2389/opdbus-orchestrator/internal/orchestrator"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "opdbus.runs"

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Sink implements orchestrator.StepSink over NATS.
type Sink struct {
	pub    Publisher
	conn   *nats.Conn // nil when constructed with NewSink
	prefix string
	logger *slog.Logger
}

var _ orchestrator.StepSink = (*Sink)(nil)

// Connect dials the NATS server at url and returns a sink publishing under prefix.
func Connect(url, prefix string, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := logger.With("component", "natsbus")

	conn, err := nats.Connect(url,
		nats.Name("opdbus-orchestrator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}

	s := NewSink(conn, prefix, logger)
	s.conn = conn
	l.Info("connected to nats", "url", conn.ConnectedUrl(), "prefix", s.prefix)
	return s, nil
}

// NewSink wraps an existing publisher.
func NewSink(pub Publisher, prefix string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Sink{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.With("component", "natsbus"),
	}
}

// Subject returns the subject an event of the given run and type is published on.
func Subject(prefix, runID string, typ orchestrator.EventType) string {
	return prefix + "." + token(runID) + "." + token(string(typ))
}

// token makes s usable as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Publish encodes ev as JSON and publishes it.
func (s *Sink) Publish(ctx context.Context, ev orchestrator.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	subject := Subject(s.prefix, ev.RunID, ev.Type)
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	s.logger.Debug("published event", "subject", subject, "bytes", len(data))
	return nil
}

// Close drains the connection when the sink owns one.
func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
