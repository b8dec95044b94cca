// Package events publishes ad lifecycle events to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"adsync/pkg/run"
)

// DefaultSubjectPrefix prefixes every subject, as in "adsync.ad.published".
const DefaultSubjectPrefix = "adsync"

type conn interface {
	Publish(subject string, data []byte) error
}

// Publisher sends one message per published, deleted or downloaded ad.
type Publisher struct {
	conn   conn
	prefix string
	close  func()
	logger *slog.Logger
}

// Connect dials the NATS server at url.
func Connect(url, prefix string, logger *slog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("adsync"),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info("Event publisher connected", "url", nc.ConnectedUrl())
	p := newPublisher(nc, prefix, logger)
	p.close = func() {
		if err := nc.Drain(); err != nil {
			logger.Warn("Failed to drain NATS connection", "error", err)
		}
	}
	return p, nil
}

func newPublisher(c conn, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: c, prefix: prefix, logger: logger}
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.close != nil {
		p.close()
	}
}

// Subject returns the subject for action, or "" for actions that are not published.
func (p *Publisher) Subject(action run.Action) string {
	switch action {
	case run.Published, run.Deleted, run.Downloaded:
		return p.prefix + ".ad." + string(action)
	}
	return ""
}

// Record publishes e as JSON when it describes a lifecycle change.
func (p *Publisher) Record(_ context.Context, e run.Event) error {
	subject := p.Subject(e.Action)
	if subject == "" {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("Event published", "subject", subject, "ad_id", e.AdID)
	return nil
}
