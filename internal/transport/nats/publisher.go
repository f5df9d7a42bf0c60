// Package nats delivers published events over a NATS connection.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"sequent/internal/transport"
)

type Config struct {
	URL     string
	Name    string
	Timeout time.Duration
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("nats.url is required")
	}
	return nil
}

// Publisher is a transport.Publisher backed by a core NATS connection.
type Publisher struct {
	conn   *nats.Conn
	closed atomic.Bool
}

func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Publisher{conn: conn}, nil
}

// NewPublisherFromConn wraps an existing connection. Useful for tests
// against an embedded server.
func NewPublisherFromConn(conn *nats.Conn) *Publisher {
	return &Publisher{conn: conn}
}

func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	if p.closed.Load() {
		return transport.ErrClosed
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	// Publish only buffers; flush so a nil return means the server
	// has the message before the queue entry is deleted.
	return p.conn.FlushWithContext(ctx)
}

func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return transport.ErrClosed
	}
	return p.conn.Drain()
}
