// Package transport defines the outbound delivery surface the
// publisher drains the queue into, plus an in-process implementation.
package transport

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("transport closed")

// Publisher delivers one serialized event to a subject. A nil error
// means the transport has durably accepted the message; the publish
// queue entry is only removed after that.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// Message is one delivery captured by the in-memory transport.
type Message struct {
	Subject string
	Data    []byte
}

// Memory is an in-process Publisher. Deliveries are retained for
// inspection and optionally forwarded to subscribers.
type Memory struct {
	mu       sync.Mutex
	messages []Message
	subs     []func(Message)
	failNext error
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(ctx context.Context, subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	msg := Message{Subject: subject, Data: append([]byte(nil), data...)}
	m.messages = append(m.messages, msg)
	for _, fn := range m.subs {
		fn(msg)
	}
	return nil
}

// Subscribe registers a callback invoked synchronously for every
// subsequent publish.
func (m *Memory) Subscribe(fn func(Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// FailNext makes the next Publish return err instead of delivering.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Messages returns a copy of everything delivered so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
