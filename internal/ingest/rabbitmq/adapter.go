// Package rabbitmq consumes inbound events from an AMQP queue and
// appends them to the event store.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"sequent/internal/domain"
	"sequent/internal/storage"
)

// Appender is the write side of the event store.
type Appender interface {
	Append(ctx context.Context, e domain.Event) error
}

type Config struct {
	Enabled       bool
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	Workers       int
	DeliveryQueue int
	TLS           TLSConfig
	Auth          AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

// eventMessage is the inbound wire shape. Position is the writer's
// optimistic per-stream position, starting at 1. CreatedAt is an
// optional RFC 3339 timestamp; arrival time is used when absent.
type eventMessage struct {
	ID               string          `json:"id"`
	StreamID         string          `json:"stream_id"`
	PositionInStream int64           `json:"position_in_stream"`
	Name             string          `json:"name"`
	CreatedAt        string          `json:"created_at"`
	Metadata         json.RawMessage `json:"metadata"`
	Payload          json.RawMessage `json:"payload"`
}

// Adapter reads deliveries off one channel and fans them out to a
// worker pool. OnAppend, when set, is called after every successful
// append so the linking worker can be woken immediately.
type Adapter struct {
	cfg      Config
	appender Appender
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	ops      chan deliveryTask
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup

	OnAppend func()
}

type deliveryTask struct {
	ctx      context.Context
	delivery amqp091.Delivery
}

func NewAdapter(cfg Config, appender Appender) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if appender == nil {
		return nil, fmt.Errorf("appender is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "sequent-rabbitmq"
	}
	return &Adapter{cfg: cfg, appender: appender, closed: make(chan struct{}), ops: make(chan deliveryTask, cfg.DeliveryQueue)}, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	if tlsCfg, err := a.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(a.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	routingKeys := a.cfg.RoutingKeys
	if len(routingKeys) == 0 {
		routingKeys = []string{"#"}
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("bind queue key=%s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries

	a.wg.Add(1)
	go a.readLoop(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.workerLoop(ctx)
	}
	return nil
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	close(a.ops)
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.closeErr.Store(err)
	return err
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			task := deliveryTask{ctx: ctx, delivery: d}
			select {
			case a.ops <- task:
			case <-ctx.Done():
				return
			case <-a.closed:
				return
			}
		}
	}
}

func (a *Adapter) workerLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case task, ok := <-a.ops:
			if !ok {
				return
			}
			a.processDelivery(task.ctx, task.delivery)
		}
	}
}

func (a *Adapter) processDelivery(ctx context.Context, d amqp091.Delivery) {
	e, err := parseDelivery(d)
	if err != nil {
		_ = d.Nack(false, false)
		return
	}
	if err := a.appender.Append(ctx, e); err != nil {
		switch {
		case errors.Is(err, storage.ErrOptimisticLock), errors.Is(err, storage.ErrInvalidPosition):
			// Duplicate or malformed position: redelivery cannot fix it.
			_ = d.Nack(false, false)
		default:
			_ = d.Nack(false, true)
		}
		return
	}
	if a.OnAppend != nil {
		a.OnAppend()
	}
	_ = d.Ack(false)
}

func parseDelivery(d amqp091.Delivery) (domain.Event, error) {
	var msg eventMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return domain.Event{}, fmt.Errorf("unmarshal delivery body: %w", err)
	}
	id, err := uuid.Parse(msg.ID)
	if err != nil {
		if msg.ID != "" {
			return domain.Event{}, fmt.Errorf("parse event id: %w", err)
		}
		id = uuid.New()
	}
	streamID, err := uuid.Parse(msg.StreamID)
	if err != nil {
		return domain.Event{}, fmt.Errorf("parse stream id: %w", err)
	}
	if msg.Name == "" {
		return domain.Event{}, fmt.Errorf("event name is required")
	}
	createdAt := time.Now().UTC()
	if msg.CreatedAt != "" {
		parsed, err := time.Parse(time.RFC3339Nano, msg.CreatedAt)
		if err != nil {
			return domain.Event{}, fmt.Errorf("parse created_at: %w", err)
		}
		createdAt = parsed.UTC()
	}
	metadata := msg.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	payload := msg.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return domain.Event{
		ID:               id,
		StreamID:         streamID,
		PositionInStream: msg.PositionInStream,
		Name:             msg.Name,
		CreatedAt:        createdAt,
		Metadata:         string(metadata),
		Payload:          string(payload),
	}, nil
}

func (a *Adapter) buildTLSConfig() (*tls.Config, error) {
	if !a.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify, ServerName: a.cfg.TLS.ServerName}
	if a.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(a.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if a.cfg.TLS.CertFile != "" || a.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
