package ingest

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jyjeanne/arduibeescale/config"
	"github.com/jyjeanne/arduibeescale/errors"
	"github.com/jyjeanne/arduibeescale/metric"
	"github.com/jyjeanne/arduibeescale/store"
)

// ConnectionStatus represents the state of the broker connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Saver persists one validated reading.
type Saver interface {
	SaveReading(ctx context.Context, reading *store.Reading) error
}

// Broadcaster fans a stored reading out to live sessions.
type Broadcaster interface {
	BroadcastReading(reading *store.Reading)
}

// ConnectorDeps holds runtime dependencies for the broker connector
type ConnectorDeps struct {
	Config  config.NATSConfig
	Store   Saver
	Hub     Broadcaster
	Metrics *metric.Metrics
	Logger  *slog.Logger
}

// Connector owns the wildcard telemetry subscription and supervises it:
// it connects, subscribes, and on any connection loss retries after a
// fixed delay indefinitely. Stop or context cancellation are the only
// ways out of the run loop. Messages are handled sequentially on the
// subscription callback goroutine.
type Connector struct {
	cfg     config.NATSConfig
	store   Saver
	hub     Broadcaster
	metrics *metric.Metrics
	logger  *slog.Logger

	status     atomic.Value // stores ConnectionStatus
	reconnects atomic.Int64

	// Lifecycle management
	shutdown chan struct{}
	done     chan struct{}
	running  atomic.Bool
	mu       sync.Mutex
}

// NewConnector creates a broker connector from its dependencies
func NewConnector(deps ConnectorDeps) *Connector {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "connector")
	}

	c := &Connector{
		cfg:     deps.Config,
		store:   deps.Store,
		hub:     deps.Hub,
		metrics: deps.Metrics,
		logger:  logger,
	}
	c.status.Store(StatusDisconnected)
	return c
}

// Initialize validates the connector configuration and dependencies
func (c *Connector) Initialize() error {
	if len(c.cfg.URLs) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Connector", "Initialize", "broker url validation")
	}
	if c.cfg.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Connector", "Initialize", "subject validation")
	}
	if c.cfg.ReconnectDelay <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: reconnect delay must be positive", errors.ErrInvalidConfig),
			"Connector", "Initialize", "reconnect delay validation")
	}
	if c.store == nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: store is required", errors.ErrInvalidConfig),
			"Connector", "Initialize", "store validation")
	}
	return nil
}

// Start launches the supervision loop in a background goroutine
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Connector", "Start", "start supervision loop")
	}

	c.shutdown = make(chan struct{})
	c.done = make(chan struct{})
	c.running.Store(true)

	go func() {
		defer close(c.done)
		c.run(ctx)
	}()

	return nil
}

// Stop signals the supervision loop and waits for it to exit
func (c *Connector) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running.Load() {
		c.mu.Unlock()
		return nil
	}
	c.running.Store(false)
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"Connector", "Stop", "graceful shutdown")
	}
}

// Status returns the current broker connection status
func (c *Connector) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// Reconnects returns how many times the supervision loop re-entered the
// connect phase after an established connection was lost.
func (c *Connector) Reconnects() int64 {
	return c.reconnects.Load()
}

func (c *Connector) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	if c.metrics != nil {
		if status == StatusConnected {
			c.metrics.BrokerConnected.Set(1)
		} else {
			c.metrics.BrokerConnected.Set(0)
		}
	}
}

// run is the supervision loop. Each iteration attempts one connect and
// subscribe; on success it blocks until the connection is lost or the
// connector is stopped, then retries after the configured fixed delay.
func (c *Connector) run(ctx context.Context) {
	defer c.setStatus(StatusDisconnected)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		attempt++
		c.setStatus(StatusConnecting)
		if c.metrics != nil {
			c.metrics.ConnectAttempts.Inc()
		}
		c.logger.Info("Connecting to broker",
			"urls", c.cfg.URLs, "subject", c.cfg.Subject, "attempt", attempt)

		lost, cleanup, err := c.connectAndSubscribe(ctx)
		if err != nil {
			c.setStatus(StatusDisconnected)
			c.logger.Error("Broker connection failed", "attempt", attempt, "error", err)
			if !c.waitRetry(ctx) {
				return
			}
			continue
		}

		c.setStatus(StatusConnected)
		c.logger.Info("Connected to broker", "subject", c.cfg.Subject)

		select {
		case <-ctx.Done():
			cleanup()
			return
		case <-c.shutdown:
			cleanup()
			return
		case <-lost:
			cleanup()
			c.setStatus(StatusDisconnected)
			c.reconnects.Add(1)
			if c.metrics != nil {
				c.metrics.BrokerReconnects.Inc()
			}
			c.logger.Warn("Broker connection lost, will retry",
				"delay", c.cfg.ReconnectDelay)
			if !c.waitRetry(ctx) {
				return
			}
		}
	}
}

// waitRetry sleeps the fixed reconnect delay. It returns false when the
// connector was stopped during the wait.
func (c *Connector) waitRetry(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.shutdown:
		return false
	case <-time.After(c.cfg.ReconnectDelay):
		return true
	}
}

// connectAndSubscribe performs one connection attempt. On success it
// returns a channel that closes when the connection is lost and a
// cleanup function that tears the connection down. Built-in client
// reconnection is disabled; the supervision loop owns all retries.
func (c *Connector) connectAndSubscribe(ctx context.Context) (<-chan struct{}, func(), error) {
	lost := make(chan struct{})
	var lostOnce sync.Once

	opts := []nats.Option{
		nats.Name(c.cfg.ClientName),
		nats.NoReconnect(),
		nats.ClosedHandler(func(_ *nats.Conn) {
			lostOnce.Do(func() { close(lost) })
		}),
	}
	if c.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}
	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}

	conn, err := nats.Connect(c.cfg.ServerList(), opts...)
	if err != nil {
		return nil, nil, errors.WrapTransient(err, "Connector", "connectAndSubscribe", "connect")
	}

	teardown, err := c.subscribe(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
			"Connector", "connectAndSubscribe", "subscribe")
	}

	cleanup := func() {
		teardown()
		conn.Close()
	}
	return lost, cleanup, nil
}

// subscribe wires the message handler, through JetStream when enabled
// (at-least-once per delivery, new messages only) or a core subscription
// otherwise. Either way messages published while disconnected are not
// replayed on reconnect.
func (c *Connector) subscribe(ctx context.Context, conn *nats.Conn) (func(), error) {
	if !c.cfg.JetStream.Enabled {
		sub, err := conn.Subscribe(c.cfg.Subject, func(msg *nats.Msg) {
			c.handleMessage(ctx, msg.Subject, msg.Data)
		})
		if err != nil {
			return nil, err
		}
		return func() { _ = sub.Unsubscribe() }, nil
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(streamCtx, jetstream.StreamConfig{
		Name:     c.cfg.JetStream.StreamName,
		Subjects: []string{c.cfg.Subject},
	})
	if err != nil {
		return nil, err
	}

	consumer, err := js.OrderedConsumer(streamCtx, c.cfg.JetStream.StreamName,
		jetstream.OrderedConsumerConfig{
			FilterSubjects: []string{c.cfg.Subject},
			DeliverPolicy:  jetstream.DeliverNewPolicy,
		})
	if err != nil {
		return nil, err
	}

	consume, err := consumer.Consume(func(msg jetstream.Msg) {
		c.handleMessage(ctx, msg.Subject(), msg.Data())
	})
	if err != nil {
		return nil, err
	}
	return consume.Stop, nil
}

// handleMessage processes one broker message end to end: parse and
// validate, then persist and broadcast. The two downstream paths are
// independent: a storage failure is logged and counted but the reading
// is still broadcast, and broadcast is always fire-and-forget.
func (c *Connector) handleMessage(ctx context.Context, subject string, payload []byte) {
	if c.metrics != nil {
		c.metrics.MessagesReceived.Inc()
	}

	reading, err := ParseMessage(subject, payload)
	if err != nil {
		// An undecodable payload is a harder failure than a decodable
		// one missing fields or arriving on a short subject.
		if stderrors.Is(err, errors.ErrMalformedPayload) {
			c.logger.Error("Discarding message", "subject", subject, "error", err)
		} else {
			c.logger.Warn("Discarding message", "subject", subject, "error", err)
		}
		if c.metrics != nil {
			c.metrics.MessagesDiscarded.WithLabelValues(discardReason(err)).Inc()
		}
		return
	}
	reading.Timestamp = time.Now().UTC()

	if err := c.store.SaveReading(ctx, reading); err != nil {
		c.logger.Error("Failed to store reading",
			"hive_id", reading.HiveID, "error", err)
		if c.metrics != nil {
			c.metrics.StorageErrors.Inc()
		}
	} else if c.metrics != nil {
		c.metrics.ReadingsStored.Inc()
	}

	if c.hub != nil {
		c.hub.BroadcastReading(reading)
	}
}

// discardReason maps a parse error to a metrics label
func discardReason(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrMalformedTopic):
		return "malformed_topic"
	case stderrors.Is(err, errors.ErrMalformedPayload):
		return "malformed_payload"
	case stderrors.Is(err, errors.ErrMissingField):
		return "missing_field"
	default:
		return "invalid"
	}
}
