package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// KindAMQP tags AMQP 0.9.1 (RabbitMQ) queue brokers.
const KindAMQP = "amqp"

// AMQPSetting describes a RabbitMQ-style queue broker.
type AMQPSetting struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string
	Queue    string
	Prefetch int
	// Durable controls how consumed and reply queues are declared.
	Durable bool
	// DeclareReplyQueues declares publish targets before the first publish so
	// replies to not-yet-existing queues are not dropped by the default exchange.
	DeclareReplyQueues bool
	Heartbeat          time.Duration
}

func (s AMQPSetting) Kind() string       { return KindAMQP }
func (s AMQPSetting) QueueName() string  { return s.Queue }
func (s AMQPSetting) PrefetchLimit() int { return s.Prefetch }

func (s AMQPSetting) Validate() error {
	if s.Host == "" {
		return errors.New("amqp broker: host is required")
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("amqp broker: invalid port %d", s.Port)
	}
	if s.Prefetch < 0 || s.Prefetch > 65535 {
		return fmt.Errorf("amqp broker: prefetch must be within 0..65535 (got %d)", s.Prefetch)
	}
	return nil
}

// URL builds the amqp:// URL for s.
func (s AMQPSetting) URL() string {
	port := s.Port
	if port == 0 {
		port = 5672
	}
	u := url.URL{
		Scheme: "amqp",
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(port)),
		Path:   "/",
	}
	if s.Username != "" {
		u.User = url.UserPassword(s.Username, s.Password)
	}
	return u.String()
}

// AMQPConnector is one AMQP connection. All subscriptions share a consume
// channel whose global QoS enforces the prefetch limit for the connector;
// publishes go through a separate channel.
type AMQPConnector struct {
	setting AMQPSetting
	logger  *slog.Logger

	mu        sync.Mutex
	conn      *amqp091.Connection
	consumeCh *amqp091.Channel
	closed    bool

	// chMu serializes publishes on pubCh.
	chMu  sync.Mutex
	pubCh *amqp091.Channel

	declaredMu sync.Mutex
	declared   map[string]bool
}

// NewAMQPConnector creates a connector for s. Call Connect before use.
func NewAMQPConnector(s AMQPSetting, logger *slog.Logger) *AMQPConnector {
	return &AMQPConnector{
		setting:  s,
		logger:   logger,
		declared: make(map[string]bool),
	}
}

func (c *AMQPConnector) connError(err error) error {
	return &ConnectionError{Kind: KindAMQP, Err: err}
}

// Connect dials the broker and opens the consume and publish channels.
// Calling it again after a failure replaces the connection.
func (c *AMQPConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.teardownLocked()

	cfg := amqp091.Config{
		Vhost:     c.setting.VHost,
		Heartbeat: c.setting.Heartbeat,
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	if cfg.Vhost == "" {
		cfg.Vhost = "/"
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 10 * time.Second
	}

	conn, err := amqp091.DialConfig(c.setting.URL(), cfg)
	if err != nil {
		return c.connError(fmt.Errorf("dial: %w", err))
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return c.connError(fmt.Errorf("open consume channel: %w", err))
	}
	if c.setting.Prefetch > 0 {
		if err := consumeCh.Qos(c.setting.Prefetch, 0, true); err != nil {
			_ = conn.Close()
			return c.connError(fmt.Errorf("set qos: %w", err))
		}
	}

	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return c.connError(fmt.Errorf("open publish channel: %w", err))
	}

	c.conn = conn
	c.consumeCh = consumeCh
	c.chMu.Lock()
	c.pubCh = pubCh
	c.chMu.Unlock()

	c.declaredMu.Lock()
	c.declared = make(map[string]bool)
	c.declaredMu.Unlock()

	c.logger.Info("amqp connected", "host", c.setting.Host, "vhost", cfg.Vhost, "prefetch", c.setting.Prefetch)
	return nil
}

func (c *AMQPConnector) teardownLocked() {
	if c.conn != nil && !c.conn.IsClosed() {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.consumeCh = nil
}

func (c *AMQPConnector) channel() (*amqp091.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil || c.consumeCh == nil {
		return nil, ErrNotConnected
	}
	if c.conn.IsClosed() || c.consumeCh.IsClosed() {
		return nil, c.connError(amqp091.ErrClosed)
	}
	return c.consumeCh, nil
}

// Consume declares queue and starts a consumer on the shared consume channel.
func (c *AMQPConnector) Consume(ctx context.Context, queue string) (Subscription, error) {
	ch, err := c.channel()
	if err != nil {
		return nil, err
	}

	if _, err := ch.QueueDeclare(queue, c.setting.Durable, false, false, false, nil); err != nil {
		return nil, c.connError(fmt.Errorf("declare queue %q: %w", queue, err))
	}

	tag := "procpool-" + uuid.NewString()
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, c.connError(fmt.Errorf("consume %q: %w", queue, err))
	}

	s := &amqpSubscription{
		conn:  c,
		ch:    ch,
		tag:   tag,
		queue: queue,
		out:   make(chan *Delivery),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.run(deliveries)
	return s, nil
}

type amqpHandle struct {
	conn     *AMQPConnector
	delivery amqp091.Delivery
}

func (c *AMQPConnector) handle(d *Delivery) (*amqpHandle, error) {
	h, ok := d.Handle().(*amqpHandle)
	if !ok || h.conn != c {
		return nil, ErrForeignDelivery
	}
	return h, d.Claim()
}

// Ack acknowledges a single delivery.
func (c *AMQPConnector) Ack(ctx context.Context, d *Delivery) error {
	h, err := c.handle(d)
	if err != nil {
		return err
	}
	if err := h.delivery.Ack(false); err != nil {
		return c.connError(fmt.Errorf("ack: %w", err))
	}
	return nil
}

// Nack rejects a single delivery, optionally requeueing it.
func (c *AMQPConnector) Nack(ctx context.Context, d *Delivery, requeue bool) error {
	h, err := c.handle(d)
	if err != nil {
		return err
	}
	if err := h.delivery.Nack(false, requeue); err != nil {
		return c.connError(fmt.Errorf("nack: %w", err))
	}
	return nil
}

// Publish sends payload to target through the default exchange.
func (c *AMQPConnector) Publish(ctx context.Context, target, payload, correlationID string, headers map[string]string) error {
	if target == "" {
		return errors.New("publish: target is empty")
	}
	if _, err := c.channel(); err != nil {
		return err
	}

	if c.setting.DeclareReplyQueues {
		c.declareTarget(target)
	}

	table := amqp091.Table{}
	for k, v := range headers {
		table[k] = v
	}

	deliveryMode := amqp091.Transient
	if c.setting.Durable {
		deliveryMode = amqp091.Persistent
	}

	msg := amqp091.Publishing{
		Headers:       table,
		ContentType:   "text/plain",
		DeliveryMode:  deliveryMode,
		CorrelationId: correlationID,
		Timestamp:     time.Now(),
		Body:          []byte(payload),
	}

	c.chMu.Lock()
	defer c.chMu.Unlock()
	if c.pubCh == nil {
		return ErrNotConnected
	}
	if err := c.pubCh.PublishWithContext(ctx, "", target, false, false, msg); err != nil {
		return c.connError(fmt.Errorf("publish to %q: %w", target, err))
	}
	return nil
}

// declareTarget declares a reply queue on a throwaway channel; a declare that
// conflicts with an existing queue closes that channel, not the shared ones.
func (c *AMQPConnector) declareTarget(target string) {
	c.declaredMu.Lock()
	done := c.declared[target]
	c.declaredMu.Unlock()
	if done {
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	ch, err := conn.Channel()
	if err != nil {
		return
	}
	defer ch.Close()
	if _, err := ch.QueueDeclare(target, c.setting.Durable, false, false, false, nil); err != nil {
		c.logger.Debug("reply queue declare skipped", "queue", target, "error", err)
	}

	c.declaredMu.Lock()
	c.declared[target] = true
	c.declaredMu.Unlock()
}

// Close closes the connection. Unacked deliveries are requeued by the broker.
func (c *AMQPConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.teardownLocked()
	return nil
}

type amqpSubscription struct {
	conn  *AMQPConnector
	ch    *amqp091.Channel
	tag   string
	queue string

	out      chan *Delivery
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *amqpSubscription) Deliveries() <-chan *Delivery { return s.out }

func (s *amqpSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *amqpSubscription) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		// Cancel stops new deliveries; ones already buffered client-side are
		// requeued when the connection closes.
		if !s.ch.IsClosed() {
			_ = s.ch.Cancel(s.tag, false)
		}
	})
	<-s.done
	return nil
}

func (s *amqpSubscription) run(deliveries <-chan amqp091.Delivery) {
	defer close(s.done)
	defer close(s.out)

	for {
		select {
		case <-s.stop:
			return
		case raw, ok := <-deliveries:
			if !ok {
				select {
				case <-s.stop:
				default:
					s.mu.Lock()
					s.err = s.conn.connError(fmt.Errorf("consumer %s on %q closed", s.tag, s.queue))
					s.mu.Unlock()
				}
				return
			}

			d := NewDelivery(Envelope{
				Payload:       string(raw.Body),
				CorrelationID: raw.CorrelationId,
				Queue:         s.queue,
				Headers:       headersFromTable(raw.Headers),
				Redelivered:   raw.Redelivered,
			}, &amqpHandle{conn: s.conn, delivery: raw})

			select {
			case s.out <- d:
			case <-s.stop:
				_ = raw.Nack(false, true)
				return
			}
		}
	}
}

func headersFromTable(t amqp091.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}
	out := make(map[string]string, len(t))
	for k, v := range t {
		switch val := v.(type) {
		case string:
			out[k] = val
		case []byte:
			out[k] = string(val)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
