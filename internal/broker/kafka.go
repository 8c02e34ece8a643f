package broker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// KindKafka tags Kafka topic brokers.
const KindKafka = "kafka"

const (
	kafkaPollTimeout      = 100 * time.Millisecond
	kafkaFlushTimeoutMs   = 5000
	kafkaRedeliveryHeader = "x-procpool-redelivered"
	kafkaDeadLetterSuffix = ".dlq"
)

// KeyType lists the record key types a Kafka setting can be parameterized by.
type KeyType interface {
	string | int64 | int32
}

// Integer key encodings. Decimal keys are ASCII digits; binary keys are
// big-endian two's complement of exactly the key type's width.
const (
	KeyEncodingDecimal = "decimal"
	KeyEncodingBinary  = "binary"
)

// KafkaSetting describes a Kafka topic broker whose record keys decode as K.
// Queue is the topic consumed by the pool. KeyEncoding applies to integer
// keys and defaults to decimal.
type KafkaSetting[K KeyType] struct {
	Brokers     []string
	Host        string
	Port        int
	Username    string
	Password    string
	GroupID     string
	Queue       string
	Prefetch    int
	KeyEncoding string
}

func (s KafkaSetting[K]) Kind() string       { return KindKafka }
func (s KafkaSetting[K]) QueueName() string  { return s.Queue }
func (s KafkaSetting[K]) PrefetchLimit() int { return s.Prefetch }

func (s KafkaSetting[K]) Validate() error {
	if len(s.Brokers) == 0 && s.Host == "" {
		return errors.New("kafka broker: host or brokers is required")
	}
	if s.GroupID == "" {
		return errors.New("kafka broker: group_id is required")
	}
	if s.Prefetch < 0 {
		return fmt.Errorf("kafka broker: prefetch must be >= 0 (got %d)", s.Prefetch)
	}
	switch s.KeyEncoding {
	case "", KeyEncodingDecimal, KeyEncodingBinary:
	default:
		return fmt.Errorf("kafka broker: unknown key encoding %q", s.KeyEncoding)
	}
	return nil
}

// BootstrapServers returns the comma-separated broker list.
func (s KafkaSetting[K]) BootstrapServers() string {
	if len(s.Brokers) > 0 {
		return strings.Join(s.Brokers, ",")
	}
	port := s.Port
	if port == 0 {
		port = 9092
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

func (s KafkaSetting[K]) baseConfig() kafka.ConfigMap {
	cm := kafka.ConfigMap{
		"bootstrap.servers": s.BootstrapServers(),
	}
	if s.Username != "" {
		cm["security.protocol"] = "SASL_PLAINTEXT"
		cm["sasl.mechanisms"] = "PLAIN"
		cm["sasl.username"] = s.Username
		cm["sasl.password"] = s.Password
	}
	return cm
}

// OpenKeyed builds the connector for s, hiding the key type from callers
// that only deal in Connector.
func (s KafkaSetting[K]) OpenKeyed(logger *slog.Logger) (Connector, error) {
	return NewKafkaConnector(s, logger), nil
}

// KeyedSetting is a setting whose connector type depends on a type parameter.
type KeyedSetting interface {
	Setting
	OpenKeyed(logger *slog.Logger) (Connector, error)
}

// KafkaConnector consumes and produces records on a Kafka cluster. Each
// subscription is a group member; the prefetch limit bounds unresolved
// records across all of them.
type KafkaConnector[K KeyType] struct {
	setting KafkaSetting[K]
	logger  *slog.Logger

	mu       sync.Mutex
	producer *kafka.Producer
	lim      limiter
	subs     map[*kafkaSubscription[K]]struct{}
	closed   bool
}

// NewKafkaConnector creates a connector for s. Call Connect before use.
func NewKafkaConnector[K KeyType](s KafkaSetting[K], logger *slog.Logger) *KafkaConnector[K] {
	return &KafkaConnector[K]{
		setting: s,
		logger:  logger,
		subs:    make(map[*kafkaSubscription[K]]struct{}),
	}
}

func (c *KafkaConnector[K]) connError(err error) error {
	return &ConnectionError{Kind: KindKafka, Err: err}
}

// Connect creates the producer and resets the prefetch budget.
func (c *KafkaConnector[K]) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.producer != nil {
		c.producer.Close()
		c.producer = nil
	}

	cm := c.setting.baseConfig()
	cm["acks"] = "all"
	p, err := kafka.NewProducer(&cm)
	if err != nil {
		return c.connError(fmt.Errorf("create producer: %w", err))
	}
	go c.drainEvents(p)

	c.producer = p
	c.lim = newLimiter(c.setting.Prefetch)
	c.logger.Info("kafka connected", "bootstrap", c.setting.BootstrapServers(), "group", c.setting.GroupID, "prefetch", c.setting.Prefetch)
	return nil
}

// drainEvents consumes producer events not routed to a delivery channel.
func (c *KafkaConnector[K]) drainEvents(p *kafka.Producer) {
	for ev := range p.Events() {
		if kerr, ok := ev.(kafka.Error); ok {
			c.logger.Warn("kafka producer error", "error", kerr.Error(), "fatal", kerr.IsFatal())
		}
	}
}

// Consume joins the consumer group and subscribes to topic.
func (c *KafkaConnector[K]) Consume(ctx context.Context, topic string) (Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.producer == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	lim := c.lim
	c.mu.Unlock()

	cm := c.setting.baseConfig()
	cm["group.id"] = c.setting.GroupID
	cm["enable.auto.commit"] = false
	cm["auto.offset.reset"] = "earliest"
	consumer, err := kafka.NewConsumer(&cm)
	if err != nil {
		return nil, c.connError(fmt.Errorf("create consumer: %w", err))
	}
	if err := consumer.SubscribeTopics([]string{topic}, nil); err != nil {
		_ = consumer.Close()
		return nil, c.connError(fmt.Errorf("subscribe %q: %w", topic, err))
	}

	s := &kafkaSubscription[K]{
		conn:     c,
		consumer: consumer,
		topic:    topic,
		lim:      lim,
		offsets:  make(map[int32]*offsetTracker),
		out:      make(chan *Delivery),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go s.run()
	return s, nil
}

type kafkaHandle[K KeyType] struct {
	sub *kafkaSubscription[K]
	msg *kafka.Message
}

func (c *KafkaConnector[K]) handle(d *Delivery) (*kafkaHandle[K], error) {
	h, ok := d.Handle().(*kafkaHandle[K])
	if !ok || h.sub.conn != c {
		return nil, ErrForeignDelivery
	}
	return h, d.Claim()
}

// Ack commits the record once every earlier record on its partition is resolved.
func (c *KafkaConnector[K]) Ack(ctx context.Context, d *Delivery) error {
	h, err := c.handle(d)
	if err != nil {
		return err
	}
	return h.sub.resolve(h.msg)
}

// Nack resolves the record. With requeue the record is produced again to its
// topic; without it the record goes to the topic's dead-letter topic.
func (c *KafkaConnector[K]) Nack(ctx context.Context, d *Delivery, requeue bool) error {
	h, err := c.handle(d)
	if err != nil {
		return err
	}

	target := *h.msg.TopicPartition.Topic
	headers := cloneHeaders(d.Headers)
	if headers == nil {
		headers = make(map[string]string, 2)
	}
	if d.CorrelationID != "" {
		headers[correlationHeader] = d.CorrelationID
	}
	if requeue {
		headers[kafkaRedeliveryHeader] = "true"
	} else {
		target += kafkaDeadLetterSuffix
	}

	if err := c.produce(ctx, target, h.msg.Key, h.msg.Value, headers); err != nil {
		// The offset stays pending and blocks later commits on the partition
		// until this member leaves the group, so the failure ends the
		// subscription and the record comes back from the last commit.
		h.sub.release()
		if !IsConnectionError(err) {
			err = c.connError(fmt.Errorf("nack: %w", err))
		}
		return err
	}
	return h.sub.resolve(h.msg)
}

// Publish produces payload to target keyed by the correlation ID.
func (c *KafkaConnector[K]) Publish(ctx context.Context, target, payload, correlationID string, headers map[string]string) error {
	if target == "" {
		return errors.New("publish: target is empty")
	}
	h := cloneHeaders(headers)
	if correlationID != "" {
		if h == nil {
			h = make(map[string]string, 1)
		}
		h[correlationHeader] = correlationID
	}
	var key []byte
	if correlationID != "" {
		key = []byte(correlationID)
	}
	return c.produce(ctx, target, key, []byte(payload), h)
}

func (c *KafkaConnector[K]) produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	c.mu.Lock()
	p := c.producer
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if p == nil {
		return ErrNotConnected
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            key,
		Value:          value,
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	report := make(chan kafka.Event, 1)
	if err := p.Produce(msg, report); err != nil {
		return c.connError(fmt.Errorf("produce to %q: %w", topic, err))
	}

	select {
	case ev := <-report:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return c.connError(fmt.Errorf("produce to %q: unexpected event %v", topic, ev))
		}
		if m.TopicPartition.Error != nil {
			return c.connError(fmt.Errorf("produce to %q: %w", topic, m.TopicPartition.Error))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops all subscriptions and flushes the producer.
func (c *KafkaConnector[K]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*kafkaSubscription[K], 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	p := c.producer
	c.producer = nil
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	if p != nil {
		p.Flush(kafkaFlushTimeoutMs)
		p.Close()
	}
	return nil
}

// offsetTracker records outstanding offsets on one partition so commits never
// skip an unresolved record.
type offsetTracker struct {
	pending map[int64]bool
}

func (t *offsetTracker) add(off int64) {
	t.pending[off] = false
}

// resolve marks off done and returns the offset to commit, if it advanced.
func (t *offsetTracker) resolve(off int64) (int64, bool) {
	if _, ok := t.pending[off]; !ok {
		return 0, false
	}
	t.pending[off] = true

	offs := make([]int64, 0, len(t.pending))
	for o := range t.pending {
		offs = append(offs, o)
	}
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })

	var commit int64 = -1
	for _, o := range offs {
		if !t.pending[o] {
			break
		}
		commit = o + 1
		delete(t.pending, o)
	}
	return commit, commit >= 0
}

type kafkaSubscription[K KeyType] struct {
	conn     *KafkaConnector[K]
	consumer *kafka.Consumer
	topic    string
	lim      limiter

	// mu guards consumer calls and offsets; librdkafka consumers are not
	// safe for concurrent commit and poll from Go.
	mu      sync.Mutex
	offsets map[int32]*offsetTracker

	out      chan *Delivery
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (s *kafkaSubscription[K]) Deliveries() <-chan *Delivery { return s.out }

func (s *kafkaSubscription[K]) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *kafkaSubscription[K]) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done

	s.conn.mu.Lock()
	delete(s.conn.subs, s)
	s.conn.mu.Unlock()
	return nil
}

func (s *kafkaSubscription[K]) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *kafkaSubscription[K]) release() {
	s.lim.release()
}

func (s *kafkaSubscription[K]) resolve(msg *kafka.Message) error {
	defer s.lim.release()

	tp := msg.TopicPartition
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.offsets[tp.Partition]
	if !ok {
		return nil
	}
	next, advance := t.resolve(int64(tp.Offset))
	if !advance {
		return nil
	}
	commit := kafka.TopicPartition{Topic: tp.Topic, Partition: tp.Partition, Offset: kafka.Offset(next)}
	if _, err := s.consumer.CommitOffsets([]kafka.TopicPartition{commit}); err != nil {
		return s.conn.connError(fmt.Errorf("commit %s[%d]@%d: %w", s.topic, tp.Partition, next, err))
	}
	return nil
}

func (s *kafkaSubscription[K]) run() {
	defer close(s.done)
	defer close(s.out)
	defer func() {
		s.mu.Lock()
		_ = s.consumer.Close()
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if err := s.lim.acquire(ctx); err != nil {
			return
		}

		msg, err := s.poll()
		if err != nil {
			s.lim.release()
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				select {
				case <-s.stop:
					return
				default:
					continue
				}
			}
			if errors.As(err, &kerr) && !kerr.IsFatal() {
				s.conn.logger.Warn("kafka consumer error", "topic", s.topic, "error", err)
				continue
			}
			s.fail(s.conn.connError(err))
			return
		}

		d := NewDelivery(Envelope{
			Payload:       string(msg.Value),
			CorrelationID: correlationFromRecord(msg),
			Queue:         s.topic,
			Headers:       headersFromRecord(msg.Headers),
			Key:           decodeKey[K](msg.Key, s.conn.setting.KeyEncoding),
			Redelivered:   hasHeader(msg.Headers, kafkaRedeliveryHeader),
		}, &kafkaHandle[K]{sub: s, msg: msg})

		select {
		case s.out <- d:
		case <-s.stop:
			// Uncommitted; redelivered to the next group member.
			s.lim.release()
			return
		}
	}
}

func (s *kafkaSubscription[K]) poll() (*kafka.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.consumer.ReadMessage(kafkaPollTimeout)
	if err != nil {
		return nil, err
	}
	tp := msg.TopicPartition
	t, ok := s.offsets[tp.Partition]
	if !ok {
		t = &offsetTracker{pending: make(map[int64]bool)}
		s.offsets[tp.Partition] = t
	}
	t.add(int64(tp.Offset))
	return msg, nil
}

// decodeKey reads a record key into K. Integer keys use enc; a key that does
// not match it yields nil.
func decodeKey[K KeyType](b []byte, enc string) any {
	if b == nil {
		return nil
	}
	var k K
	switch p := any(&k).(type) {
	case *string:
		*p = string(b)
	case *int64:
		if enc == KeyEncodingBinary {
			if len(b) != 8 {
				return nil
			}
			*p = int64(binary.BigEndian.Uint64(b))
			break
		}
		n, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return nil
		}
		*p = n
	case *int32:
		if enc == KeyEncodingBinary {
			if len(b) != 4 {
				return nil
			}
			*p = int32(binary.BigEndian.Uint32(b))
			break
		}
		n, err := strconv.ParseInt(string(b), 10, 32)
		if err != nil {
			return nil
		}
		*p = int32(n)
	}
	return k
}

const correlationHeader = "correlationId"

func correlationFromRecord(msg *kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == correlationHeader {
			return string(h.Value)
		}
	}
	return ""
}

func headersFromRecord(hs []kafka.Header) map[string]string {
	var out map[string]string
	for _, h := range hs {
		if h.Key == correlationHeader || h.Key == kafkaRedeliveryHeader {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(hs))
		}
		out[h.Key] = string(h.Value)
	}
	return out
}

func hasHeader(hs []kafka.Header, key string) bool {
	for _, h := range hs {
		if h.Key == key {
			return true
		}
	}
	return false
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
