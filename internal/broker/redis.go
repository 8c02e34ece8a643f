package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KindRedis tags Redis Streams brokers.
const KindRedis = "redis"

const (
	redisBlock            = time.Second
	redisFieldMessage     = "message"
	redisFieldCorrID      = "correlationId"
	redisFieldRedeliv     = "redelivered"
	redisHeaderPrefix     = "h."
	redisDeadSuffix       = ":dead"
	defaultRedisGroup     = "procpool"
	defaultRedisClaimIdle = time.Minute
)

// RedisSetting describes a Redis Streams broker. Queue is the stream name;
// consumers join Group.
type RedisSetting struct {
	Host     string
	Port     int
	Username string
	Password string
	DB       int
	Group    string
	Queue    string
	Prefetch int
	// ClaimIdle is how long a pending entry must sit unacked before another
	// consumer takes it over. It must exceed every group's task timeout or a
	// running task is handed to a second consumer; config defaults it to
	// twice the longest one.
	ClaimIdle time.Duration
}

func (s RedisSetting) Kind() string       { return KindRedis }
func (s RedisSetting) QueueName() string  { return s.Queue }
func (s RedisSetting) PrefetchLimit() int { return s.Prefetch }

func (s RedisSetting) Validate() error {
	if s.Host == "" {
		return errors.New("redis broker: host is required")
	}
	if s.DB < 0 {
		return fmt.Errorf("redis broker: invalid db %d", s.DB)
	}
	if s.Prefetch < 0 {
		return fmt.Errorf("redis broker: prefetch must be >= 0 (got %d)", s.Prefetch)
	}
	return nil
}

func (s RedisSetting) addr() string {
	port := s.Port
	if port == 0 {
		port = 6379
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

func (s RedisSetting) group() string {
	if s.Group == "" {
		return defaultRedisGroup
	}
	return s.Group
}

// RedisConnector consumes Redis Streams through a consumer group.
type RedisConnector struct {
	setting RedisSetting
	logger  *slog.Logger

	mu     sync.Mutex
	client *redis.Client
	lim    limiter
	subs   map[*redisSubscription]struct{}
	closed bool
}

// NewRedisConnector creates a connector for s. Call Connect before use.
func NewRedisConnector(s RedisSetting, logger *slog.Logger) *RedisConnector {
	return &RedisConnector{
		setting: s,
		logger:  logger,
		subs:    make(map[*redisSubscription]struct{}),
	}
}

func (c *RedisConnector) connError(err error) error {
	return &ConnectionError{Kind: KindRedis, Err: err}
}

// Connect opens a client and verifies it with PING.
func (c *RedisConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     c.setting.addr(),
		Username: c.setting.Username,
		Password: c.setting.Password,
		DB:       c.setting.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return c.connError(fmt.Errorf("ping %s: %w", c.setting.addr(), err))
	}

	c.client = client
	c.lim = newLimiter(c.setting.Prefetch)
	c.logger.Info("redis connected", "addr", c.setting.addr(), "group", c.setting.group(), "prefetch", c.setting.Prefetch)
	return nil
}

func (c *RedisConnector) current() (*redis.Client, limiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClosed
	}
	if c.client == nil {
		return nil, nil, ErrNotConnected
	}
	return c.client, c.lim, nil
}

// Consume ensures the consumer group exists on stream and starts reading.
func (c *RedisConnector) Consume(ctx context.Context, stream string) (Subscription, error) {
	client, lim, err := c.current()
	if err != nil {
		return nil, err
	}

	group := c.setting.group()
	if err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, c.connError(fmt.Errorf("create group %q on %q: %w", group, stream, err))
	}

	s := &redisSubscription{
		conn:     c,
		client:   client,
		lim:      lim,
		stream:   stream,
		group:    group,
		consumer: "procpool-" + uuid.NewString(),
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

type redisHandle struct {
	sub *redisSubscription
	id  string
}

func (c *RedisConnector) handle(d *Delivery) (*redisHandle, error) {
	h, ok := d.Handle().(*redisHandle)
	if !ok || h.sub.conn != c {
		return nil, ErrForeignDelivery
	}
	return h, d.Claim()
}

// Ack removes the entry from the group's pending list.
func (c *RedisConnector) Ack(ctx context.Context, d *Delivery) error {
	h, err := c.handle(d)
	if err != nil {
		return err
	}
	defer h.sub.lim.release()
	if err := h.sub.client.XAck(ctx, h.sub.stream, h.sub.group, h.id).Err(); err != nil {
		return c.connError(fmt.Errorf("xack %s: %w", h.id, err))
	}
	return nil
}

// Nack acks the entry and appends a copy either to the same stream or to the
// stream's dead-letter stream.
func (c *RedisConnector) Nack(ctx context.Context, d *Delivery, requeue bool) error {
	h, err := c.handle(d)
	if err != nil {
		return err
	}
	defer h.sub.lim.release()

	target := h.sub.stream
	if !requeue {
		target += redisDeadSuffix
	}
	values := streamValues(d.Payload, d.CorrelationID, d.Headers)
	if requeue {
		values[redisFieldRedeliv] = "1"
	}

	_, err = h.sub.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: target, Values: values})
		pipe.XAck(ctx, h.sub.stream, h.sub.group, h.id)
		return nil
	})
	if err != nil {
		return c.connError(fmt.Errorf("nack %s: %w", h.id, err))
	}
	return nil
}

// Publish appends payload to the target stream.
func (c *RedisConnector) Publish(ctx context.Context, target, payload, correlationID string, headers map[string]string) error {
	if target == "" {
		return errors.New("publish: target is empty")
	}
	client, _, err := c.current()
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: target, Values: streamValues(payload, correlationID, headers)}
	if err := client.XAdd(ctx, args).Err(); err != nil {
		return c.connError(fmt.Errorf("xadd %q: %w", target, err))
	}
	return nil
}

// Close stops the subscriptions and closes the client. Pending entries are
// claimed by other consumers after ClaimIdle.
func (c *RedisConnector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*redisSubscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	client := c.client
	c.client = nil
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	if client != nil {
		return client.Close()
	}
	return nil
}

type redisSubscription struct {
	conn     *RedisConnector
	client   *redis.Client
	lim      limiter
	stream   string
	group    string
	consumer string

	out      chan *Delivery
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (s *redisSubscription) Deliveries() <-chan *Delivery { return s.out }

func (s *redisSubscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *redisSubscription) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done

	s.conn.mu.Lock()
	delete(s.conn.subs, s)
	s.conn.mu.Unlock()
	return nil
}

func (s *redisSubscription) run() {
	defer close(s.done)
	defer close(s.out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	minIdle := s.conn.setting.ClaimIdle
	if minIdle <= 0 {
		minIdle = defaultRedisClaimIdle
	}

	for {
		if err := s.lim.acquire(ctx); err != nil {
			return
		}

		msg, redelivered, err := s.next(ctx, minIdle)
		if err != nil {
			s.lim.release()
			if ctx.Err() != nil {
				return
			}
			s.errMu.Lock()
			s.err = s.conn.connError(err)
			s.errMu.Unlock()
			return
		}
		if msg == nil {
			s.lim.release()
			continue
		}

		payload, corrID, headers, flagged := parseStreamValues(msg.Values)
		d := NewDelivery(Envelope{
			Payload:       payload,
			CorrelationID: corrID,
			Queue:         s.stream,
			Headers:       headers,
			Redelivered:   redelivered || flagged,
		}, &redisHandle{sub: s, id: msg.ID})

		select {
		case s.out <- d:
		case <-s.stop:
			// Stays pending; reclaimed after ClaimIdle.
			s.lim.release()
			return
		}
	}
}

// next reads one new entry, falling back to claiming an idle pending entry.
// It returns a nil message when nothing was available within the block time.
func (s *redisSubscription) next(ctx context.Context, minIdle time.Duration) (*redis.XMessage, bool, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    1,
		Block:    redisBlock,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, fmt.Errorf("xreadgroup %q: %w", s.stream, err)
	}
	for _, st := range streams {
		if len(st.Messages) > 0 {
			return &st.Messages[0], false, nil
		}
	}

	claimed, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, fmt.Errorf("xautoclaim %q: %w", s.stream, err)
	}
	if len(claimed) > 0 {
		return &claimed[0], true, nil
	}
	return nil, false, nil
}

func streamValues(payload, correlationID string, headers map[string]string) map[string]any {
	values := make(map[string]any, len(headers)+2)
	values[redisFieldMessage] = payload
	if correlationID != "" {
		values[redisFieldCorrID] = correlationID
	}
	for k, v := range headers {
		values[redisHeaderPrefix+k] = v
	}
	return values
}

func parseStreamValues(values map[string]any) (payload, corrID string, headers map[string]string, redelivered bool) {
	for k, v := range values {
		str := fmt.Sprint(v)
		switch {
		case k == redisFieldMessage:
			payload = str
		case k == redisFieldCorrID:
			corrID = str
		case k == redisFieldRedeliv:
			redelivered = true
		case strings.HasPrefix(k, redisHeaderPrefix):
			if headers == nil {
				headers = make(map[string]string)
			}
			headers[strings.TrimPrefix(k, redisHeaderPrefix)] = str
		}
	}
	return payload, corrID, headers, redelivered
}
