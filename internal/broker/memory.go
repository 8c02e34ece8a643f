package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// KindMemory tags the in-process broker.
const KindMemory = "memory"

// Message is a broker message as published or dead-lettered.
type Message struct {
	Payload       string
	CorrelationID string
	Headers       map[string]string
}

// MemorySetting selects the in-process broker.
type MemorySetting struct {
	Broker   *MemoryBroker
	Queue    string
	Prefetch int
}

func (s MemorySetting) Kind() string       { return KindMemory }
func (s MemorySetting) QueueName() string  { return s.Queue }
func (s MemorySetting) PrefetchLimit() int { return s.Prefetch }

func (s MemorySetting) Validate() error {
	if s.Broker == nil {
		return errors.New("memory broker: broker is nil")
	}
	if s.Prefetch < 0 {
		return fmt.Errorf("memory broker: prefetch must be >= 0 (got %d)", s.Prefetch)
	}
	return nil
}

type memItem struct {
	msg         Message
	redelivered bool
}

// MemoryBroker is an in-process queue broker with RabbitMQ-like semantics:
// unacked deliveries are requeued when their connection drops, nack without
// requeue dead-letters. It is used for local runs and tests.
type MemoryBroker struct {
	mu   sync.Mutex
	cond *sync.Cond

	queues    map[string][]memItem
	dead      map[string][]Message
	published map[string][]Message
	inflight  map[*memHandle]struct{}

	gen   uint64
	down  bool
	acks  int
	nacks int
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	b := &MemoryBroker{
		queues:    make(map[string][]memItem),
		dead:      make(map[string][]Message),
		published: make(map[string][]Message),
		inflight:  make(map[*memHandle]struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Enqueue appends msg to queue as if a producer had published it.
func (b *MemoryBroker) Enqueue(queue string, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[queue] = append(b.queues[queue], memItem{msg: cloneMessage(msg)})
	b.cond.Broadcast()
}

// Published returns every message published to target through a connector.
func (b *MemoryBroker) Published(target string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published[target]...)
}

// DeadLetters returns messages nacked without requeue from queue.
func (b *MemoryBroker) DeadLetters(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.dead[queue]...)
}

// Depth returns the number of ready messages in queue.
func (b *MemoryBroker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// Inflight returns the number of delivered, unresolved messages.
func (b *MemoryBroker) Inflight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// Counts returns the total number of acks and nacks.
func (b *MemoryBroker) Counts() (acks, nacks int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks, b.nacks
}

// SetDown makes Connect fail until called again with false.
func (b *MemoryBroker) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// FailConnections drops every open connection: subscriptions end with a
// ConnectionError and unacked deliveries go back to the head of their queue.
func (b *MemoryBroker) FailConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	for h := range b.inflight {
		b.requeueLocked(h.queue, h.item)
		h.lim.release()
		delete(b.inflight, h)
	}
	b.cond.Broadcast()
}

func (b *MemoryBroker) requeueLocked(queue string, item memItem) {
	item.redelivered = true
	b.queues[queue] = append([]memItem{item}, b.queues[queue]...)
}

type memHandle struct {
	conn  *MemoryConnector
	gen   uint64
	queue string
	item  memItem
	lim   limiter
}

// MemoryConnector is a connection to a MemoryBroker.
type MemoryConnector struct {
	broker   *MemoryBroker
	prefetch int

	mu        sync.Mutex
	connected bool
	closed    bool
	gen       uint64
	lim       limiter
	subs      map[*memSubscription]struct{}
}

// NewMemoryConnector creates a connector for s. Call Connect before use.
func NewMemoryConnector(s MemorySetting) *MemoryConnector {
	return &MemoryConnector{
		broker:   s.Broker,
		prefetch: s.Prefetch,
		subs:     make(map[*memSubscription]struct{}),
	}
}

func (c *MemoryConnector) connError(err error) error {
	return &ConnectionError{Kind: KindMemory, Err: err}
}

// Connect (re)establishes the connection. Prefetch is applied here.
func (c *MemoryConnector) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.broker.mu.Lock()
	down, gen := c.broker.down, c.broker.gen
	c.broker.mu.Unlock()
	if down {
		return c.connError(errors.New("broker unavailable"))
	}

	c.gen = gen
	c.lim = newLimiter(c.prefetch)
	c.connected = true
	return nil
}

func (c *MemoryConnector) current() (uint64, limiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, ErrClosed
	}
	if !c.connected {
		return 0, nil, ErrNotConnected
	}

	c.broker.mu.Lock()
	live := c.broker.gen == c.gen
	c.broker.mu.Unlock()
	if !live {
		c.connected = false
		return 0, nil, c.connError(errors.New("connection lost"))
	}
	return c.gen, c.lim, nil
}

// Consume opens a consumption slot on queue.
func (c *MemoryConnector) Consume(ctx context.Context, queue string) (Subscription, error) {
	gen, lim, err := c.current()
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &memSubscription{
		conn:   c,
		queue:  queue,
		gen:    gen,
		lim:    lim,
		ctx:    subCtx,
		cancel: cancel,
		ch:     make(chan *Delivery),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go s.run()
	return s, nil
}

// Ack removes the delivery from the broker.
func (c *MemoryConnector) Ack(ctx context.Context, d *Delivery) error {
	return c.resolve(d, func(b *MemoryBroker, h *memHandle) {
		b.acks++
	})
}

// Nack returns the delivery to the head of its queue, or dead-letters it.
func (c *MemoryConnector) Nack(ctx context.Context, d *Delivery, requeue bool) error {
	return c.resolve(d, func(b *MemoryBroker, h *memHandle) {
		b.nacks++
		if requeue {
			b.requeueLocked(h.queue, h.item)
			return
		}
		b.dead[h.queue] = append(b.dead[h.queue], h.item.msg)
	})
}

func (c *MemoryConnector) resolve(d *Delivery, fn func(*MemoryBroker, *memHandle)) error {
	h, ok := d.Handle().(*memHandle)
	if !ok || h.conn != c {
		return ErrForeignDelivery
	}
	if err := d.Claim(); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, live := b.inflight[h]; !live || h.gen != b.gen {
		// The broker already requeued it when the connection dropped.
		return c.connError(errors.New("delivery channel closed"))
	}
	delete(b.inflight, h)
	fn(b, h)
	h.lim.release()
	b.cond.Broadcast()
	return nil
}

// Publish appends a message to target.
func (c *MemoryConnector) Publish(ctx context.Context, target, payload, correlationID string, headers map[string]string) error {
	if _, _, err := c.current(); err != nil {
		return err
	}
	if target == "" {
		return errors.New("publish: target is empty")
	}

	msg := cloneMessage(Message{Payload: payload, CorrelationID: correlationID, Headers: headers})

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[target] = append(b.queues[target], memItem{msg: msg})
	b.published[target] = append(b.published[target], msg)
	b.cond.Broadcast()
	return nil
}

// Close ends all subscriptions. Unacked deliveries stay inflight until resolved.
func (c *MemoryConnector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	subs := make([]*memSubscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

type memSubscription struct {
	conn  *MemoryConnector
	queue string
	gen   uint64
	lim   limiter

	ctx    context.Context
	cancel context.CancelFunc
	ch     chan *Delivery
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *memSubscription) Deliveries() <-chan *Delivery { return s.ch }

func (s *memSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memSubscription) Close() error {
	s.cancel()
	b := s.conn.broker
	b.mu.Lock()
	b.cond.Broadcast()
	b.mu.Unlock()
	<-s.done

	s.conn.mu.Lock()
	delete(s.conn.subs, s)
	s.conn.mu.Unlock()
	return nil
}

func (s *memSubscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *memSubscription) run() {
	defer close(s.done)
	defer close(s.ch)

	b := s.conn.broker
	for {
		if err := s.lim.acquire(s.ctx); err != nil {
			return
		}

		b.mu.Lock()
		for s.ctx.Err() == nil && b.gen == s.gen && len(b.queues[s.queue]) == 0 {
			b.cond.Wait()
		}
		if s.ctx.Err() != nil {
			b.mu.Unlock()
			s.lim.release()
			return
		}
		if b.gen != s.gen {
			b.mu.Unlock()
			s.lim.release()
			s.fail(s.conn.connError(errors.New("connection lost")))
			return
		}

		item := b.queues[s.queue][0]
		b.queues[s.queue] = b.queues[s.queue][1:]
		h := &memHandle{conn: s.conn, gen: s.gen, queue: s.queue, item: item, lim: s.lim}
		b.inflight[h] = struct{}{}
		b.mu.Unlock()

		msg := cloneMessage(item.msg)
		d := NewDelivery(Envelope{
			Payload:       msg.Payload,
			CorrelationID: msg.CorrelationID,
			Queue:         s.queue,
			Headers:       msg.Headers,
			Redelivered:   item.redelivered,
		}, h)

		select {
		case s.ch <- d:
		case <-s.ctx.Done():
			b.mu.Lock()
			if _, live := b.inflight[h]; live {
				delete(b.inflight, h)
				b.requeueLocked(h.queue, h.item)
				s.lim.release()
				b.cond.Broadcast()
			}
			b.mu.Unlock()
			return
		}
	}
}

func cloneMessage(m Message) Message {
	if m.Headers != nil {
		h := make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			h[k] = v
		}
		m.Headers = h
	}
	return m
}
