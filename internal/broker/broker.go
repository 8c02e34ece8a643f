// Package broker abstracts the message brokers worker pools consume from.
//
// A Connector owns one broker connection. Units open a Subscription each
// (competing consumers on the same queue or topic) and resolve every Delivery
// exactly once through Ack or Nack. The prefetch limit is fixed at Connect time
// and bounds unacknowledged deliveries across the whole connector.
package broker

import (
	"context"
	"sync/atomic"
)

// Setting is the process-wide, immutable description of a broker.
// Kind is the runtime type tag the pool factory dispatches on.
type Setting interface {
	Kind() string
	QueueName() string
	PrefetchLimit() int
	Validate() error
}

// Envelope is one inbound task as delivered by the broker.
type Envelope struct {
	Payload       string
	CorrelationID string
	Queue         string
	Headers       map[string]string
	// Key is the partition/routing key for keyed-topic brokers, typed by the
	// setting's key type. Nil for queue brokers. Use KeyAs to read it.
	Key any
	// Redelivered is set when the broker knows this is not the first attempt.
	Redelivered bool
}

// Delivery is an unacknowledged message. It must be resolved exactly once.
type Delivery struct {
	Envelope

	handle   any
	resolved atomic.Bool
}

// NewDelivery wraps a connector-owned handle. Used by Connector implementations.
func NewDelivery(env Envelope, handle any) *Delivery {
	return &Delivery{Envelope: env, handle: handle}
}

// Handle returns the connector-owned token for this delivery.
func (d *Delivery) Handle() any {
	return d.handle
}

// Claim marks the delivery resolved. It returns ErrAlreadyResolved on every
// call after the first; connectors call it before acking or nacking.
func (d *Delivery) Claim() error {
	if !d.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	return nil
}

// Resolved reports whether Ack or Nack has been called.
func (d *Delivery) Resolved() bool {
	return d.resolved.Load()
}

// KeyAs returns the delivery's routing key as K.
func KeyAs[K KeyType](d *Delivery) (K, bool) {
	k, ok := d.Key.(K)
	return k, ok
}

// Subscription is one consumption slot on a queue or topic.
type Subscription interface {
	// Deliveries yields messages until the subscription is closed or the
	// connection fails. Err tells the two apart.
	Deliveries() <-chan *Delivery
	// Err is nil after Close and a *ConnectionError after a connection failure.
	Err() error
	Close() error
}

// Connector is a broker connection shared by the units of a pool.
//
//go:generate mockgen -destination=mocks/connector.go -package=mocks . Connector,Subscription
type Connector interface {
	Connect(ctx context.Context) error
	Consume(ctx context.Context, queue string) (Subscription, error)
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery, requeue bool) error
	Publish(ctx context.Context, target, payload, correlationID string, headers map[string]string) error
	Close() error
}
