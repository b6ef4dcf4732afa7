package transport

import (
	"context"
	"errors"
	"fmt"

	"go-servicebus/pkg/models"
)

// ============================================================================
// Destination
// ============================================================================

// Destination is either a queue or a topic+subscription pair. A bare topic
// is only a valid send target.
type Destination struct {
	Queue        string `json:"queue,omitempty"`
	Topic        string `json:"topic,omitempty"`
	Subscription string `json:"subscription,omitempty"`
}

var (
	ErrEmptyDestination     = errors.New("destination requires a queue or a topic")
	ErrAmbiguousDestination = errors.New("queue and topic are mutually exclusive")
	ErrMissingSubscription  = errors.New("topic destination requires a subscription to receive")
	ErrQueueSubscription    = errors.New("subscription is only valid with a topic")
)

func QueueDestination(queue string) Destination {
	return Destination{Queue: queue}
}

func TopicDestination(topic string) Destination {
	return Destination{Topic: topic}
}

func SubscriptionDestination(topic, subscription string) Destination {
	return Destination{Topic: topic, Subscription: subscription}
}

func (d Destination) IsQueue() bool {
	return d.Queue != ""
}

// SendEntity is the entity messages are sent to: the queue, or the topic.
func (d Destination) SendEntity() string {
	if d.IsQueue() {
		return d.Queue
	}
	return d.Topic
}

// ValidateForSend checks the destination can be published to.
func (d Destination) ValidateForSend() error {
	switch {
	case d.Queue == "" && d.Topic == "":
		return ErrEmptyDestination
	case d.Queue != "" && d.Topic != "":
		return ErrAmbiguousDestination
	case d.Queue != "" && d.Subscription != "":
		return ErrQueueSubscription
	}
	return nil
}

// ValidateForReceive checks the destination can be consumed from.
func (d Destination) ValidateForReceive() error {
	if err := d.ValidateForSend(); err != nil {
		return err
	}
	if d.Topic != "" && d.Subscription == "" {
		return ErrMissingSubscription
	}
	return nil
}

// String renders the entity path, e.g. "orders" or "events/subscriptions/audit".
func (d Destination) String() string {
	switch {
	case d.IsQueue():
		return d.Queue
	case d.Subscription != "":
		return d.Topic + "/subscriptions/" + d.Subscription
	default:
		return d.Topic
	}
}

// SubQueue selects the active entity or its dead-letter sub-queue.
type SubQueue int

const (
	SubQueueNone SubQueue = iota
	SubQueueDeadLetter
)

func (s SubQueue) String() string {
	if s == SubQueueDeadLetter {
		return "deadletter"
	}
	return "active"
}

// DeadLetterPath is the entity path of the dead-letter sub-queue.
func DeadLetterPath(d Destination) string {
	return d.String() + "/$deadletterqueue"
}

// ============================================================================
// Interfaces
// ============================================================================

type ReceiverOptions struct {
	SubQueue SubQueue
	Prefetch int
}

// Dialer opens connections for a connection string.
type Dialer interface {
	Dial(ctx context.Context, connectionString string) (Conn, error)
}

// Conn is one connection to a bus namespace.
type Conn interface {
	NewSender(entity string) (Sender, error)
	NewReceiver(dest Destination, opts ReceiverOptions) (Receiver, error)
	Close(ctx context.Context) error
}

// Sender sends messages to a queue or topic.
type Sender interface {
	// SendBatch sends msgs in one operation, preserving their order.
	SendBatch(ctx context.Context, msgs []*models.Message) error
	Close(ctx context.Context) error
}

// Receiver pulls peek-locked messages and settles them.
type Receiver interface {
	// Receive blocks until at least one message is available or ctx ends,
	// in which case it returns ctx.Err().
	Receive(ctx context.Context, max int) ([]*Delivery, error)
	Complete(ctx context.Context, d *Delivery) error
	Abandon(ctx context.Context, d *Delivery) error
	DeadLetter(ctx context.Context, d *Delivery, reason, description string) error
	Close(ctx context.Context) error
}

// Delivery is one locked message handed out by a Receiver.
type Delivery struct {
	Message *models.Message
	// DeadLetter is set for deliveries read from a dead-letter sub-queue.
	DeadLetter *models.DeadLetterInfo
	// Token is the transport's settlement handle.
	Token any
}

// ============================================================================
// Errors
// ============================================================================

// ConnectionError marks a transient failure to reach the bus.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("connection error: %v", e.Err)
	}
	return fmt.Sprintf("connection error (%s): %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError checks if err is, or wraps, a ConnectionError
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

var (
	ErrEntityNotFound = errors.New("entity not found")
	ErrLockLost       = errors.New("message lock lost")
	ErrUnsupported    = errors.New("operation not supported on this entity")
	ErrClosed         = errors.New("transport closed")
)
