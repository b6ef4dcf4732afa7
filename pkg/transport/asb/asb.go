// Package asb implements the transport interfaces on Azure Service Bus.
package asb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go-servicebus/pkg/models"
	"go-servicebus/pkg/transport"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/go-amqp"
)

type Dialer struct {
	opts *azservicebus.ClientOptions
}

// NewDialer returns a Dialer that creates one azservicebus.Client per Dial.
// opts may be nil.
func NewDialer(opts *azservicebus.ClientOptions) *Dialer {
	return &Dialer{opts: opts}
}

func (d *Dialer) Dial(ctx context.Context, connectionString string) (transport.Conn, error) {
	namespace := Namespace(connectionString)
	client, err := azservicebus.NewClientFromConnectionString(connectionString, d.opts)
	if err != nil {
		// a malformed connection string will not get better on retry
		return nil, fmt.Errorf("invalid connection string for %s: %w", namespace, err)
	}
	return &conn{client: client, namespace: namespace}, nil
}

// Namespace extracts the host of the Endpoint key of a connection string so
// it can be logged without the shared access key.
func Namespace(connectionString string) string {
	for _, part := range strings.Split(connectionString, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(key, "Endpoint") {
			continue
		}
		value = strings.TrimPrefix(value, "sb://")
		return strings.TrimSuffix(value, "/")
	}
	return "unknown"
}

// ============================================================================
// Connection
// ============================================================================

type conn struct {
	client    *azservicebus.Client
	namespace string
}

func (c *conn) NewSender(entity string) (transport.Sender, error) {
	s, err := c.client.NewSender(entity, nil)
	if err != nil {
		return nil, classify(c.namespace, err)
	}
	return &sender{sender: s, namespace: c.namespace}, nil
}

func (c *conn) NewReceiver(dest transport.Destination, opts transport.ReceiverOptions) (transport.Receiver, error) {
	ro := &azservicebus.ReceiverOptions{ReceiveMode: azservicebus.ReceiveModePeekLock}
	if opts.SubQueue == transport.SubQueueDeadLetter {
		ro.SubQueue = azservicebus.SubQueueDeadLetter
	}

	var (
		r   *azservicebus.Receiver
		err error
	)
	if dest.IsQueue() {
		r, err = c.client.NewReceiverForQueue(dest.Queue, ro)
	} else {
		r, err = c.client.NewReceiverForSubscription(dest.Topic, dest.Subscription, ro)
	}
	if err != nil {
		return nil, classify(c.namespace, err)
	}
	return &receiver{
		receiver:   r,
		namespace:  c.namespace,
		deadLetter: opts.SubQueue == transport.SubQueueDeadLetter,
	}, nil
}

func (c *conn) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}

// ============================================================================
// Sender
// ============================================================================

type sender struct {
	sender    *azservicebus.Sender
	namespace string
}

// SendBatch sends msgs as one batch. A batch that exceeds the entity's size
// limit is rejected as a whole.
func (s *sender) SendBatch(ctx context.Context, msgs []*models.Message) error {
	batch, err := s.sender.NewMessageBatch(ctx, nil)
	if err != nil {
		return classify(s.namespace, err)
	}
	for _, m := range msgs {
		if err := batch.AddMessage(ToMessage(m), nil); err != nil {
			if errors.Is(err, azservicebus.ErrMessageTooLarge) {
				return fmt.Errorf("batch of %d messages exceeds size limit at message %s: %w", len(msgs), m.ID, err)
			}
			return classify(s.namespace, err)
		}
	}
	if err := s.sender.SendMessageBatch(ctx, batch, nil); err != nil {
		return classify(s.namespace, err)
	}
	return nil
}

func (s *sender) Close(ctx context.Context) error {
	return s.sender.Close(ctx)
}

// ============================================================================
// Receiver
// ============================================================================

type receiver struct {
	receiver   *azservicebus.Receiver
	namespace  string
	deadLetter bool
}

func (r *receiver) Receive(ctx context.Context, max int) ([]*transport.Delivery, error) {
	for {
		msgs, err := r.receiver.ReceiveMessages(ctx, max, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, classify(r.namespace, err)
		}
		if len(msgs) > 0 {
			deliveries := make([]*transport.Delivery, 0, len(msgs))
			for _, m := range msgs {
				deliveries = append(deliveries, FromReceived(m, r.deadLetter))
			}
			return deliveries, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (r *receiver) received(d *transport.Delivery) (*azservicebus.ReceivedMessage, error) {
	m, ok := d.Token.(*azservicebus.ReceivedMessage)
	if !ok {
		return nil, fmt.Errorf("asb: foreign delivery token %T", d.Token)
	}
	return m, nil
}

func (r *receiver) Complete(ctx context.Context, d *transport.Delivery) error {
	m, err := r.received(d)
	if err != nil {
		return err
	}
	return classify(r.namespace, r.receiver.CompleteMessage(ctx, m, nil))
}

func (r *receiver) Abandon(ctx context.Context, d *transport.Delivery) error {
	m, err := r.received(d)
	if err != nil {
		return err
	}
	return classify(r.namespace, r.receiver.AbandonMessage(ctx, m, nil))
}

func (r *receiver) DeadLetter(ctx context.Context, d *transport.Delivery, reason, description string) error {
	if r.deadLetter {
		return transport.ErrUnsupported
	}
	m, err := r.received(d)
	if err != nil {
		return err
	}
	return classify(r.namespace, r.receiver.DeadLetterMessage(ctx, m, &azservicebus.DeadLetterOptions{
		Reason:           &reason,
		ErrorDescription: &description,
	}))
}

func (r *receiver) Close(ctx context.Context) error {
	return r.receiver.Close(ctx)
}

// ============================================================================
// Conversion
// ============================================================================

// ToMessage maps a message onto the wire. The identifying fields travel both
// as the broker message id and as application properties.
func ToMessage(m *models.Message) *azservicebus.Message {
	props := make(map[string]any, len(m.Properties)+4)
	for k, v := range m.Properties {
		props[k] = v
	}
	props[models.PropertyMessageID] = m.ID
	props[models.PropertyTemplate] = m.Template
	props[models.PropertyBatchID] = m.BatchID
	if !m.EnqueuedAt.IsZero() {
		props[models.PropertyEnqueuedAt] = m.EnqueuedAt.UTC().Format(time.RFC3339Nano)
	}

	id := m.ID
	contentType := "text/plain"
	return &azservicebus.Message{
		MessageID:             &id,
		ContentType:           &contentType,
		Body:                  []byte(m.Body),
		ApplicationProperties: props,
	}
}

// FromReceived maps a received message back. The broker delivery count
// wins over anything carried in the properties.
func FromReceived(rm *azservicebus.ReceivedMessage, deadLetter bool) *transport.Delivery {
	msg := &models.Message{
		ID:            rm.MessageID,
		Body:          string(rm.Body),
		DeliveryCount: int(rm.DeliveryCount),
		Properties:    make(map[string]string),
	}
	if rm.EnqueuedTime != nil {
		msg.EnqueuedAt = *rm.EnqueuedTime
	}

	for k, v := range rm.ApplicationProperties {
		s := propertyString(v)
		switch k {
		case models.PropertyMessageID:
			if msg.ID == "" {
				msg.ID = s
			}
		case models.PropertyTemplate:
			msg.Template = s
		case models.PropertyBatchID:
			msg.BatchID = s
		case models.PropertyEnqueuedAt:
			if msg.EnqueuedAt.IsZero() {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					msg.EnqueuedAt = t
				}
			}
		default:
			msg.Properties[k] = s
		}
	}

	d := &transport.Delivery{Message: msg, Token: rm}
	if deadLetter {
		d.DeadLetter = &models.DeadLetterInfo{
			Reason:      deref(rm.DeadLetterReason),
			Description: deref(rm.DeadLetterErrorDescription),
			Source:      deref(rm.DeadLetterSource),
		}
	}
	return d
}

func propertyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ============================================================================
// Errors
// ============================================================================

// classify maps SDK errors onto the transport error vocabulary.
func classify(namespace string, err error) error {
	if err == nil {
		return nil
	}

	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) {
		switch sbErr.Code {
		case azservicebus.CodeConnectionLost, azservicebus.CodeTimeout:
			return &transport.ConnectionError{Endpoint: namespace, Err: err}
		case azservicebus.CodeLockLost:
			return fmt.Errorf("%w: %v", transport.ErrLockLost, err)
		}
		return err
	}

	// The SDK has no code for missing entities and passes the AMQP error
	// through, either bare or as the remote error of a detached link.
	if amqpCondition(err) == amqp.ErrCondNotFound {
		return fmt.Errorf("%w: %v", transport.ErrEntityNotFound, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &transport.ConnectionError{Endpoint: namespace, Err: err}
	}
	return err
}

func amqpCondition(err error) amqp.ErrCond {
	var linkErr *amqp.LinkError
	if errors.As(err, &linkErr) && linkErr.RemoteErr != nil {
		return linkErr.RemoteErr.Condition
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Condition
	}
	return ""
}
