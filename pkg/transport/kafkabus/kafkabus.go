// Package kafkabus implements the transport interfaces on Kafka.
//
// Kafka has no per-message locks, so settlement is emulated with topics:
//
//	<entity>              active messages
//	<entity>.retry        abandoned messages, consumed alongside the active topic
//	<entity>.deadletter   dead-lettered messages
//
// where <entity> is the queue name or "<topic>.<subscription>". A queue is
// consumed by one consumer group named after it; each subscription is its
// own consumer group on the topic. Every settlement commits the offset.
package kafkabus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go-servicebus/pkg/models"
	"go-servicebus/pkg/transport"

	kafka "github.com/segmentio/kafka-go"
)

const (
	Scheme = "kafka://"

	retrySuffix      = ".retry"
	deadLetterSuffix = ".deadletter"
)

// Brokers is a parsed connection string of the form
// kafka://host1:9092,host2:9092?acks=all
type Brokers struct {
	Addrs []string
	Acks  kafka.RequiredAcks
}

func ParseConnectionString(connectionString string) (Brokers, error) {
	rest := strings.TrimPrefix(strings.TrimSpace(connectionString), Scheme)
	hosts, query, _ := strings.Cut(rest, "?")

	b := Brokers{Addrs: parseBrokers(hosts), Acks: kafka.RequireAll}
	if len(b.Addrs) == 0 {
		return Brokers{}, fmt.Errorf("no brokers in connection string")
	}
	for _, kv := range strings.Split(query, "&") {
		key, value, ok := strings.Cut(kv, "=")
		if ok && key == "acks" {
			b.Acks = parseAcks(value)
		}
	}
	return b, nil
}

func parseBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	result := make([]string, 0, len(parts))
	for _, broker := range parts {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseAcks(acks string) kafka.RequiredAcks {
	switch strings.ToLower(acks) {
	case "all", "-1":
		return kafka.RequireAll
	case "0":
		return kafka.RequireNone
	case "1":
		return kafka.RequireOne
	default:
		return kafka.RequireAll // default to all
	}
}

// EntityPath names the topic holding a destination's active messages.
func EntityPath(d transport.Destination) string {
	if d.IsQueue() {
		return d.Queue
	}
	return d.Topic + "." + d.Subscription
}

func RetryTopic(d transport.Destination) string {
	return EntityPath(d) + retrySuffix
}

func DeadLetterTopic(d transport.Destination) string {
	return EntityPath(d) + deadLetterSuffix
}

// ============================================================================
// Dialer
// ============================================================================

type Dialer struct {
	// DialTimeout bounds the broker health check done on Dial.
	DialTimeout time.Duration
}

func NewDialer() *Dialer {
	return &Dialer{DialTimeout: 10 * time.Second}
}

func (d *Dialer) Dial(ctx context.Context, connectionString string) (transport.Conn, error) {
	brokers, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}

	c := &conn{brokers: brokers, endpoint: strings.Join(brokers.Addrs, ",")}
	hctx, cancel := context.WithTimeout(ctx, d.DialTimeout)
	defer cancel()
	if err := c.HealthCheck(hctx); err != nil {
		return nil, &transport.ConnectionError{Endpoint: c.endpoint, Err: err}
	}
	return c, nil
}

type conn struct {
	brokers  Brokers
	endpoint string
}

// HealthCheck verifies connectivity to the first broker
func (c *conn) HealthCheck(ctx context.Context) error {
	kc, err := kafka.DialContext(ctx, "tcp", c.brokers.Addrs[0])
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer kc.Close()

	if _, err := kc.ReadPartitions(); err != nil {
		return fmt.Errorf("failed to read partitions: %w", err)
	}
	return nil
}

func (c *conn) newWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(c.brokers.Addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           c.brokers.Acks,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: false,
		Async:                  false,
	}
}

func (c *conn) NewSender(entity string) (transport.Sender, error) {
	return &sender{writer: c.newWriter(entity), endpoint: c.endpoint}, nil
}

func (c *conn) NewReceiver(dest transport.Destination, opts transport.ReceiverOptions) (transport.Receiver, error) {
	if err := dest.ValidateForReceive(); err != nil {
		return nil, err
	}

	cfg := kafka.ReaderConfig{
		Brokers:        c.brokers.Addrs,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // commits are explicit settlements
		StartOffset:    kafka.FirstOffset,
	}
	if opts.Prefetch > 0 {
		cfg.QueueCapacity = opts.Prefetch
	}

	r := &receiver{dest: dest, endpoint: c.endpoint}
	if opts.SubQueue == transport.SubQueueDeadLetter {
		r.deadLetter = true
		cfg.GroupID = DeadLetterTopic(dest)
		cfg.GroupTopics = []string{DeadLetterTopic(dest)}
	} else {
		cfg.GroupID = EntityPath(dest)
		sourceTopic := dest.Queue
		if !dest.IsQueue() {
			sourceTopic = dest.Topic
		}
		cfg.GroupTopics = []string{sourceTopic, RetryTopic(dest)}
	}

	r.reader = kafka.NewReader(cfg)
	r.writer = c.newWriter("")
	return r, nil
}

// Close is a no-op; readers and writers own their broker connections.
func (c *conn) Close(ctx context.Context) error {
	return nil
}

// ============================================================================
// Sender
// ============================================================================

type sender struct {
	writer   *kafka.Writer
	endpoint string
}

func (s *sender) SendBatch(ctx context.Context, msgs []*models.Message) error {
	batch := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		batch = append(batch, ToKafka(m))
	}
	return classify(s.endpoint, s.writer.WriteMessages(ctx, batch...))
}

func (s *sender) Close(ctx context.Context) error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

// ============================================================================
// Receiver
// ============================================================================

type receiver struct {
	reader     *kafka.Reader
	writer     *kafka.Writer
	dest       transport.Destination
	endpoint   string
	deadLetter bool
}

// Receive fetches one message; max is treated as 1.
func (r *receiver) Receive(ctx context.Context, max int) ([]*transport.Delivery, error) {
	km, err := r.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return nil, transport.ErrClosed
		}
		return nil, classify(r.endpoint, err)
	}
	return []*transport.Delivery{FromKafka(km, r.deadLetter)}, nil
}

func (r *receiver) fetched(d *transport.Delivery) (kafka.Message, error) {
	km, ok := d.Token.(kafka.Message)
	if !ok {
		return kafka.Message{}, fmt.Errorf("kafkabus: foreign delivery token %T", d.Token)
	}
	return km, nil
}

func (r *receiver) Complete(ctx context.Context, d *transport.Delivery) error {
	km, err := r.fetched(d)
	if err != nil {
		return err
	}
	return classify(r.endpoint, r.reader.CommitMessages(ctx, km))
}

// Abandon republishes the message to the retry topic, or back to the
// dead-letter topic when reading dead letters, then commits the consumed offset.
func (r *receiver) Abandon(ctx context.Context, d *transport.Delivery) error {
	km, err := r.fetched(d)
	if err != nil {
		return err
	}

	out := ToKafka(d.Message)
	out.Topic = RetryTopic(r.dest)
	if r.deadLetter {
		out.Topic = DeadLetterTopic(r.dest)
		out.Headers = append(out.Headers, deadLetterHeaders(d.DeadLetter)...)
	}
	if err := r.writer.WriteMessages(ctx, out); err != nil {
		return classify(r.endpoint, err)
	}
	return classify(r.endpoint, r.reader.CommitMessages(ctx, km))
}

func (r *receiver) DeadLetter(ctx context.Context, d *transport.Delivery, reason, description string) error {
	if r.deadLetter {
		return transport.ErrUnsupported
	}
	km, err := r.fetched(d)
	if err != nil {
		return err
	}

	out := ToKafka(d.Message)
	out.Topic = DeadLetterTopic(r.dest)
	out.Headers = append(out.Headers, deadLetterHeaders(&models.DeadLetterInfo{
		Reason:      reason,
		Description: description,
		Source:      EntityPath(r.dest),
	})...)
	if err := r.writer.WriteMessages(ctx, out); err != nil {
		return classify(r.endpoint, err)
	}
	return classify(r.endpoint, r.reader.CommitMessages(ctx, km))
}

func (r *receiver) Close(ctx context.Context) error {
	werr := r.writer.Close()
	if err := r.reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	return werr
}

// ============================================================================
// Conversion
// ============================================================================

// ToKafka maps a message onto a record keyed by message id. The delivery
// count header is only written once the message has been delivered.
func ToKafka(m *models.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Properties)+5)
	for k, v := range m.Properties {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers,
		kafka.Header{Key: models.PropertyMessageID, Value: []byte(m.ID)},
		kafka.Header{Key: models.PropertyTemplate, Value: []byte(m.Template)},
		kafka.Header{Key: models.PropertyBatchID, Value: []byte(m.BatchID)},
	)
	if m.DeliveryCount > 0 {
		headers = append(headers, kafka.Header{Key: models.PropertyDeliveryCount, Value: []byte(strconv.Itoa(m.DeliveryCount))})
	}

	ts := m.EnqueuedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return kafka.Message{
		Key:     []byte(m.ID),
		Value:   []byte(m.Body),
		Headers: headers,
		Time:    ts,
	}
}

// FromKafka maps a fetched record back. The delivery count is one more than
// the count carried by the record.
func FromKafka(km kafka.Message, deadLetter bool) *transport.Delivery {
	msg := &models.Message{
		ID:            string(km.Key),
		Body:          string(km.Value),
		EnqueuedAt:    km.Time,
		DeliveryCount: 1,
		Properties:    make(map[string]string),
	}
	var dl models.DeadLetterInfo

	for _, h := range km.Headers {
		v := string(h.Value)
		switch h.Key {
		case models.PropertyMessageID:
			msg.ID = v
		case models.PropertyTemplate:
			msg.Template = v
		case models.PropertyBatchID:
			msg.BatchID = v
		case models.PropertyDeliveryCount:
			if n, err := strconv.Atoi(v); err == nil {
				msg.DeliveryCount = n + 1
			}
		case models.PropertyDLReason:
			dl.Reason = v
		case models.PropertyDLDescription:
			dl.Description = v
		case models.PropertyDLSource:
			dl.Source = v
		default:
			msg.Properties[h.Key] = v
		}
	}

	d := &transport.Delivery{Message: msg, Token: km}
	if deadLetter {
		d.DeadLetter = &dl
	}
	return d
}

func deadLetterHeaders(info *models.DeadLetterInfo) []kafka.Header {
	if info == nil {
		return nil
	}
	return []kafka.Header{
		{Key: models.PropertyDLReason, Value: []byte(info.Reason)},
		{Key: models.PropertyDLDescription, Value: []byte(info.Description)},
		{Key: models.PropertyDLSource, Value: []byte(info.Source)},
	}
}

// ============================================================================
// Errors
// ============================================================================

func classify(endpoint string, err error) error {
	if err == nil {
		return nil
	}

	var kerr kafka.Error
	if errors.As(err, &kerr) {
		if kerr == kafka.UnknownTopicOrPartition {
			return fmt.Errorf("%w: %v", transport.ErrEntityNotFound, err)
		}
		if kerr.Temporary() {
			return &transport.ConnectionError{Endpoint: endpoint, Err: err}
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &transport.ConnectionError{Endpoint: endpoint, Err: err}
	}
	return err
}
