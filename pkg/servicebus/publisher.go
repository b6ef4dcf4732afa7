package servicebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-servicebus/internal/observability"
	"go-servicebus/pkg/models"
	"go-servicebus/pkg/transport"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// Batch Publisher
// ============================================================================

// Outcome is the result of publishing one message. Err is nil on success.
type Outcome struct {
	Message *models.Message
	Batch   int
	Err     error
}

// PublishResult lists one outcome per input message, in input order.
type PublishResult struct {
	Outcomes []Outcome
	Batches  int
}

// Failed returns the outcomes of the messages that were not sent.
func (r *PublishResult) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

func (r *PublishResult) FailureCount() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

type boundSender struct {
	conn   transport.Conn
	sender transport.Sender
}

type Publisher struct {
	cfg      PublisherConfig
	resolver *Resolver
	pool     *connPool
	logger   logrus.FieldLogger
	metrics  observability.MetricsCollector

	mu      sync.Mutex
	senders map[string]boundSender
}

// NewPublisher validates cfg. No connection is opened until the first publish.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger.WithField("destination", cfg.Destination.String())
	return &Publisher{
		cfg:      cfg,
		resolver: NewResolver(cfg.Endpoint, logger, cfg.Metrics),
		pool:     newConnPool(cfg.Endpoint.Dialer, logger),
		logger:   logger,
		metrics:  cfg.Metrics,
		senders:  make(map[string]boundSender),
	}, nil
}

// Partition splits msgs into contiguous batches of at most size messages.
func Partition(msgs []*models.Message, size int) [][]*models.Message {
	if size <= 0 || len(msgs) == 0 {
		return nil
	}
	batches := make([][]*models.Message, 0, (len(msgs)+size-1)/size)
	for start := 0; start < len(msgs); start += size {
		end := start + size
		if end > len(msgs) {
			end = len(msgs)
		}
		batches = append(batches, msgs[start:end])
	}
	return batches
}

// Publish sends msgs in batches of batchSize, strictly in order. A failed
// batch is recorded per message and the run continues. The returned error is
// non-nil only when the run had to stop: no endpoint is reachable or ctx
// ended. Messages that were never attempted are reported as failed.
func (p *Publisher) Publish(ctx context.Context, msgs []*models.Message, batchSize int) (*PublishResult, error) {
	if batchSize <= 0 {
		return nil, &ConfigurationError{Field: "batchSize", Reason: "must be positive"}
	}

	batches := Partition(msgs, batchSize)
	result := &PublishResult{
		Outcomes: make([]Outcome, 0, len(msgs)),
		Batches:  len(batches),
	}

	started := time.Now()
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			result.failRemaining(batches, i, err)
			return result, err
		}

		outcomes, err := p.sendBatch(ctx, i, batch)
		result.Outcomes = append(result.Outcomes, outcomes...)
		if err != nil {
			result.failRemaining(batches, i+1, err)
			p.logger.WithError(err).WithField("batch", i).Error("Publish aborted")
			return result, err
		}
	}

	p.logger.WithFields(logrus.Fields{
		"messages": len(msgs),
		"batches":  len(batches),
		"failed":   result.FailureCount(),
		"elapsed":  time.Since(started),
	}).Info("Publish finished")
	return result, nil
}

func (r *PublishResult) failRemaining(batches [][]*models.Message, from int, cause error) {
	for i := from; i < len(batches); i++ {
		for _, m := range batches[i] {
			r.Outcomes = append(r.Outcomes, Outcome{
				Message: m,
				Batch:   i,
				Err:     &SendFailure{MessageID: m.ID, Batch: i, Err: cause},
			})
		}
	}
}

func (p *Publisher) sendBatch(ctx context.Context, index int, batch []*models.Message) ([]Outcome, error) {
	outcomes := make([]Outcome, len(batch))
	valid := make([]*models.Message, 0, len(batch))
	now := time.Now()
	for i, m := range batch {
		outcomes[i] = Outcome{Message: m, Batch: index}
		if err := m.Validate(); err != nil {
			outcomes[i].Err = &SendFailure{MessageID: m.ID, Batch: index, Err: err}
			p.metrics.IncPublishFailed()
			continue
		}
		m.EnqueuedAt = now
		valid = append(valid, m)
	}
	if len(valid) == 0 {
		return outcomes, nil
	}

	logger := p.logger.WithFields(logrus.Fields{"batch": index, "size": len(valid)})

	var endpoint string
	op := func() error {
		lease, err := p.resolver.Resolve()
		if err != nil {
			return backoff.Permanent(err)
		}
		endpoint = lease.Endpoint.Name

		err = p.send(ctx, lease.Endpoint, valid)
		lease.Report(err)
		if err == nil {
			return nil
		}
		if IsConnectionError(err) && p.resolver.CanFailover() {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.WithContext(p.cfg.RetryPolicy.newBackOff(p.cfg.OperationTimeout), ctx)
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		logger.WithError(err).WithFields(logrus.Fields{
			"endpoint": endpoint,
			"backoff":  wait,
		}).Warn("Retrying batch send")
	})

	if err == nil {
		for range valid {
			p.metrics.IncPublished()
		}
		logger.WithField("endpoint", endpoint).Debug("Batch sent")
		return outcomes, nil
	}

	for i := range outcomes {
		if outcomes[i].Err == nil {
			outcomes[i].Err = &SendFailure{MessageID: outcomes[i].Message.ID, Batch: index, Err: err}
			p.metrics.IncPublishFailed()
		}
	}
	logger.WithError(err).Error("Batch send failed")

	if errors.Is(err, ErrEndpointUnavailable) || ctx.Err() != nil {
		return outcomes, err
	}
	return outcomes, nil
}

func (p *Publisher) send(ctx context.Context, ep Endpoint, msgs []*models.Message) error {
	bs, err := p.sender(ctx, ep)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.OperationTimeout)
	defer cancel()

	err = bs.sender.SendBatch(sendCtx, msgs)
	if err != nil && IsConnectionError(err) {
		p.dropSender(ctx, ep, bs)
	}
	return err
}

func (p *Publisher) sender(ctx context.Context, ep Endpoint) (boundSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if bs, ok := p.senders[ep.Name]; ok {
		return bs, nil
	}

	conn, err := p.pool.get(ctx, ep)
	if err != nil {
		return boundSender{}, err
	}
	sender, err := conn.NewSender(p.cfg.Destination.SendEntity())
	if err != nil {
		if IsConnectionError(err) {
			p.pool.invalidate(ctx, ep, conn)
		}
		return boundSender{}, fmt.Errorf("failed to create sender: %w", err)
	}

	bs := boundSender{conn: conn, sender: sender}
	p.senders[ep.Name] = bs
	return bs, nil
}

func (p *Publisher) dropSender(ctx context.Context, ep Endpoint, bs boundSender) {
	p.mu.Lock()
	if current, ok := p.senders[ep.Name]; ok && current.sender == bs.sender {
		delete(p.senders, ep.Name)
	}
	p.mu.Unlock()

	_ = bs.sender.Close(ctx)
	p.pool.invalidate(ctx, ep, bs.conn)
}

// Close releases the senders and connections.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	senders := p.senders
	p.senders = make(map[string]boundSender)
	p.mu.Unlock()

	for _, bs := range senders {
		if err := bs.sender.Close(ctx); err != nil {
			p.logger.WithError(err).Warn("Failed to close sender")
		}
	}
	return p.pool.close(ctx)
}
