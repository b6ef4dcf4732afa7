package service

import (
	"context"
	"strings"
	"sync/atomic"

	"go-servicebus/internal/observability"
	"go-servicebus/pkg/models"
	"go-servicebus/pkg/servicebus"

	"github.com/sirupsen/logrus"
)

const (
	ReasonEmptyBody       = "EmptyBody"
	ReasonUnknownTemplate = "UnknownTemplate"
)

// MessageProcessor handles business logic for consumed lines
type MessageProcessor struct {
	logger    logrus.FieldLogger
	templates map[string]bool
	dedupe    DedupeStore
	processed atomic.Int64
}

// NewMessageProcessor accepts messages of the given templates. With no
// templates every template is accepted.
func NewMessageProcessor(logger logrus.FieldLogger, templates ...string) *MessageProcessor {
	if logger == nil {
		logger = observability.GetLogger()
	}
	p := &MessageProcessor{logger: logger, templates: make(map[string]bool)}
	for _, t := range templates {
		p.templates[t] = true
	}
	return p
}

// WithDedupe skips messages whose ID is already in store.
func (p *MessageProcessor) WithDedupe(store DedupeStore) *MessageProcessor {
	p.dedupe = store
	return p
}

// HandleMessage processes one line. Messages that can never succeed are
// dead-lettered with a reason; everything else is accepted.
func (p *MessageProcessor) HandleMessage(ctx context.Context, src servicebus.Source, msg *models.Message) (servicebus.Verdict, error) {
	logger := p.logger.WithFields(logrus.Fields{
		"message_id":     msg.ID,
		"batch_id":       msg.BatchID,
		"template":       msg.Template,
		"delivery_count": msg.DeliveryCount,
		"worker_id":      src.Worker,
		"endpoint":       src.Endpoint,
	})

	if err := ctx.Err(); err != nil {
		return servicebus.Verdict{}, err
	}
	if p.dedupe != nil && p.dedupe.Exists(msg.ID) {
		logger.Info("Duplicate message detected, skipping")
		return servicebus.Accept(), nil
	}
	if strings.TrimSpace(msg.Body) == "" {
		logger.Warn("Empty message body")
		return servicebus.DeadLetter(ReasonEmptyBody, "message body is empty"), nil
	}
	if len(p.templates) > 0 && !p.templates[msg.Template] {
		logger.Warn("Unknown template")
		return servicebus.DeadLetter(ReasonUnknownTemplate, "template "+msg.Template+" is not handled"), nil
	}

	p.processed.Add(1)
	if p.dedupe != nil {
		p.dedupe.Add(msg.ID)
	}
	logger.WithField("length", len(msg.Body)).Debug("Message processed successfully")
	return servicebus.Accept(), nil
}

func (p *MessageProcessor) Processed() int64 {
	return p.processed.Load()
}

// DeadLetterInspector logs every dead-lettered message and requeues the
// ones whose reason is in requeue; the rest are completed.
type DeadLetterInspector struct {
	logger  logrus.FieldLogger
	requeue map[string]bool
}

func NewDeadLetterInspector(logger logrus.FieldLogger, requeueReasons ...string) *DeadLetterInspector {
	if logger == nil {
		logger = observability.GetLogger()
	}
	d := &DeadLetterInspector{logger: logger, requeue: make(map[string]bool)}
	for _, r := range requeueReasons {
		d.requeue[r] = true
	}
	return d
}

func (d *DeadLetterInspector) HandleDeadLetter(ctx context.Context, src servicebus.Source, msg *models.DeadLetterMessage) (servicebus.Resolution, error) {
	logger := d.logger.WithFields(logrus.Fields{
		"message_id":  msg.ID,
		"reason":      msg.Reason,
		"description": msg.Description,
		"source":      msg.Source,
	})

	if d.requeue[msg.Reason] {
		logger.Info("Requeueing dead-lettered message")
		return servicebus.ResolveRequeue, nil
	}
	logger.Info("Dead-lettered message")
	return servicebus.ResolveComplete, nil
}
