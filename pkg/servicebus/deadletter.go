package servicebus

import (
	"context"
	"fmt"

	"go-servicebus/pkg/models"
	"go-servicebus/pkg/transport"
)

// DeadLetterReader drains the dead-letter sub-queue of a destination. Each
// message is completed or requeued to the active entity as the
// DeadLetterHandler decides.
type DeadLetterReader struct {
	engine *Engine
}

func NewDeadLetterReader(cfg DeadLetterConfig) (*DeadLetterReader, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	engine, err := newEngine(cfg.engineConfig(), transport.SubQueueDeadLetter)
	if err != nil {
		return nil, err
	}
	return &DeadLetterReader{engine: engine}, nil
}

// Start blocks until Stop is called, ctx ends, a RunOption bound is reached
// or connectivity is lost for good. A message whose handler fails, or whose
// requeue send fails, is not offered again in the same run: it stays locked
// while the reader backs off and moves on, and is released back to the
// dead-letter sub-queue when Start returns.
func (r *DeadLetterReader) Start(ctx context.Context, handler DeadLetterHandler, onError ErrorHandler, opts ...RunOption) error {
	if handler == nil {
		return ErrNilHandler
	}
	dispatch := func(ctx context.Context, src Source, d *transport.Delivery) (Verdict, error) {
		msg := &models.DeadLetterMessage{Message: *d.Message}
		if d.DeadLetter != nil {
			msg.DeadLetterInfo = *d.DeadLetter
		}

		res, err := handler.HandleDeadLetter(ctx, src, msg)
		if err != nil {
			return Verdict{}, err
		}
		switch res {
		case ResolveComplete:
			return Accept(), nil
		case ResolveRequeue:
			return Verdict{Kind: verdictRequeue}, nil
		default:
			return Verdict{}, fmt.Errorf("unknown resolution %d", res)
		}
	}
	return r.engine.start(ctx, Synchronous, dispatch, onError, opts)
}

func (r *DeadLetterReader) Stop(ctx context.Context) error {
	return r.engine.Stop(ctx)
}

func (r *DeadLetterReader) State() State {
	return r.engine.State()
}

func (r *DeadLetterReader) Stats() Stats {
	return r.engine.Stats()
}
