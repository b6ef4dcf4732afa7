package servicebus

import (
	"context"
	"fmt"
	"time"

	"go-servicebus/pkg/models"
	"go-servicebus/pkg/transport"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

type boundReceiver struct {
	conn     transport.Conn
	receiver transport.Receiver
}

// parkedDelivery is a dead letter whose handling failed in this run. It is
// held locked so the same pull loop does not receive it again, and
// abandoned when the worker exits.
type parkedDelivery struct {
	receiver transport.Receiver
	delivery *transport.Delivery
}

// puller owns one worker's receivers, one per endpoint it has used.
type puller struct {
	engine    *Engine
	run       *run
	receivers map[string]boundReceiver
	parked    map[string]parkedDelivery
	endpoint  Endpoint
}

func (e *Engine) worker(ctx context.Context, r *run, id int) error {
	src := Source{
		Destination: e.cfg.Destination,
		SubQueue:    e.subQueue,
		Mode:        r.mode,
		Worker:      id,
	}
	logger := e.logger.WithField("worker_id", id)
	w := &puller{
		engine:    e,
		run:       r,
		receivers: make(map[string]boundReceiver),
		parked:    make(map[string]parkedDelivery),
	}
	defer w.close()

	logger.Debug("Worker started")
	defer logger.Debug("Worker stopped")

	bo := e.cfg.RetryPolicy.newBackOff(e.cfg.OperationTimeout)
	failing := false
	faultBo := e.cfg.RetryPolicy.newBackOff(0)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !r.reserve() {
			return nil
		}
		if err := r.inflight.Acquire(ctx, 1); err != nil {
			r.unreserve()
			return nil
		}

		d, rcv, err := w.pull(ctx)
		src.Endpoint = w.endpoint.Name
		if err != nil {
			r.inflight.Release(1)
			r.unreserve()
			if ctx.Err() != nil {
				return nil
			}
			if !failing {
				bo.Reset()
				failing = true
			}

			e.report(r, src, ErrorInfo{Err: err})
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				fatal := &FatalError{Err: err}
				e.report(r, src, ErrorInfo{Err: fatal, Fatal: true})
				return fatal
			}

			logger.WithFields(logrus.Fields{
				"endpoint": src.Endpoint,
				"backoff":  wait,
			}).Warn("Receive failed, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		failing = false

		if d == nil {
			r.inflight.Release(1)
			r.unreserve()
			if r.opts.stopWhenIdle {
				logger.Info("No messages available, worker stopping")
				return nil
			}
			continue
		}

		parked := e.process(r, src, w, rcv, d)
		r.inflight.Release(1)
		if !parked {
			faultBo.Reset()
			continue
		}

		wait := faultBo.NextBackOff()
		logger.WithFields(logrus.Fields{
			"message_id": d.Message.ID,
			"backoff":    wait,
		}).Warn("Dead letter held after failure, backing off")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// pull receives at most one delivery. A nil delivery with a nil error means
// the receive timed out empty.
func (w *puller) pull(ctx context.Context) (*transport.Delivery, transport.Receiver, error) {
	e := w.engine
	lease, err := e.resolver.Resolve()
	if err != nil {
		return nil, nil, err
	}
	w.endpoint = lease.Endpoint

	br, err := w.receiver(ctx, lease.Endpoint)
	if err != nil {
		lease.Report(err)
		return nil, nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.ReceiveTimeout)
	deliveries, err := br.receiver.Receive(rctx, 1)
	timedOut := rctx.Err() != nil
	cancel()

	if err != nil && timedOut {
		lease.Report(nil)
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, nil
	}
	lease.Report(err)
	if err != nil {
		if IsConnectionError(err) {
			w.drop(ctx, lease.Endpoint)
		}
		return nil, nil, err
	}
	if len(deliveries) == 0 {
		return nil, nil, nil
	}
	return deliveries[0], br.receiver, nil
}

func (w *puller) receiver(ctx context.Context, ep Endpoint) (boundReceiver, error) {
	if br, ok := w.receivers[ep.Name]; ok {
		return br, nil
	}

	e := w.engine
	conn, err := w.run.pool.get(ctx, ep)
	if err != nil {
		return boundReceiver{}, err
	}
	rcv, err := conn.NewReceiver(e.cfg.Destination, transport.ReceiverOptions{
		SubQueue: e.subQueue,
		Prefetch: e.cfg.PrefetchCount,
	})
	if err != nil {
		if IsConnectionError(err) {
			w.run.pool.invalidate(ctx, ep, conn)
		}
		return boundReceiver{}, fmt.Errorf("failed to create receiver: %w", err)
	}

	br := boundReceiver{conn: conn, receiver: rcv}
	w.receivers[ep.Name] = br
	return br, nil
}

func (w *puller) drop(ctx context.Context, ep Endpoint) {
	br, ok := w.receivers[ep.Name]
	if !ok {
		return
	}
	delete(w.receivers, ep.Name)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.engine.cfg.OperationTimeout)
	defer cancel()
	_ = br.receiver.Close(closeCtx)
	w.run.pool.invalidate(closeCtx, ep, br.conn)
}

// requeue sends a fresh copy of d to the active entity on the same
// endpoint, then completes d. The copy is sent first; if that fails d is
// parked and stays in the dead-letter sub-queue.
func (w *puller) requeue(ctx context.Context, rcv transport.Receiver, d *transport.Delivery) error {
	e := w.engine
	conn, err := w.run.pool.get(ctx, w.endpoint)
	if err != nil {
		w.park(rcv, d)
		return err
	}
	sender, err := conn.NewSender(e.cfg.Destination.SendEntity())
	if err != nil {
		w.park(rcv, d)
		return fmt.Errorf("failed to create sender: %w", err)
	}
	defer sender.Close(ctx)

	msg := d.Message.Clone()
	msg.DeliveryCount = 0
	msg.EnqueuedAt = time.Now()
	if err := sender.SendBatch(ctx, []*models.Message{msg}); err != nil {
		w.park(rcv, d)
		return fmt.Errorf("failed to requeue: %w", err)
	}
	return rcv.Complete(ctx, d)
}

// park holds d locked until the worker exits. A redelivery of an already
// parked message replaces the stale lock.
func (w *puller) park(rcv transport.Receiver, d *transport.Delivery) {
	w.parked[d.Message.ID] = parkedDelivery{receiver: rcv, delivery: d}
}

func (w *puller) isParked(id string) bool {
	_, ok := w.parked[id]
	return ok
}

func (w *puller) close() {
	ctx, cancel := context.WithTimeout(context.Background(), w.engine.cfg.OperationTimeout)
	defer cancel()
	for id, p := range w.parked {
		if err := p.receiver.Abandon(ctx, p.delivery); err != nil {
			w.engine.logger.WithError(err).WithField("message_id", id).Debug("Failed to release held dead letter")
		}
	}
	w.parked = nil
	for name, br := range w.receivers {
		if err := br.receiver.Close(ctx); err != nil {
			w.engine.logger.WithError(err).WithField("endpoint", name).Debug("Failed to close receiver")
		}
	}
	w.receivers = nil
}
