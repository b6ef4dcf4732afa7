package servicebus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-servicebus/pkg/models"
	"go-servicebus/pkg/transport"
	"go-servicebus/pkg/transport/membus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterReader_Complete(t *testing.T) {
	f := newFixture(t, membus.Options{})
	msgs := f.seed(t, 3)
	f.deadLetterAll(t, "x", "y")
	require.Equal(t, 3, f.bus.DeadLetterCount(f.dest))

	r, err := NewDeadLetterReader(f.deadLetterConfig())
	require.NoError(t, err)

	var seen []*models.DeadLetterMessage
	handler := DeadLetterHandlerFunc(func(ctx context.Context, src Source, msg *models.DeadLetterMessage) (Resolution, error) {
		assert.Equal(t, transport.SubQueueDeadLetter, src.SubQueue)
		seen = append(seen, msg)
		return ResolveComplete, nil
	})
	require.NoError(t, r.Start(context.Background(), handler, nil, WithStopWhenIdle()))

	require.Len(t, seen, 3)
	for i, m := range seen {
		assert.Equal(t, msgs[i].ID, m.ID)
		assert.Equal(t, "x", m.Reason)
		assert.Equal(t, "y", m.Description)
		assert.Equal(t, "line", m.Body)
	}
	assert.Equal(t, 0, f.bus.DeadLetterCount(f.dest))
	assert.Equal(t, 0, f.bus.ActiveCount(f.dest))
	assert.Equal(t, StateStopped, r.State())
}

func TestDeadLetterReader_Requeue(t *testing.T) {
	f := newFixture(t, membus.Options{})
	msgs := f.seed(t, 2)
	f.deadLetterAll(t, "x", "y")

	r, err := NewDeadLetterReader(f.deadLetterConfig())
	require.NoError(t, err)
	handler := DeadLetterHandlerFunc(func(ctx context.Context, src Source, msg *models.DeadLetterMessage) (Resolution, error) {
		return ResolveRequeue, nil
	})
	require.NoError(t, r.Start(context.Background(), handler, nil, WithStopWhenIdle()))

	assert.Equal(t, 0, f.bus.DeadLetterCount(f.dest))
	active := f.bus.Messages(f.dest)
	require.Len(t, active, 2)
	for i, m := range active {
		assert.Equal(t, msgs[i].ID, m.ID)
		assert.Equal(t, "1-Sample", m.Template)
		assert.Equal(t, 0, m.DeliveryCount)
	}
	assert.Equal(t, int64(2), r.Stats().Requeued)
	assert.Equal(t, int64(2), f.metrics.GetRequeued())

	e, err := NewEngine(f.engineConfig())
	require.NoError(t, err)
	var counts []int
	consume := HandlerFunc(func(ctx context.Context, src Source, msg *models.Message) (Verdict, error) {
		counts = append(counts, msg.DeliveryCount)
		return Accept(), nil
	})
	require.NoError(t, e.Start(context.Background(), Synchronous, consume, nil, WithStopWhenIdle()))
	assert.Equal(t, []int{1, 1}, counts, "requeued messages start a fresh delivery count")
}

func TestDeadLetterReader_HandlerErrorLeavesMessage(t *testing.T) {
	f := newFixture(t, membus.Options{})
	f.seed(t, 1)
	f.deadLetterAll(t, "x", "y")

	r, err := NewDeadLetterReader(f.deadLetterConfig())
	require.NoError(t, err)

	var calls atomic.Int64
	handler := DeadLetterHandlerFunc(func(ctx context.Context, src Source, msg *models.DeadLetterMessage) (Resolution, error) {
		calls.Add(1)
		return ResolveComplete, errors.New("archive unavailable")
	})
	rec := &errorRecorder{}
	require.NoError(t, r.Start(context.Background(), handler, rec, WithMaxMessages(1)))

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, f.bus.DeadLetterCount(f.dest))
	assert.Equal(t, 0, f.bus.ActiveCount(f.dest))
	require.Len(t, rec.all(), 1)
	assert.True(t, IsHandlerFault(rec.all()[0].Err))
}

func TestDeadLetterReader_FailingMessageDoesNotStarveOthers(t *testing.T) {
	f := newFixture(t, membus.Options{})
	msgs := f.seed(t, 3)
	f.deadLetterAll(t, "x", "y")
	poison := msgs[0].ID

	r, err := NewDeadLetterReader(f.deadLetterConfig())
	require.NoError(t, err)

	var mu sync.Mutex
	calls := make(map[string]int)
	handler := DeadLetterHandlerFunc(func(ctx context.Context, src Source, msg *models.DeadLetterMessage) (Resolution, error) {
		mu.Lock()
		calls[msg.ID]++
		mu.Unlock()
		if msg.ID == poison {
			return ResolveComplete, errors.New("archive rejected message")
		}
		return ResolveComplete, nil
	})
	rec := &errorRecorder{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Start(ctx, handler, rec, WithStopWhenIdle()))
	require.NoError(t, ctx.Err(), "reader must go idle once only the failing message remains")

	assert.Equal(t, 1, calls[poison])
	assert.Equal(t, 1, calls[msgs[1].ID])
	assert.Equal(t, 1, calls[msgs[2].ID])

	remaining := f.bus.DeadLetters(f.dest)
	require.Len(t, remaining, 1)
	assert.Equal(t, poison, remaining[0].ID)
	assert.Equal(t, "x", remaining[0].Reason)
	assert.Equal(t, int64(2), r.Stats().Completed)
	require.Len(t, rec.all(), 1)
	assert.True(t, IsHandlerFault(rec.all()[0].Err))
}

func TestDeadLetterReader_FailedRequeueIsHeld(t *testing.T) {
	var failSends atomic.Bool
	f := newFixture(t, membus.Options{
		SendHook: func(entity string, msgs []*models.Message) error {
			if failSends.Load() {
				return errors.New("quota exceeded")
			}
			return nil
		},
	})
	f.seed(t, 2)
	f.deadLetterAll(t, "x", "y")
	failSends.Store(true)

	r, err := NewDeadLetterReader(f.deadLetterConfig())
	require.NoError(t, err)

	var calls atomic.Int64
	handler := DeadLetterHandlerFunc(func(ctx context.Context, src Source, msg *models.DeadLetterMessage) (Resolution, error) {
		calls.Add(1)
		return ResolveRequeue, nil
	})
	rec := &errorRecorder{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Start(ctx, handler, rec, WithStopWhenIdle()))
	require.NoError(t, ctx.Err())

	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, 2, f.bus.DeadLetterCount(f.dest))
	assert.Equal(t, 0, f.bus.ActiveCount(f.dest))
	assert.Zero(t, r.Stats().Requeued)
	require.Len(t, rec.all(), 2)
	for _, info := range rec.all() {
		var settleErr *SettlementError
		assert.ErrorAs(t, info.Err, &settleErr)
	}
}

func TestDeadLetterReader_RetriesFailedMessageInLaterRuns(t *testing.T) {
	f := newFixture(t, membus.Options{})
	f.seed(t, 1)
	f.deadLetterAll(t, "x", "y")

	r, err := NewDeadLetterReader(f.deadLetterConfig())
	require.NoError(t, err)

	var counts []int
	handler := DeadLetterHandlerFunc(func(ctx context.Context, src Source, msg *models.DeadLetterMessage) (Resolution, error) {
		counts = append(counts, msg.DeliveryCount)
		if len(counts) < 5 {
			return ResolveComplete, errors.New("not yet")
		}
		return ResolveComplete, nil
	})

	for run := 0; run < 5; run++ {
		require.NoError(t, r.Start(context.Background(), handler, nil, WithStopWhenIdle()))
		require.Len(t, counts, run+1, "one attempt per run")
	}

	assert.Equal(t, 0, f.bus.DeadLetterCount(f.dest))
	assert.Greater(t, counts[len(counts)-1], 3, "dead letters are not subject to the delivery limit")
}

func TestDeadLetterReader_StopWhenNotRunning(t *testing.T) {
	f := newFixture(t, membus.Options{})
	r, err := NewDeadLetterReader(f.deadLetterConfig())
	require.NoError(t, err)

	assert.NoError(t, r.Stop(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background(), nil, nil), ErrNilHandler)
}
