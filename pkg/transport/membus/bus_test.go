package membus

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-servicebus/pkg/models"
	"go-servicebus/pkg/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTest(t *testing.T, bus *Bus) (*Network, transport.Conn) {
	t.Helper()
	network := NewNetwork()
	network.Attach("Endpoint=sb://primary", bus)
	conn, err := network.Dial(context.Background(), "Endpoint=sb://primary")
	require.NoError(t, err)
	return network, conn
}

func testMessages(n int) []*models.Message {
	batchID := models.NewBatchID()
	msgs := make([]*models.Message, n)
	for i := range msgs {
		msgs[i] = models.NewMessage("1-Sample", batchID, "line")
	}
	return msgs
}

func TestBus_QueueSendReceiveComplete(t *testing.T) {
	bus := New(Options{})
	bus.CreateQueue("orders")
	_, conn := dialTest(t, bus)
	dest := transport.QueueDestination("orders")

	sender, err := conn.NewSender("orders")
	require.NoError(t, err)
	msgs := testMessages(3)
	require.NoError(t, sender.SendBatch(context.Background(), msgs))
	assert.Equal(t, 3, bus.ActiveCount(dest))

	receiver, err := conn.NewReceiver(dest, transport.ReceiverOptions{})
	require.NoError(t, err)

	deliveries, err := receiver.Receive(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 3)
	for i, d := range deliveries {
		assert.Equal(t, msgs[i].ID, d.Message.ID)
		assert.Equal(t, 1, d.Message.DeliveryCount)
		assert.False(t, d.Message.EnqueuedAt.IsZero())
		require.NoError(t, receiver.Complete(context.Background(), d))
	}

	assert.Equal(t, 0, bus.ActiveCount(dest))
}

func TestBus_TopicFansOutToSubscriptions(t *testing.T) {
	bus := New(Options{})
	bus.CreateTopic("events", "audit", "billing")
	_, conn := dialTest(t, bus)

	sender, err := conn.NewSender("events")
	require.NoError(t, err)
	require.NoError(t, sender.SendBatch(context.Background(), testMessages(2)))

	assert.Equal(t, 2, bus.ActiveCount(transport.SubscriptionDestination("events", "audit")))
	assert.Equal(t, 2, bus.ActiveCount(transport.SubscriptionDestination("events", "billing")))
}

func TestBus_UnknownEntity(t *testing.T) {
	bus := New(Options{})
	_, conn := dialTest(t, bus)

	sender, err := conn.NewSender("missing")
	require.NoError(t, err)
	err = sender.SendBatch(context.Background(), testMessages(1))
	assert.ErrorIs(t, err, transport.ErrEntityNotFound)
}

func TestBus_ReceiveTimesOutWhenEmpty(t *testing.T) {
	bus := New(Options{})
	bus.CreateQueue("orders")
	_, conn := dialTest(t, bus)

	receiver, err := conn.NewReceiver(transport.QueueDestination("orders"), transport.ReceiverOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	deliveries, err := receiver.Receive(ctx, 1)
	assert.Empty(t, deliveries)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBus_AbandonRedeliversInOrder(t *testing.T) {
	bus := New(Options{})
	bus.CreateQueue("orders")
	_, conn := dialTest(t, bus)
	dest := transport.QueueDestination("orders")

	sender, _ := conn.NewSender("orders")
	msgs := testMessages(2)
	require.NoError(t, sender.SendBatch(context.Background(), msgs))

	receiver, _ := conn.NewReceiver(dest, transport.ReceiverOptions{})
	first, err := receiver.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, receiver.Abandon(context.Background(), first[0]))

	again, err := receiver.Receive(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, msgs[0].ID, again[0].Message.ID)
	assert.Equal(t, 2, again[0].Message.DeliveryCount)

	err = receiver.Complete(context.Background(), first[0])
	assert.ErrorIs(t, err, transport.ErrLockLost)
}

func TestBus_DeadLetterAndReadBack(t *testing.T) {
	bus := New(Options{})
	bus.CreateQueue("orders")
	_, conn := dialTest(t, bus)
	dest := transport.QueueDestination("orders")

	sender, _ := conn.NewSender("orders")
	require.NoError(t, sender.SendBatch(context.Background(), testMessages(1)))

	receiver, _ := conn.NewReceiver(dest, transport.ReceiverOptions{})
	ds, err := receiver.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, receiver.DeadLetter(context.Background(), ds[0], "x", "y"))

	assert.Equal(t, 0, bus.ActiveCount(dest))
	require.Equal(t, 1, bus.DeadLetterCount(dest))

	dlq, _ := conn.NewReceiver(dest, transport.ReceiverOptions{SubQueue: transport.SubQueueDeadLetter})
	dls, err := dlq.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, dls[0].DeadLetter)
	assert.Equal(t, "x", dls[0].DeadLetter.Reason)
	assert.Equal(t, "y", dls[0].DeadLetter.Description)
	assert.Equal(t, "orders", dls[0].DeadLetter.Source)

	assert.ErrorIs(t, dlq.DeadLetter(context.Background(), dls[0], "again", ""), transport.ErrUnsupported)
	require.NoError(t, dlq.Complete(context.Background(), dls[0]))
	assert.Equal(t, 0, bus.DeadLetterCount(dest))
}

func TestBus_LockExpiryAndMaxDeliveryCount(t *testing.T) {
	bus := New(Options{LockDuration: 10 * time.Millisecond, MaxDeliveryCount: 2})
	bus.CreateQueue("orders")
	_, conn := dialTest(t, bus)
	dest := transport.QueueDestination("orders")

	sender, _ := conn.NewSender("orders")
	require.NoError(t, sender.SendBatch(context.Background(), testMessages(1)))

	receiver, _ := conn.NewReceiver(dest, transport.ReceiverOptions{})
	_, err := receiver.Receive(context.Background(), 1)
	require.NoError(t, err)

	// lock expires, second delivery
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ds, err := receiver.Receive(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, ds[0].Message.DeliveryCount)

	require.NoError(t, receiver.Abandon(context.Background(), ds[0]))
	assert.Equal(t, 0, bus.ActiveCount(dest))
	dead := bus.DeadLetters(dest)
	require.Len(t, dead, 1)
	assert.Equal(t, ReasonMaxDeliveryCountExceeded, dead[0].Reason)
}

func TestBus_SendHookFailsBatch(t *testing.T) {
	hookErr := errors.New("throttled")
	bus := New(Options{SendHook: func(entity string, msgs []*models.Message) error {
		return hookErr
	}})
	bus.CreateQueue("orders")
	_, conn := dialTest(t, bus)

	sender, _ := conn.NewSender("orders")
	err := sender.SendBatch(context.Background(), testMessages(2))
	assert.ErrorIs(t, err, hookErr)
	assert.Equal(t, 0, bus.ActiveCount(transport.QueueDestination("orders")))
}

func TestNetwork_Outage(t *testing.T) {
	bus := New(Options{})
	bus.CreateQueue("orders")
	network, conn := dialTest(t, bus)

	receiver, err := conn.NewReceiver(transport.QueueDestination("orders"), transport.ReceiverOptions{})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := receiver.Receive(context.Background(), 1)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	network.SetDown("Endpoint=sb://primary", true)

	select {
	case err := <-errCh:
		assert.True(t, transport.IsConnectionError(err))
	case <-time.After(time.Second):
		t.Fatal("blocked receive did not observe the outage")
	}

	_, err = network.Dial(context.Background(), "Endpoint=sb://primary")
	assert.True(t, transport.IsConnectionError(err))

	network.SetDown("Endpoint=sb://primary", false)
	_, err = network.Dial(context.Background(), "Endpoint=sb://primary")
	assert.NoError(t, err)
}
