package servicebus

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"go-servicebus/internal/observability"
	"go-servicebus/pkg/models"
	"go-servicebus/pkg/transport"
	"go-servicebus/pkg/transport/membus"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	primaryCS   = "Endpoint=sb://primary.test/;SharedAccessKeyName=k;SharedAccessKey=s"
	secondaryCS = "Endpoint=sb://secondary.test/;SharedAccessKeyName=k;SharedAccessKey=s"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func fastRetry() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		BackoffFactor:  2,
	}
}

type fixture struct {
	bus     *membus.Bus
	network *membus.Network
	dest    transport.Destination
	metrics *observability.InMemoryMetrics
}

func newFixture(t *testing.T, opts membus.Options) *fixture {
	t.Helper()
	bus := membus.New(opts)
	bus.CreateQueue("orders")
	network := membus.NewNetwork()
	network.Attach(primaryCS, bus)
	return &fixture{
		bus:     bus,
		network: network,
		dest:    transport.QueueDestination("orders"),
		metrics: observability.NewInMemoryMetrics(),
	}
}

func (f *fixture) endpoint() EndpointConfig {
	return EndpointConfig{
		PrimaryConnectionString: primaryCS,
		FailureThreshold:        1,
		Dialer:                  f.network,
	}
}

func (f *fixture) engineConfig() EngineConfig {
	return EngineConfig{
		Endpoint:         f.endpoint(),
		Destination:      f.dest,
		ReceiveTimeout:   50 * time.Millisecond,
		OperationTimeout: 2 * time.Second,
		DrainTimeout:     time.Second,
		Workers:          1,
		PrefetchCount:    1,
		MaxDeliveryCount: 3,
		RetryPolicy:      fastRetry(),
		Logger:           quietLogger(),
		Metrics:          f.metrics,
	}
}

func (f *fixture) publisherConfig() PublisherConfig {
	return PublisherConfig{
		Endpoint:         f.endpoint(),
		Destination:      f.dest,
		OperationTimeout: time.Second,
		RetryPolicy:      fastRetry(),
		Logger:           quietLogger(),
		Metrics:          f.metrics,
	}
}

func (f *fixture) deadLetterConfig() DeadLetterConfig {
	return DeadLetterConfig{
		Endpoint:         f.endpoint(),
		Destination:      f.dest,
		ReceiveTimeout:   50 * time.Millisecond,
		OperationTimeout: 2 * time.Second,
		DrainTimeout:     time.Second,
		RetryPolicy:      fastRetry(),
		Logger:           quietLogger(),
		Metrics:          f.metrics,
	}
}

// seed sends n messages straight to the bus.
func (f *fixture) seed(t *testing.T, n int) []*models.Message {
	t.Helper()
	msgs := testMessages(n)
	conn, err := f.network.Dial(context.Background(), primaryCS)
	require.NoError(t, err)
	defer conn.Close(context.Background())

	sender, err := conn.NewSender(f.dest.SendEntity())
	require.NoError(t, err)
	require.NoError(t, sender.SendBatch(context.Background(), msgs))
	return msgs
}

// deadLetterAll moves every active message to the dead-letter sub-queue.
func (f *fixture) deadLetterAll(t *testing.T, reason, description string) {
	t.Helper()
	conn, err := f.network.Dial(context.Background(), primaryCS)
	require.NoError(t, err)
	defer conn.Close(context.Background())

	receiver, err := conn.NewReceiver(f.dest, transport.ReceiverOptions{})
	require.NoError(t, err)
	for f.bus.ActiveCount(f.dest) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		deliveries, err := receiver.Receive(ctx, 10)
		cancel()
		require.NoError(t, err)
		for _, d := range deliveries {
			require.NoError(t, receiver.DeadLetter(context.Background(), d, reason, description))
		}
	}
}

func testMessages(n int) []*models.Message {
	batchID := models.NewBatchID()
	msgs := make([]*models.Message, n)
	for i := range msgs {
		msgs[i] = models.NewMessage("1-Sample", batchID, "line")
	}
	return msgs
}

// errorRecorder collects ErrorHandler callbacks.
type errorRecorder struct {
	mu    sync.Mutex
	infos []ErrorInfo
}

func (r *errorRecorder) HandleError(src Source, info ErrorInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, info)
}

func (r *errorRecorder) all() []ErrorInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ErrorInfo, len(r.infos))
	copy(out, r.infos)
	return out
}
