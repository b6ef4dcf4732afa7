package config

import (
	"testing"
	"time"

	"go-servicebus/pkg/servicebus"
	"go-servicebus/pkg/transport"
	"go-servicebus/pkg/transport/asb"
	"go-servicebus/pkg/transport/kafkabus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SERVICEBUS_PRIMARY_CONNECTION_STRING", "Endpoint=sb://primary/")
	t.Setenv("SERVICEBUS_READER_QUEUE", "orders")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, TransportServiceBus, cfg.Transport)
	assert.Equal(t, servicebus.DefaultReceiveTimeout, cfg.Reader.ReceiveTimeout)
	assert.Equal(t, servicebus.DefaultWorkers, cfg.Reader.Workers)
	assert.Equal(t, servicebus.DefaultPrefetchCount, cfg.Reader.PrefetchCount)
	assert.Equal(t, servicebus.DefaultBatchSize, cfg.Writer.BatchSize)
	assert.Equal(t, "1-Sample", cfg.Writer.Template)
	assert.Equal(t, transport.QueueDestination("orders"), cfg.ReaderDestination())
	assert.IsType(t, &asb.Dialer{}, cfg.Dialer())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SERVICEBUS_TRANSPORT", "Kafka")
	t.Setenv("SERVICEBUS_PRIMARY_CONNECTION_STRING", "kafka://a:9092")
	t.Setenv("SERVICEBUS_SECONDARY_CONNECTION_STRING", "kafka://b:9092")
	t.Setenv("SERVICEBUS_READER_TOPIC", "events")
	t.Setenv("SERVICEBUS_READER_SUBSCRIPTION", "audit")
	t.Setenv("SERVICEBUS_READER_WORKERS", "8")
	t.Setenv("SERVICEBUS_RECEIVE_TIMEOUT", "2s")
	t.Setenv("SERVICEBUS_DRAIN_TIMEOUT", "45")
	t.Setenv("SERVICEBUS_WRITER_TOPIC", "events")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, TransportKafka, cfg.Transport)
	assert.IsType(t, &kafkabus.Dialer{}, cfg.Dialer())
	assert.Equal(t, 8, cfg.Reader.Workers)
	assert.Equal(t, 2*time.Second, cfg.Reader.ReceiveTimeout)
	assert.Equal(t, 45*time.Second, cfg.Reader.DrainTimeout)
	assert.Equal(t, transport.SubscriptionDestination("events", "audit"), cfg.ReaderDestination())
	assert.Equal(t, transport.TopicDestination("events"), cfg.WriterDestination())

	ec := cfg.EngineConfig(nil, nil)
	assert.Equal(t, "kafka://b:9092", ec.Endpoint.SecondaryConnectionString)
	assert.Equal(t, 8, ec.Workers)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("SERVICEBUS_PRIMARY_CONNECTION_STRING", "Endpoint=sb://primary/")
	t.Setenv("SERVICEBUS_READER_WORKERS", "many")
	t.Setenv("SERVICEBUS_RECEIVE_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, servicebus.DefaultWorkers, cfg.Reader.Workers)
	assert.Equal(t, servicebus.DefaultReceiveTimeout, cfg.Reader.ReceiveTimeout)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing primary", func(t *testing.T) {
		t.Setenv("SERVICEBUS_PRIMARY_CONNECTION_STRING", "")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("unknown transport", func(t *testing.T) {
		t.Setenv("SERVICEBUS_PRIMARY_CONNECTION_STRING", "Endpoint=sb://primary/")
		t.Setenv("SERVICEBUS_TRANSPORT", "carrier-pigeon")
		_, err := Load()
		assert.Error(t, err)
	})
}
