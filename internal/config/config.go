package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go-servicebus/internal/observability"
	"go-servicebus/pkg/servicebus"
	"go-servicebus/pkg/transport"
	"go-servicebus/pkg/transport/asb"
	"go-servicebus/pkg/transport/kafkabus"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	TransportServiceBus = "servicebus"
	TransportKafka      = "kafka"
)

type Config struct {
	Transport string
	Endpoint  EndpointConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	Writer    WriterConfig
	Reader    ReaderConfig
}

type EndpointConfig struct {
	Primary          string
	Secondary        string
	FailureThreshold int
	ProbeInterval    time.Duration
}

type LoggingConfig struct {
	Level string
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint; empty disables it.
	Addr string
}

type WriterConfig struct {
	Queue            string
	Topic            string
	Template         string
	BatchSize        int
	OperationTimeout time.Duration
}

type ReaderConfig struct {
	Queue            string
	Topic            string
	Subscription     string
	Workers          int
	PrefetchCount    int
	MaxDeliveryCount int
	ReceiveTimeout   time.Duration
	OperationTimeout time.Duration
	DrainTimeout     time.Duration
}

// Load reads .env if present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		observability.GetLogger().Debug(".env file not found, using environment only")
	}

	cfg := &Config{
		Transport: strings.ToLower(getEnv("SERVICEBUS_TRANSPORT", TransportServiceBus)),
		Endpoint: EndpointConfig{
			Primary:          getEnv("SERVICEBUS_PRIMARY_CONNECTION_STRING", ""),
			Secondary:        getEnv("SERVICEBUS_SECONDARY_CONNECTION_STRING", ""),
			FailureThreshold: getEnvInt("SERVICEBUS_FAILURE_THRESHOLD", servicebus.DefaultFailureThreshold),
			ProbeInterval:    getEnvDuration("SERVICEBUS_PROBE_INTERVAL", servicebus.DefaultProbeInterval),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ""),
		},
		Writer: WriterConfig{
			Queue:            getEnv("SERVICEBUS_WRITER_QUEUE", ""),
			Topic:            getEnv("SERVICEBUS_WRITER_TOPIC", ""),
			Template:         getEnv("SERVICEBUS_WRITER_TEMPLATE", "1-Sample"),
			BatchSize:        getEnvInt("SERVICEBUS_WRITER_BATCH_SIZE", servicebus.DefaultBatchSize),
			OperationTimeout: getEnvDuration("SERVICEBUS_OPERATION_TIMEOUT", servicebus.DefaultOperationTimeout),
		},
		Reader: ReaderConfig{
			Queue:            getEnv("SERVICEBUS_READER_QUEUE", ""),
			Topic:            getEnv("SERVICEBUS_READER_TOPIC", ""),
			Subscription:     getEnv("SERVICEBUS_READER_SUBSCRIPTION", ""),
			Workers:          getEnvInt("SERVICEBUS_READER_WORKERS", servicebus.DefaultWorkers),
			PrefetchCount:    getEnvInt("SERVICEBUS_READER_PREFETCH", servicebus.DefaultPrefetchCount),
			MaxDeliveryCount: getEnvInt("SERVICEBUS_READER_MAX_DELIVERY_COUNT", servicebus.DefaultMaxDeliveryCount),
			ReceiveTimeout:   getEnvDuration("SERVICEBUS_RECEIVE_TIMEOUT", servicebus.DefaultReceiveTimeout),
			OperationTimeout: getEnvDuration("SERVICEBUS_OPERATION_TIMEOUT", servicebus.DefaultOperationTimeout),
			DrainTimeout:     getEnvDuration("SERVICEBUS_DRAIN_TIMEOUT", servicebus.DefaultDrainTimeout),
		},
	}

	if cfg.Endpoint.Primary == "" {
		return nil, fmt.Errorf("SERVICEBUS_PRIMARY_CONNECTION_STRING is required")
	}
	if cfg.Transport != TransportServiceBus && cfg.Transport != TransportKafka {
		return nil, fmt.Errorf("unknown SERVICEBUS_TRANSPORT %q", cfg.Transport)
	}
	return cfg, nil
}

// Dialer returns the transport selected by SERVICEBUS_TRANSPORT.
func (c *Config) Dialer() transport.Dialer {
	if c.Transport == TransportKafka {
		return kafkabus.NewDialer()
	}
	return asb.NewDialer(nil)
}

func (c *Config) endpoint() servicebus.EndpointConfig {
	return servicebus.EndpointConfig{
		PrimaryConnectionString:   c.Endpoint.Primary,
		SecondaryConnectionString: c.Endpoint.Secondary,
		FailureThreshold:          c.Endpoint.FailureThreshold,
		ProbeInterval:             c.Endpoint.ProbeInterval,
		Dialer:                    c.Dialer(),
	}
}

func (c *Config) WriterDestination() transport.Destination {
	if c.Writer.Topic != "" {
		return transport.TopicDestination(c.Writer.Topic)
	}
	return transport.QueueDestination(c.Writer.Queue)
}

func (c *Config) ReaderDestination() transport.Destination {
	if c.Reader.Topic != "" {
		return transport.SubscriptionDestination(c.Reader.Topic, c.Reader.Subscription)
	}
	return transport.QueueDestination(c.Reader.Queue)
}

func (c *Config) PublisherConfig(logger logrus.FieldLogger, metrics observability.MetricsCollector) servicebus.PublisherConfig {
	return servicebus.PublisherConfig{
		Endpoint:         c.endpoint(),
		Destination:      c.WriterDestination(),
		OperationTimeout: c.Writer.OperationTimeout,
		Logger:           logger,
		Metrics:          metrics,
	}
}

func (c *Config) EngineConfig(logger logrus.FieldLogger, metrics observability.MetricsCollector) servicebus.EngineConfig {
	return servicebus.EngineConfig{
		Endpoint:         c.endpoint(),
		Destination:      c.ReaderDestination(),
		ReceiveTimeout:   c.Reader.ReceiveTimeout,
		OperationTimeout: c.Reader.OperationTimeout,
		DrainTimeout:     c.Reader.DrainTimeout,
		Workers:          c.Reader.Workers,
		PrefetchCount:    c.Reader.PrefetchCount,
		MaxDeliveryCount: c.Reader.MaxDeliveryCount,
		Logger:           logger,
		Metrics:          metrics,
	}
}

func (c *Config) DeadLetterConfig(logger logrus.FieldLogger, metrics observability.MetricsCollector) servicebus.DeadLetterConfig {
	return servicebus.DeadLetterConfig{
		Endpoint:         c.endpoint(),
		Destination:      c.ReaderDestination(),
		ReceiveTimeout:   c.Reader.ReceiveTimeout,
		OperationTimeout: c.Reader.OperationTimeout,
		DrainTimeout:     c.Reader.DrainTimeout,
		Logger:           logger,
		Metrics:          metrics,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("15s") or plain seconds ("15").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
