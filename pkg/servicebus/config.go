package servicebus

import (
	"time"

	"go-servicebus/internal/observability"
	"go-servicebus/pkg/transport"
	"go-servicebus/pkg/transport/asb"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultFailureThreshold = 3
	DefaultProbeInterval    = 30 * time.Second
	DefaultReceiveTimeout   = 15 * time.Second
	DefaultOperationTimeout = 5 * time.Minute
	DefaultDrainTimeout     = 30 * time.Second
	DefaultWorkers          = 5
	DefaultPrefetchCount    = 20
	DefaultMaxDeliveryCount = 10
	DefaultBatchSize        = 100
)

// ============================================================================
// Retry Policy
// ============================================================================

type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p == (RetryPolicy{}) {
		return def
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.BackoffFactor == 0 {
		p.BackoffFactor = def.BackoffFactor
	}
	return p
}

// newBackOff returns an exponential backoff that gives up once maxElapsed
// has passed since the last Reset.
func (p RetryPolicy) newBackOff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = p.BackoffFactor
	b.RandomizationFactor = 0
	if p.Jitter {
		b.RandomizationFactor = 0.25
	}
	b.MaxElapsedTime = maxElapsed
	b.Reset()
	return b
}

// ============================================================================
// Component Configs
// ============================================================================

// EndpointConfig holds the primary and optional secondary connection strings.
type EndpointConfig struct {
	PrimaryConnectionString   string
	SecondaryConnectionString string
	// FailureThreshold is the number of consecutive connection failures
	// after which an endpoint is skipped.
	FailureThreshold int
	// ProbeInterval is how long a failed endpoint is skipped before the
	// next operation probes it again.
	ProbeInterval time.Duration
	Dialer        transport.Dialer
}

func (c *EndpointConfig) applyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.Dialer == nil {
		c.Dialer = asb.NewDialer(nil)
	}
}

type PublisherConfig struct {
	Endpoint    EndpointConfig
	Destination transport.Destination
	// OperationTimeout bounds the retries of a single batch send.
	OperationTimeout time.Duration
	RetryPolicy      RetryPolicy
	Logger           logrus.FieldLogger
	Metrics          observability.MetricsCollector
}

func (c *PublisherConfig) applyDefaults() {
	c.Endpoint.applyDefaults()
	if c.OperationTimeout == 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	c.RetryPolicy = c.RetryPolicy.withDefaults()
	if c.Logger == nil {
		c.Logger = observability.GetLogger()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewInMemoryMetrics()
	}
}

type EngineConfig struct {
	Endpoint    EndpointConfig
	Destination transport.Destination
	// ReceiveTimeout bounds one pull; an empty pull is not an error.
	ReceiveTimeout time.Duration
	// OperationTimeout bounds reconnection attempts and each settlement.
	OperationTimeout time.Duration
	// DrainTimeout is used by Stop when its context has no deadline.
	DrainTimeout time.Duration
	Workers      int
	// PrefetchCount bounds unsettled messages across all workers.
	PrefetchCount    int
	MaxDeliveryCount int
	RetryPolicy      RetryPolicy
	Logger           logrus.FieldLogger
	Metrics          observability.MetricsCollector
}

func (c *EngineConfig) applyDefaults() {
	c.Endpoint.applyDefaults()
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.PrefetchCount == 0 {
		c.PrefetchCount = DefaultPrefetchCount
	}
	if c.MaxDeliveryCount == 0 {
		c.MaxDeliveryCount = DefaultMaxDeliveryCount
	}
	c.RetryPolicy = c.RetryPolicy.withDefaults()
	if c.Logger == nil {
		c.Logger = observability.GetLogger()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewInMemoryMetrics()
	}
}

type DeadLetterConfig struct {
	Endpoint         EndpointConfig
	Destination      transport.Destination
	ReceiveTimeout   time.Duration
	OperationTimeout time.Duration
	DrainTimeout     time.Duration
	RetryPolicy      RetryPolicy
	Logger           logrus.FieldLogger
	Metrics          observability.MetricsCollector
}

func (c *DeadLetterConfig) applyDefaults() {
	ec := c.engineConfig()
	ec.applyDefaults()
	c.Endpoint = ec.Endpoint
	c.ReceiveTimeout = ec.ReceiveTimeout
	c.OperationTimeout = ec.OperationTimeout
	c.DrainTimeout = ec.DrainTimeout
	c.RetryPolicy = ec.RetryPolicy
	c.Logger = ec.Logger
	c.Metrics = ec.Metrics
}

// engineConfig maps the reader onto a single-worker engine configuration.
func (c DeadLetterConfig) engineConfig() EngineConfig {
	return EngineConfig{
		Endpoint:         c.Endpoint,
		Destination:      c.Destination,
		ReceiveTimeout:   c.ReceiveTimeout,
		OperationTimeout: c.OperationTimeout,
		DrainTimeout:     c.DrainTimeout,
		Workers:          1,
		PrefetchCount:    1,
		RetryPolicy:      c.RetryPolicy,
		Logger:           c.Logger,
		Metrics:          c.Metrics,
	}
}
