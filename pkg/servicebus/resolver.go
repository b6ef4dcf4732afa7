package servicebus

import (
	"context"
	"errors"
	"sync"

	"go-servicebus/internal/observability"
	"go-servicebus/pkg/transport"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	PrimaryEndpoint   = "primary"
	SecondaryEndpoint = "secondary"
)

type Endpoint struct {
	Name             string
	ConnectionString string
}

type endpointState struct {
	endpoint Endpoint
	breaker  *gobreaker.TwoStepCircuitBreaker
}

// Resolver hands out the active endpoint. Primary is used until it fails
// FailureThreshold times in a row; then secondary is used until a probe of
// primary, allowed once ProbeInterval has passed, succeeds.
type Resolver struct {
	primary   *endpointState
	secondary *endpointState
	logger    logrus.FieldLogger
	metrics   observability.MetricsCollector
}

// Lease is one use of an endpoint. Report must be called exactly once with
// the outcome of the operation.
type Lease struct {
	Endpoint Endpoint
	done     func(success bool)
	once     sync.Once
}

// Report records the result of the operation performed on the endpoint.
// Only connection errors count against the endpoint.
func (l *Lease) Report(err error) {
	l.once.Do(func() {
		if l.done != nil {
			l.done(!transport.IsConnectionError(err) || errors.Is(err, context.Canceled))
		}
	})
}

func NewResolver(cfg EndpointConfig, logger logrus.FieldLogger, metrics observability.MetricsCollector) *Resolver {
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.GetLogger()
	}
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}

	r := &Resolver{logger: logger, metrics: metrics}
	if cfg.SecondaryConnectionString == "" {
		// no-failover mode: primary is always returned and its failures are
		// surfaced to the caller
		if cfg.PrimaryConnectionString != "" {
			r.primary = &endpointState{endpoint: Endpoint{Name: PrimaryEndpoint, ConnectionString: cfg.PrimaryConnectionString}}
		}
		return r
	}

	if cfg.PrimaryConnectionString != "" {
		r.primary = r.newState(PrimaryEndpoint, cfg.PrimaryConnectionString, cfg)
	}
	r.secondary = r.newState(SecondaryEndpoint, cfg.SecondaryConnectionString, cfg)
	return r
}

func (r *Resolver) newState(name, connectionString string, cfg EndpointConfig) *endpointState {
	threshold := uint32(cfg.FailureThreshold)
	return &endpointState{
		endpoint: Endpoint{Name: name, ConnectionString: connectionString},
		breaker: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.ProbeInterval,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				r.logger.WithFields(logrus.Fields{
					"endpoint": name,
					"from":     from.String(),
					"to":       to.String(),
				}).Warn("Endpoint state changed")
				// A failed probe reopens a primary that has already failed over.
				if name == PrimaryEndpoint && from == gobreaker.StateClosed && to == gobreaker.StateOpen {
					r.metrics.IncFailover()
				}
			},
		}),
	}
}

// CanFailover reports whether a secondary endpoint is configured.
func (r *Resolver) CanFailover() bool {
	return r.secondary != nil
}

// Resolve returns a lease on the endpoint to use for the next operation.
func (r *Resolver) Resolve() (*Lease, error) {
	if r.secondary == nil {
		if r.primary == nil {
			return nil, ErrEndpointUnavailable
		}
		return &Lease{Endpoint: r.primary.endpoint}, nil
	}

	if r.primary != nil {
		if done, err := r.primary.breaker.Allow(); err == nil {
			return &Lease{Endpoint: r.primary.endpoint, done: done}, nil
		}
	}

	done, err := r.secondary.breaker.Allow()
	if err != nil {
		return nil, ErrEndpointUnavailable
	}
	return &Lease{Endpoint: r.secondary.endpoint, done: done}, nil
}
