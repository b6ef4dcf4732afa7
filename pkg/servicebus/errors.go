package servicebus

import (
	"errors"
	"fmt"

	"go-servicebus/pkg/transport"
)

// ReasonMaxDeliveryExceeded is the dead-letter reason used when a message
// runs out of delivery attempts.
const ReasonMaxDeliveryExceeded = "MaxDeliveryExceeded"

var (
	// ErrEndpointUnavailable means neither endpoint can currently be used.
	ErrEndpointUnavailable = errors.New("endpoint unavailable")
	ErrAlreadyRunning      = errors.New("already running")
	ErrNotRunning          = errors.New("not running")
	ErrDrainTimeout        = errors.New("timed out draining in-flight messages")
	ErrNilHandler          = errors.New("handler cannot be nil")
)

// ConnectionError is a transient failure to reach the bus.
type ConnectionError = transport.ConnectionError

// IsConnectionError checks if err is a connection error
func IsConnectionError(err error) bool {
	return transport.IsConnectionError(err)
}

// ConfigurationError rejects an invalid configuration at construction
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// IsConfigurationError checks if error is a configuration error
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// SendFailure records why one message of a publish run was not sent
type SendFailure struct {
	MessageID string
	Batch     int
	Err       error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send failure: message %s in batch %d: %v", e.MessageID, e.Batch, e.Err)
}

func (e *SendFailure) Unwrap() error {
	return e.Err
}

// HandlerFault indicates the handler returned an error or panicked
type HandlerFault struct {
	MessageID string
	Err       error
}

func (e *HandlerFault) Error() string {
	return fmt.Sprintf("handler fault: message %s: %v", e.MessageID, e.Err)
}

func (e *HandlerFault) Unwrap() error {
	return e.Err
}

// IsHandlerFault checks if error is a handler fault
func IsHandlerFault(err error) bool {
	var fault *HandlerFault
	return errors.As(err, &fault)
}

// SettlementError is a failure to apply a verdict to a delivered message
type SettlementError struct {
	MessageID string
	Action    string
	Err       error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement error: %s message %s: %v", e.Action, e.MessageID, e.Err)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// FatalError stops an engine after connectivity could not be restored
// within the operation timeout
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal connectivity error: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal checks if error is fatal
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
