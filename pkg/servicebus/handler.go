package servicebus

import (
	"context"

	"go-servicebus/pkg/models"
	"go-servicebus/pkg/transport"
)

// ============================================================================
// Verdicts
// ============================================================================

type VerdictKind int

const (
	VerdictAccept VerdictKind = iota
	VerdictDeadLetter
	VerdictDefer
	// verdictRequeue is only produced by the dead-letter reader.
	verdictRequeue
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictAccept:
		return "accept"
	case VerdictDeadLetter:
		return "deadletter"
	case VerdictDefer:
		return "defer"
	case verdictRequeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Verdict is the result of a handler invocation and drives settlement.
type Verdict struct {
	Kind        VerdictKind
	Reason      string
	Description string
}

// Accept removes the message from the active entity.
func Accept() Verdict {
	return Verdict{Kind: VerdictAccept}
}

// DeadLetter moves the message to the dead-letter sub-queue.
func DeadLetter(reason, description string) Verdict {
	return Verdict{Kind: VerdictDeadLetter, Reason: reason, Description: description}
}

// Defer leaves the message for redelivery.
func Defer() Verdict {
	return Verdict{Kind: VerdictDefer}
}

// Resolution is the terminal action for a dead-lettered message.
type Resolution int

const (
	// ResolveComplete permanently removes the message.
	ResolveComplete Resolution = iota
	// ResolveRequeue sends the message back to the active entity with a
	// fresh delivery count.
	ResolveRequeue
)

// ============================================================================
// Callbacks
// ============================================================================

type Mode int

const (
	Synchronous Mode = iota
	Concurrent
)

func (m Mode) String() string {
	if m == Concurrent {
		return "concurrent"
	}
	return "synchronous"
}

// Source identifies where a callback comes from.
type Source struct {
	Destination transport.Destination
	SubQueue    transport.SubQueue
	Mode        Mode
	Worker      int
	// Endpoint is "primary" or "secondary".
	Endpoint string
}

// ErrorInfo describes a recoverable or fatal error reported to an ErrorHandler.
type ErrorInfo struct {
	Err       error
	Fatal     bool
	MessageID string
}

// Handler processes one delivered message. A returned error or a panic is
// a HandlerFault and the message is deferred.
type Handler interface {
	HandleMessage(ctx context.Context, src Source, msg *models.Message) (Verdict, error)
}

type HandlerFunc func(ctx context.Context, src Source, msg *models.Message) (Verdict, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, src Source, msg *models.Message) (Verdict, error) {
	return f(ctx, src, msg)
}

// DeadLetterHandler inspects one dead-lettered message. A returned error
// leaves the message in the dead-letter sub-queue.
type DeadLetterHandler interface {
	HandleDeadLetter(ctx context.Context, src Source, msg *models.DeadLetterMessage) (Resolution, error)
}

type DeadLetterHandlerFunc func(ctx context.Context, src Source, msg *models.DeadLetterMessage) (Resolution, error)

func (f DeadLetterHandlerFunc) HandleDeadLetter(ctx context.Context, src Source, msg *models.DeadLetterMessage) (Resolution, error) {
	return f(ctx, src, msg)
}

// ErrorHandler is told about every recoverable and fatal error. It does not
// affect control flow.
type ErrorHandler interface {
	HandleError(src Source, info ErrorInfo)
}

type ErrorHandlerFunc func(src Source, info ErrorInfo)

func (f ErrorHandlerFunc) HandleError(src Source, info ErrorInfo) {
	f(src, info)
}

// dispatcher is the engine-internal handler shape shared by the engine and
// the dead-letter reader.
type dispatcher func(ctx context.Context, src Source, d *transport.Delivery) (Verdict, error)
