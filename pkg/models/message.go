package models

import (
	"time"

	"github.com/google/uuid"
)

// Message represents one unit of application payload placed on or read from the bus
type Message struct {
	ID            string            `json:"id"`
	Template      string            `json:"template"`
	BatchID       string            `json:"batch_id"`
	Body          string            `json:"body"`
	Properties    map[string]string `json:"properties,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	DeliveryCount int               `json:"delivery_count"`
}

// DeadLetterInfo is the failure metadata the bus attaches to a dead-lettered message
type DeadLetterInfo struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
	Source      string `json:"source"`
}

// DeadLetterMessage is a Message read from a dead-letter sub-queue
type DeadLetterMessage struct {
	Message
	DeadLetterInfo
}

// Application property names used on the wire
const (
	PropertyMessageID     = "MessageId"
	PropertyTemplate      = "Template"
	PropertyBatchID       = "BatchId"
	PropertyDeliveryCount = "DeliveryCount"
	PropertyEnqueuedAt    = "EnqueuedAt"
	PropertyDLReason      = "DeadLetterReason"
	PropertyDLDescription = "DeadLetterErrorDescription"
	PropertyDLSource      = "DeadLetterSource"
)

// NewMessage creates a message with a freshly assigned identifier.
func NewMessage(template, batchID, body string) *Message {
	return &Message{
		ID:       uuid.NewString(),
		Template: template,
		BatchID:  batchID,
		Body:     body,
	}
}

// NewBatchID returns an identifier grouping messages produced together.
func NewBatchID() string {
	return uuid.NewString()
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.Properties != nil {
		c.Properties = make(map[string]string, len(m.Properties))
		for k, v := range m.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}

// Validate reports the first required field that is missing.
func (m *Message) Validate() error {
	switch {
	case m.ID == "":
		return ErrMissingID
	case m.Template == "":
		return ErrMissingTemplate
	case m.BatchID == "":
		return ErrMissingBatchID
	case m.Body == "":
		return ErrMissingBody
	}
	return nil
}
