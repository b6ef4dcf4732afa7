package observability

import (
	"sync/atomic"
)

// MetricsCollector provides hooks for metrics collection
type MetricsCollector interface {
	IncPublished()
	IncPublishFailed()
	IncReceived()
	IncProcessed()
	IncFailed()
	IncDeferred()
	IncSentToDLQ()
	IncRequeued()
	IncFailover()
}

// InMemoryMetrics is a simple in-memory implementation for testing/demo
type InMemoryMetrics struct {
	Published     atomic.Int64
	PublishFailed atomic.Int64
	Received      atomic.Int64
	Processed     atomic.Int64
	Failed        atomic.Int64
	Deferred      atomic.Int64
	SentToDLQ     atomic.Int64
	Requeued      atomic.Int64
	Failovers     atomic.Int64
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{}
}

func (m *InMemoryMetrics) IncPublished() {
	m.Published.Add(1)
}

func (m *InMemoryMetrics) IncPublishFailed() {
	m.PublishFailed.Add(1)
}

func (m *InMemoryMetrics) IncReceived() {
	m.Received.Add(1)
}

func (m *InMemoryMetrics) IncProcessed() {
	m.Processed.Add(1)
}

func (m *InMemoryMetrics) IncFailed() {
	m.Failed.Add(1)
}

func (m *InMemoryMetrics) IncDeferred() {
	m.Deferred.Add(1)
}

func (m *InMemoryMetrics) IncSentToDLQ() {
	m.SentToDLQ.Add(1)
}

func (m *InMemoryMetrics) IncRequeued() {
	m.Requeued.Add(1)
}

func (m *InMemoryMetrics) IncFailover() {
	m.Failovers.Add(1)
}

func (m *InMemoryMetrics) GetPublished() int64 {
	return m.Published.Load()
}

func (m *InMemoryMetrics) GetPublishFailed() int64 {
	return m.PublishFailed.Load()
}

func (m *InMemoryMetrics) GetReceived() int64 {
	return m.Received.Load()
}

func (m *InMemoryMetrics) GetProcessed() int64 {
	return m.Processed.Load()
}

func (m *InMemoryMetrics) GetFailed() int64 {
	return m.Failed.Load()
}

func (m *InMemoryMetrics) GetDeferred() int64 {
	return m.Deferred.Load()
}

func (m *InMemoryMetrics) GetSentToDLQ() int64 {
	return m.SentToDLQ.Load()
}

func (m *InMemoryMetrics) GetRequeued() int64 {
	return m.Requeued.Load()
}

func (m *InMemoryMetrics) GetFailovers() int64 {
	return m.Failovers.Load()
}
