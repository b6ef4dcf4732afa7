package observability

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInMemoryMetrics_ConcurrentIncrements(t *testing.T) {
	m := NewInMemoryMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncReceived()
			m.IncProcessed()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), m.GetReceived())
	assert.Equal(t, int64(50), m.GetProcessed())
	assert.Zero(t, m.GetSentToDLQ())
}

func TestPrometheusMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.IncPublished()
	m.IncPublished()
	m.IncPublishFailed()
	m.IncSentToDLQ()
	m.IncFailover()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.published.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.published.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settled.WithLabelValues("deadlettered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failovers))
}

func TestInitLogger_FallsBackToInfo(t *testing.T) {
	InitLogger("not-a-level")
	assert.Equal(t, "info", GetLogger().GetLevel().String())

	InitLogger("debug")
	assert.Equal(t, "debug", GetLogger().GetLevel().String())
	InitLogger("info")
}
