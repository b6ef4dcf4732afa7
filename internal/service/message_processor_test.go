package service

import (
	"context"
	"io"
	"testing"
	"time"

	"go-servicebus/pkg/models"
	"go-servicebus/pkg/servicebus"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestMessageProcessor_HandleMessage(t *testing.T) {
	p := NewMessageProcessor(quietLogger(), "1-Sample")

	tests := []struct {
		name   string
		msg    *models.Message
		kind   servicebus.VerdictKind
		reason string
	}{
		{"valid line", models.NewMessage("1-Sample", "b", "hello"), servicebus.VerdictAccept, ""},
		{"blank body", models.NewMessage("1-Sample", "b", "   "), servicebus.VerdictDeadLetter, ReasonEmptyBody},
		{"unknown template", models.NewMessage("2-Other", "b", "hello"), servicebus.VerdictDeadLetter, ReasonUnknownTemplate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := p.HandleMessage(context.Background(), servicebus.Source{}, tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, v.Kind)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}
	assert.Equal(t, int64(1), p.Processed())
}

func TestMessageProcessor_AnyTemplate(t *testing.T) {
	p := NewMessageProcessor(quietLogger())

	v, err := p.HandleMessage(context.Background(), servicebus.Source{}, models.NewMessage("anything", "b", "x"))

	require.NoError(t, err)
	assert.Equal(t, servicebus.VerdictAccept, v.Kind)
}

func TestMessageProcessor_CancelledContext(t *testing.T) {
	p := NewMessageProcessor(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.HandleMessage(ctx, servicebus.Source{}, models.NewMessage("1-Sample", "b", "x"))

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeadLetterInspector(t *testing.T) {
	d := NewDeadLetterInspector(quietLogger(), servicebus.ReasonMaxDeliveryExceeded)

	requeue := &models.DeadLetterMessage{DeadLetterInfo: models.DeadLetterInfo{Reason: servicebus.ReasonMaxDeliveryExceeded}}
	res, err := d.HandleDeadLetter(context.Background(), servicebus.Source{}, requeue)
	require.NoError(t, err)
	assert.Equal(t, servicebus.ResolveRequeue, res)

	drop := &models.DeadLetterMessage{DeadLetterInfo: models.DeadLetterInfo{Reason: ReasonEmptyBody}}
	res, err = d.HandleDeadLetter(context.Background(), servicebus.Source{}, drop)
	require.NoError(t, err)
	assert.Equal(t, servicebus.ResolveComplete, res)
}

func TestMessageProcessor_SkipsDuplicates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewInMemoryDedupeStore(ctx, time.Hour)
	p := NewMessageProcessor(quietLogger()).WithDedupe(store)
	msg := models.NewMessage("1-Sample", "b", "hello")

	for i := 0; i < 3; i++ {
		v, err := p.HandleMessage(ctx, servicebus.Source{}, msg)
		require.NoError(t, err)
		assert.Equal(t, servicebus.VerdictAccept, v.Kind)
	}

	assert.Equal(t, int64(1), p.Processed())
	assert.True(t, store.Exists(msg.ID))
}

func TestInMemoryDedupeStore_Expiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewInMemoryDedupeStore(ctx, 10*time.Millisecond)

	store.Add("a")
	assert.True(t, store.Exists("a"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, store.Exists("a"), "expired entries are not reported")

	store.cleanup(time.Now())
	assert.Equal(t, 0, store.Len())
}
