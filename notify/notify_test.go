package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/leave-engine/notify"
)

type fakeWriter struct {
	msgs []kafkago.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func sample() notify.Notification {
	return notify.Notification{
		Event:         notify.EventDecided,
		TenantID:      "acme",
		RequestID:     "req-1",
		RequestNumber: "LV-2025-000001",
		Kind:          "leave",
		Status:        "APPROVED",
		RecipientID:   "u-alice",
		ActorID:       "u-hana",
		OccurredAt:    time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC),
	}
}

func TestKafkaDispatcher(t *testing.T) {
	w := &fakeWriter{}
	d := notify.NewKafkaDispatcher(w, "leave.notifications")

	require.NoError(t, d.Notify(context.Background(), sample()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "leave.notifications", msg.Topic)
	assert.Equal(t, "req-1", string(msg.Key))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "request.decided", headers["event_type"])
	assert.Equal(t, "acme", headers["tenant_id"])

	var got notify.Notification
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, sample(), got)
}

func TestKafkaDispatcherSurfacesWriteErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	err := notify.NewKafkaDispatcher(w, "t").Notify(context.Background(), sample())
	assert.Error(t, err)
}

func TestLogDispatcher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	d := notify.NewLogDispatcher(zap.New(core))

	require.NoError(t, d.Notify(context.Background(), sample()))
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "u-alice", fields["recipient_id"])
	assert.Equal(t, "LV-2025-000001", fields["request_number"])
}
