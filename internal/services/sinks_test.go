package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatassign/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaAuditSink_KeysBySession(t *testing.T) {
	w := &fakeKafkaWriter{}
	sink := &KafkaAuditSink{writer: w, topic: "chat.reassignments"}
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, sink.Append(context.Background(), models.ReassignmentEvent{
		ID: "e1", SessionID: "s1", Trigger: models.TriggerUserLeft, Outcome: models.OutcomeSuccess, OccurredAt: at,
	}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "s1", string(w.msgs[0].Key))
	assert.Equal(t, at, w.msgs[0].Time)

	var body auditMessage
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &body))
	assert.Equal(t, "chat.reassignment.success", body.Event)
	assert.Equal(t, "e1", body.Data.ID)

	w.err = errors.New("broker gone")
	assert.Error(t, sink.Append(context.Background(), models.ReassignmentEvent{SessionID: "s1"}))
	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaAuditSink_Unconfigured(t *testing.T) {
	assert.Nil(t, NewKafkaAuditSink(nil, "topic"))
	assert.Nil(t, NewKafkaAuditSink([]string{"k1:9092"}, ""))
	assert.NotNil(t, NewKafkaAuditSink([]string{"k1:9092"}, "topic"))
}

type fakePublisher struct {
	keys []string
	msgs []amqp.Publishing
}

func (f *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.keys = append(f.keys, key)
	f.msgs = append(f.msgs, msg)
	return nil
}

func TestRabbitNotificationSink_PublishesPersistentJobs(t *testing.T) {
	pub := &fakePublisher{}
	sink := &RabbitNotificationSink{ch: pub, queue: "chat.notifications"}

	require.NoError(t, sink.NotifyAgentAssigned(context.Background(), "a1", "s1"))
	require.NoError(t, sink.NotifyAdminFailure(context.Background(), "s2"))

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, []string{"chat.notifications", "chat.notifications"}, pub.keys)
	assert.Equal(t, amqp.Persistent, pub.msgs[0].DeliveryMode)

	var job NotificationJob
	require.NoError(t, json.Unmarshal(pub.msgs[1].Body, &job))
	assert.Equal(t, "admin_failure", job.Kind)
	assert.Equal(t, "s2", job.SessionID)
	assert.NoError(t, sink.Close())
}

func TestWebhookNotifier(t *testing.T) {
	var got webhookPayload
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	require.NoError(t, n.NotifyAgentAssigned(context.Background(), "a1", "s1"))
	assert.Equal(t, "chat_assigned", got.Event)
	assert.Equal(t, "a1", got.AgentID)

	status = http.StatusBadGateway
	err := n.NotifyAdminFailure(context.Background(), "s2")
	assert.Error(t, err)
	assert.Equal(t, "assignment_failed", got.Event)
}
