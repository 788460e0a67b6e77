package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ega-archive/lega-ingest/internal/errs"
)

// recorder captures publishes and acknowledgements in order, so tests can
// assert both the routing and the publish-before-ack guarantee.
type recorder struct {
	events     []string
	published  []publishedMsg
	publishErr error
}

type publishedMsg struct {
	content       map[string]any
	exchange      string
	routingKey    string
	correlationID string
}

func (r *recorder) Publish(_ context.Context, content any, exchange, routingKey, correlationID string) error {
	if r.publishErr != nil {
		return r.publishErr
	}
	m, _ := content.(map[string]any)
	r.published = append(r.published, publishedMsg{
		content: m, exchange: exchange, routingKey: routingKey, correlationID: correlationID,
	})
	r.events = append(r.events, "publish:"+routingKey)
	return nil
}

func (r *recorder) Ack(_ uint64, _ bool) error {
	r.events = append(r.events, "ack")
	return nil
}

func (r *recorder) Nack(_ uint64, _ bool, requeue bool) error {
	r.events = append(r.events, fmt.Sprintf("nack:%v", requeue))
	return nil
}

func (r *recorder) Reject(_ uint64, requeue bool) error {
	r.events = append(r.events, fmt.Sprintf("reject:%v", requeue))
	return nil
}

func testConfig() Config {
	return Config{
		Exchange:     "ingestion.v1",
		RoutingKey:   "archived",
		UserErrorKey: "error",
	}
}

func delivery(rec *recorder, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger:  rec,
		DeliveryTag:   1,
		ContentType:   "application/json",
		CorrelationId: "corr-1",
		Body:          []byte(body),
	}
}

func TestHandle_SuccessPublishesBeforeAck(t *testing.T) {
	rec := &recorder{}
	work := func(_ context.Context, _ zerolog.Logger, msg Message) (map[string]any, error) {
		assert.Equal(t, "corr-1", msg.CorrelationID)
		msg.Content["file_id"] = int64(37)
		return msg.Content, nil
	}
	d := NewDispatcher(rec, testConfig(), work, zerolog.Nop())

	d.Handle(context.Background(), delivery(rec, `{"filepath":"/a/b.c4gh","user":"alice"}`))

	assert.Equal(t, []string{"publish:archived", "ack"}, rec.events)
	require.Len(t, rec.published, 1)
	assert.Equal(t, "ingestion.v1", rec.published[0].exchange)
	assert.Equal(t, "corr-1", rec.published[0].correlationID)
	assert.Equal(t, int64(37), rec.published[0].content["file_id"])
}

func TestHandle_ReplyPublishFailureRequeues(t *testing.T) {
	rec := &recorder{publishErr: errors.New("channel closed")}
	work := func(_ context.Context, _ zerolog.Logger, msg Message) (map[string]any, error) {
		return msg.Content, nil
	}
	d := NewDispatcher(rec, testConfig(), work, zerolog.Nop())

	d.Handle(context.Background(), delivery(rec, `{"filepath":"/a/b.c4gh","user":"alice"}`))

	// the work succeeded but the reply did not leave; redeliver, never ack
	assert.Equal(t, []string{"reject:true"}, rec.events)
	assert.Empty(t, rec.published)
}

func TestHandle_RejectMessageRequeues(t *testing.T) {
	rec := &recorder{}
	work := func(_ context.Context, _ zerolog.Logger, _ Message) (map[string]any, error) {
		return nil, errs.RejectMessage
	}
	d := NewDispatcher(rec, testConfig(), work, zerolog.Nop())

	d.Handle(context.Background(), delivery(rec, `{"filepath":"/x"}`))

	assert.Equal(t, []string{"reject:true"}, rec.events)
	assert.Empty(t, rec.published)
}

func TestHandle_UserErrorDualRouting(t *testing.T) {
	rec := &recorder{}
	work := func(_ context.Context, _ zerolog.Logger, msg Message) (map[string]any, error) {
		msg.Content["file_id"] = int64(37)
		msg.Content["header"] = "deadbeef"
		return nil, errs.NotFoundInInbox("/a/b.c4gh")
	}
	d := NewDispatcher(rec, testConfig(), work, zerolog.Nop())

	d.Handle(context.Background(), delivery(rec, `{"filepath":"/a/b.c4gh","user":"alice","extra":"kept"}`))

	// user-error publish, ack, then the system-error copy for operators
	assert.Equal(t, []string{"publish:error", "ack", "publish:error.system"}, rec.events)
	require.Len(t, rec.published, 2)

	userMsg := rec.published[0]
	assert.Equal(t, "error", userMsg.routingKey)
	assert.Contains(t, userMsg.content["reason"], "/a/b.c4gh")
	assert.Equal(t, "kept", userMsg.content["extra"])
	// internal fields are scrubbed
	assert.NotContains(t, userMsg.content, "file_id")
	assert.NotContains(t, userMsg.content, "header")
	assert.NotContains(t, userMsg.content, "org_msg")
	assert.NotContains(t, userMsg.content, "vault_path")

	sysMsg := rec.published[1]
	assert.Equal(t, "error.system", sysMsg.routingKey)
	errField := sysMsg.content["error"].(map[string]any)
	assert.Contains(t, errField["formal"], "NotFoundInInbox")
}

func TestHandle_SystemErrorRejectsWithoutRequeue(t *testing.T) {
	rec := &recorder{}
	work := func(_ context.Context, _ zerolog.Logger, _ Message) (map[string]any, error) {
		return nil, errors.New("disk full")
	}
	d := NewDispatcher(rec, testConfig(), work, zerolog.Nop())

	d.Handle(context.Background(), delivery(rec, `{"filepath":"/x"}`))

	assert.Equal(t, []string{"publish:error.system", "reject:false"}, rec.events)
	require.Len(t, rec.published, 1)
	errField := rec.published[0].content["error"].(map[string]any)
	assert.Equal(t, "disk full", errField["informal"])
}

func TestHandle_EmptyBodyAcked(t *testing.T) {
	rec := &recorder{}
	work := func(_ context.Context, _ zerolog.Logger, _ Message) (map[string]any, error) {
		t.Fatal("work must not run for an empty delivery")
		return nil, nil
	}
	d := NewDispatcher(rec, testConfig(), work, zerolog.Nop())

	d.Handle(context.Background(), delivery(rec, ""))
	d.Handle(context.Background(), delivery(rec, `{}`))

	assert.Equal(t, []string{"ack", "ack"}, rec.events)
	assert.Empty(t, rec.published)
}

func TestHandle_MalformedJSON(t *testing.T) {
	rec := &recorder{}
	work := func(_ context.Context, _ zerolog.Logger, _ Message) (map[string]any, error) {
		t.Fatal("work must not run for a malformed delivery")
		return nil, nil
	}
	d := NewDispatcher(rec, testConfig(), work, zerolog.Nop())

	d.Handle(context.Background(), delivery(rec, `{not json`))

	assert.Equal(t, []string{"publish:error.system", "reject:false"}, rec.events)
	require.Len(t, rec.published, 1)
	assert.Equal(t, "Malformed JSON-message", rec.published[0].content["informal"])
	assert.Equal(t, "{not json", rec.published[0].content["message"])
}

func TestHandle_MintsCorrelationID(t *testing.T) {
	rec := &recorder{}
	var seen string
	work := func(_ context.Context, _ zerolog.Logger, msg Message) (map[string]any, error) {
		seen = msg.CorrelationID
		return msg.Content, nil
	}
	d := NewDispatcher(rec, testConfig(), work, zerolog.Nop())

	dlv := delivery(rec, `{"filepath":"/x"}`)
	dlv.CorrelationId = ""
	d.Handle(context.Background(), dlv)

	assert.NotEmpty(t, seen)
	require.Len(t, rec.published, 1)
	assert.Equal(t, seen, rec.published[0].correlationID)
}
