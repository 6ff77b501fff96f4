package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"civicledger/pkg/trace"
)

type fakeSource struct {
	pending []*Event
	sent    []int64
	failed  []int64
}

func (f *fakeSource) GetPendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	return f.pending, nil
}

func (f *fakeSource) MarkAsSent(ctx context.Context, eventID int64) error {
	f.sent = append(f.sent, eventID)
	return nil
}

func (f *fakeSource) MarkAsFailed(ctx context.Context, eventID int64, maxRetries int) error {
	f.failed = append(f.failed, eventID)
	return nil
}

type fakePublisher struct {
	failKey  string
	keys     []string
	traceIDs []string
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, routingKey string, payload any) error {
	if routingKey == p.failKey {
		return errors.New("broker unavailable")
	}
	p.keys = append(p.keys, routingKey)
	p.traceIDs = append(p.traceIDs, trace.FromContext(ctx))
	return nil
}

func rawPayload(t *testing.T, v any) json.RawMessage {
	b, err := json.Marshal(v)
	assert.NoError(t, err)
	return b
}

func TestDispatcher_ProcessPendingEvents(t *testing.T) {
	src := &fakeSource{pending: []*Event{
		{ID: 1, RoutingKey: "project.created", Payload: rawPayload(t, map[string]any{"project_id": 1, "trace_id": "t-1"})},
		{ID: 2, RoutingKey: "tender.approved", Payload: rawPayload(t, map[string]any{"tender_id": 9})},
		{ID: 3, RoutingKey: "milestone.approved", Payload: json.RawMessage(`not-json`)},
	}}
	pub := &fakePublisher{failKey: "tender.approved"}

	d := NewDispatcher(src, pub, zap.NewNop()).WithBatchSize(10)
	sent := d.ProcessPendingEvents(context.Background())

	assert.Equal(t, 1, sent)
	assert.Equal(t, []int64{1}, src.sent)
	assert.ElementsMatch(t, []int64{2, 3}, src.failed)
	assert.Equal(t, []string{"project.created"}, pub.keys)
	assert.Equal(t, []string{"t-1"}, pub.traceIDs)
}

func TestNextAttempt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	status, next := nextAttempt(2, 5, now)
	assert.Equal(t, StatusPending, status)
	if assert.NotNil(t, next) {
		assert.Equal(t, now.Add(10*time.Second), *next)
	}

	status, next = nextAttempt(5, 5, now)
	assert.Equal(t, StatusFailed, status)
	assert.Nil(t, next)
}
