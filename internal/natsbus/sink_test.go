// ABOUTME: Tests for the NATS step sink.
// ABOUTME: Uses a recording publisher to check subjects, payloads and error propagation.

package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opdbus-orchestrator/internal/orchestrator"
	"github.com/2389/opdbus-orchestrator/internal/plan"
)

type published struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "opdbus.runs.abc.step", Subject("opdbus.runs", "abc", orchestrator.EventStep))
	assert.Equal(t, "p.a_b_c_.completed", Subject("p", "a.b*c>", orchestrator.EventCompleted))
	assert.Equal(t, "p._.step", Subject("p", "", orchestrator.EventStep))
}

func TestSink_PublishStep(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewSink(pub, "opdbus.runs.", nil)

	step := plan.NewThought("Checking the unit")
	ev := orchestrator.Event{
		RunID:     "run-1",
		Type:      orchestrator.EventStep,
		Step:      &step,
		State:     orchestrator.StateExecuting,
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, sink.Publish(context.Background(), ev))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "opdbus.runs.run-1.step", pub.msgs[0].subject)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.Equal(t, "step", decoded["type"])
	assert.NotNil(t, decoded["step"])
}

func TestSink_DefaultPrefix(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewSink(pub, "", nil)

	ev := orchestrator.Event{RunID: "r", Type: orchestrator.EventCompleted, Outcome: orchestrator.OutcomeSucceeded}
	require.NoError(t, sink.Publish(context.Background(), ev))
	assert.Equal(t, "opdbus.runs.r.completed", pub.msgs[0].subject)
}

func TestSink_PublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("connection closed")}
	sink := NewSink(pub, "x", nil)

	err := sink.Publish(context.Background(), orchestrator.Event{RunID: "r", Type: orchestrator.EventStep})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x.r.step")
	assert.Contains(t, err.Error(), "connection closed")
}

func TestSink_CancelledContext(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewSink(pub, "x", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Publish(ctx, orchestrator.Event{RunID: "r"}), context.Canceled)
	assert.Empty(t, pub.msgs)
}

func TestSink_CloseWithoutConnection(t *testing.T) {
	assert.NoError(t, NewSink(&recordingPublisher{}, "x", nil).Close())
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to nats")
}
