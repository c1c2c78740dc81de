// ABOUTME: Run events, the StepSink fan-out contract and the in-memory Broadcaster implementation.
// ABOUTME: Subscribers register per run id or on the "*" wildcard; slow subscribers drop events.

package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/opdbus-orchestrator/internal/plan"
)

// EventType distinguishes step events from the completion event.
type EventType string

const (
	EventStep      EventType = "step"
	EventCompleted EventType = "completed"
)

// Event is published to sinks for every appended step and once on completion.
type Event struct {
	RunID     string     `json:"run_id"`
	Type      EventType  `json:"type"`
	Step      *plan.Step `json:"step,omitempty"`
	State     State      `json:"state"`
	Outcome   Outcome    `json:"outcome,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// StepSink receives run events. A failing sink is logged and never fails
// the run.
type StepSink interface {
	Publish(ctx context.Context, ev Event) error
}

// AllRuns is the subscription key that receives events of every run.
const AllRuns = "*"

const subscriberBufferSize = 64

// Broadcaster is an in-process StepSink with pub/sub fan-out.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // runID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events of runID, or of every run with AllRuns.
// The subscription is removed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, runID string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[runID]; !ok {
		b.subscribers[runID] = make(map[string]chan Event)
	}
	b.subscribers[runID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "run_id", runID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(runID, subID)
	}()

	return ch, subID
}

// Publish delivers ev to subscribers of its run and of AllRuns. It never
// blocks; events are dropped for subscribers whose buffers are full.
func (b *Broadcaster) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	var targets []chan Event
	for _, key := range []string{ev.RunID, AllRuns} {
		for _, ch := range b.subscribers[key] {
			targets = append(targets, ch)
		}
	}
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber", "run_id", ev.RunID, "type", ev.Type)
		}
	}
	b.mu.RUnlock()
	return nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(runID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[runID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, runID)
	}

	b.logger.Debug("subscriber removed", "run_id", runID, "sub_id", subID)
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for runID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, runID)
	}
	b.logger.Debug("broadcaster closed")
}

// RunSummary is the archived view of a run.
type RunSummary struct {
	ID              string        `json:"id"`
	Task            string        `json:"task"`
	ProviderID      string        `json:"provider_id"`
	RegistryVersion uint64        `json:"registry_version"`
	State           State         `json:"state"`
	Outcome         Outcome       `json:"outcome,omitempty"`
	StepCount       int           `json:"step_count"`
	CreatedAt       time.Time     `json:"created_at"`
	CompletedAt     time.Time     `json:"completed_at,omitzero"`
	Records         []plan.Record `json:"records,omitempty"`
}

// RunArchive stores completed runs for history. It is an audit trail; runs
// are never resumed from it.
type RunArchive interface {
	SaveRun(ctx context.Context, run RunSummary) error
}
