package eventbus

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type EventType string

const (
	EventWorkflowCreated     EventType = "workflow.created"
	EventWorkflowCompleted   EventType = "workflow.completed"
	EventPhaseAdvanced       EventType = "phase.advanced"
	EventCheckpointRequested EventType = "checkpoint.requested"
	EventCheckpointApproved  EventType = "checkpoint.approved"
	EventCheckpointRejected  EventType = "checkpoint.rejected"
	EventTaskStatusChanged   EventType = "task.status_changed"
	EventUsageRecorded       EventType = "usage.recorded"
	EventBudgetWarning       EventType = "budget.warning"
	EventBudgetTripped       EventType = "budget.tripped"
	EventBudgetReset         EventType = "budget.reset"
	EventEscalationRaised    EventType = "escalation.raised"
	EventEscalationResolved  EventType = "escalation.resolved"
	EventTestsLocked         EventType = "tests.locked"
	EventTestsTampered       EventType = "tests.tampered"
)

type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	WorkflowID string            `json:"workflow_id"`
	Payload    string            `json:"payload,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan *Event),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan *Event) {
	id := ulid.Make().String()
	ch := make(chan *Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(event *Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Bus) PublishNew(eventType EventType, workflowID, payload string, metadata map[string]string) {
	b.Publish(&Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		WorkflowID: workflowID,
		Payload:    payload,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	})
}
