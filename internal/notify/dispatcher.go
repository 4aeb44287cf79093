package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kazz187/phaseguild/internal/eventbus"
)

// Dispatcher turns events that need an operator into push notifications.
type Dispatcher struct {
	bus    *eventbus.Bus
	sender *Sender
}

func NewDispatcher(bus *eventbus.Bus, sender *Sender) *Dispatcher {
	return &Dispatcher{bus: bus, sender: sender}
}

func (d *Dispatcher) Start(ctx context.Context) {
	subID, ch := d.bus.Subscribe(256)
	defer d.bus.Unsubscribe(subID)

	slog.Info("push notification dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("push notification dispatcher stopped")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if p := PayloadFor(ev); p != nil {
				d.sender.SendToAll(ctx, p)
			}
		}
	}
}

// PayloadFor returns nil for events that do not warrant a notification.
func PayloadFor(ev *eventbus.Event) *Payload {
	md := ev.Metadata
	p := &Payload{
		URL: fmt.Sprintf("/api/workflows/%s/status", ev.WorkflowID),
		Tag: ev.WorkflowID + ":" + string(ev.Type),
	}
	switch ev.Type {
	case eventbus.EventCheckpointRequested:
		p.Title = "Approval requested"
		p.Body = fmt.Sprintf("Workflow %s is waiting for %s approval", ev.WorkflowID, md["phase"])
	case eventbus.EventBudgetWarning:
		p.Title = "Budget warning"
		p.Body = fmt.Sprintf("Workflow %s has spent %s of %s (threshold %s)", ev.WorkflowID, md["spent"], md["limit"], md["threshold"])
	case eventbus.EventBudgetTripped:
		p.Title = "Budget exhausted"
		p.Body = fmt.Sprintf("Circuit breaker tripped for workflow %s: %s of %s spent", ev.WorkflowID, md["spent"], md["limit"])
		p.Urgency = "high"
	case eventbus.EventEscalationRaised:
		p.Title = "IMPLEMENT escalated"
		p.Body = fmt.Sprintf("Task %s in workflow %s reached the iteration cap", md["task_id"], ev.WorkflowID)
		p.Urgency = "high"
	case eventbus.EventTestsTampered:
		p.Title = "Locked tests modified"
		p.Body = fmt.Sprintf("Workflow %s: %s", ev.WorkflowID, md["paths"])
		p.Urgency = "high"
	default:
		return nil
	}
	return p
}
