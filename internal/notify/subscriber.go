package notify

import (
	"github.com/crosslogic/deploy-control-plane/pkg/events"
)

// RegisterHooks subscribes adapter to every event type in package events, so
// a single configured outbound webhook mirrors order and deployment state
// changes. The two event-appended types are subscribed too, but no component
// publishes them, so audit-log entries do not reach the hook. Fan-out itself —
// concurrency, panic recovery, best-effort delivery — lives in events.Bus;
// RegisterHooks only wires the subscription.
func RegisterHooks(bus *events.Bus, adapter *WebhookAdapter) {
	if bus == nil || adapter == nil {
		return
	}
	for _, t := range []events.EventType{
		events.EventOrderChanged,
		events.EventDeploymentChanged,
		events.EventOrderEventAppended,
		events.EventDeploymentEventAppended,
	} {
		bus.Subscribe(t, adapter.Send)
	}
}
