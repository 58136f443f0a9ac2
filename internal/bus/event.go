package bus

import "time"

// Event kinds. Subscribers filter by prefix, so "message." receives every
// message event.
const (
	KindMessageCreated       = "message.created"
	KindMessageStatusChanged = "message.status_changed"
	KindMessageReconciled    = "message.reconciled"
	KindMessageReceived      = "message.received"
	KindTypingChanged        = "typing.changed"
	KindPresenceChanged      = "presence.changed"
	KindQueueDrained         = "sync.queue_drained"
	KindConnectivityChanged  = "connectivity.changed"
	KindTransportState       = "transport.state_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
