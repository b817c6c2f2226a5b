package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced so subscribers can filter by prefix:
//
//	transport.*    connection lifecycle reported by the realtime transport
//	status.*       connection state machine transitions
//	conversation.* conversation list and unread changes
//	message.*      optimistic sends and their reconciliation outcomes
//	presence.*     online/idle set replacements
//	typing.*       typing indicator changes
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
