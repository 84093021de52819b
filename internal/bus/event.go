package bus

import "time"

// Event kinds published by the engine. Subscribers filter by prefix,
// so "session." receives every session event.
const (
	SessionStatusChanged = "session.status_changed"
	SessionAuthenticated = "session.authenticated"
	SessionLoggedOut     = "session.logged_out"

	ChatsRefreshed    = "sync.chats_refreshed"
	MessagesLoaded    = "sync.messages_loaded"
	MessagesDiscarded = "sync.messages_discarded"

	MessageOptimistic = "message.optimistic"
	MessageSendAck    = "message.send_ack"
	MessageSendFailed = "message.send_failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
