// Package transport is the realtime boundary of the sync engine: a thin
// adapter over NATS that delivers normalized events to topic subscriptions
// and publishes fire-and-forget broadcasts.
package transport

// EventKind classifies events at the transport boundary.
type EventKind string

const (
	// KindRecordChanged covers durable record changes: new messages and
	// conversation collection updates.
	KindRecordChanged EventKind = "record-changed"
	// KindBroadcast covers ephemeral, non-persisted signals: typing and
	// presence heartbeats. Loss is acceptable.
	KindBroadcast EventKind = "broadcast"
	// KindPresenceSync is a full snapshot of the online-status topic.
	KindPresenceSync EventKind = "presence-sync"
)

// Envelope types carried on the wire.
const (
	TypeMessageCreated      = "message.created"
	TypeConversationChanged = "conversation.changed"
	TypeTyping              = "typing"
	TypePresenceSync        = "presence.sync"
	TypePresenceHeartbeat   = "presence.heartbeat"
)

// Typing signal states.
const (
	TypingStart = "start"
	TypingStop  = "stop"
)

// Presence statuses carried in sync snapshots.
const (
	PresenceOnline = "online"
	PresenceIdle   = "idle"
)

// Well-known topics. Each conversation additionally has its own topic from
// ConversationTopic.
const (
	TopicConversations = "portal.conversations"
	TopicMessages      = "portal.messages"
	TopicPresence      = "portal.presence"
)

// ConversationTopic returns the per-conversation topic carrying message
// inserts and typing broadcasts for one conversation.
func ConversationTopic(id string) string {
	return "portal.conv." + id
}

// AttachmentRef describes a file attached to a message on the wire.
type AttachmentRef struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// MessageRecord is a server-confirmed message as carried on the wire.
type MessageRecord struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Body           string         `json:"body"`
	Attachment     *AttachmentRef `json:"attachment,omitempty"`
	ReplyToID      string         `json:"reply_to_id,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	// Seq is the server's per-conversation sequence number, when present.
	// Messages are currently appended in arrival order; Seq is normalized
	// so an ordering comparison can be added without a wire change.
	Seq uint64 `json:"seq,omitempty"`
}

// PresenceEntry is one member of a presence snapshot.
type PresenceEntry struct {
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

// Envelope is the JSON wire format carried on every portal topic.
type Envelope struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	State          string          `json:"state,omitempty"`
	Message        *MessageRecord  `json:"message,omitempty"`
	Entries        []PresenceEntry `json:"entries,omitempty"`
	SentAt         int64           `json:"sent_at,omitempty"`
}

// Event is a normalized event delivered to subscription handlers. Malformed
// payloads never reach handlers; they are dropped at the parse boundary.
type Event struct {
	Kind     EventKind
	Topic    string
	Envelope Envelope
}

// Handler receives events for one subscription. Handlers run on the
// transport's delivery goroutine and must not block.
type Handler func(evt Event)

// Subscription is a handle to an active topic subscription. Unsubscribe is
// idempotent.
type Subscription interface {
	Topic() string
	Unsubscribe() error
}
