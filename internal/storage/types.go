package storage

// Message delivery states. Only confirmed messages reach the database;
// pending and failed exist in the in-memory view while a send reconciles.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Conversation represents a synced conversation.
type Conversation struct {
	ID                 string
	Name               string
	AvatarURL          string
	IsGroup            bool
	MemberIDs          []string
	LastMessagePreview string
	LastActivityAt     int64
}

// Attachment describes a file attached to a message.
type Attachment struct {
	Name     string
	URL      string
	MimeType string
}

// Message represents a conversation message. ID is a client-generated
// temporary id until the durable write confirms, then the server id.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	Attachment     *Attachment
	ReplyToID      string
	Status         string
	CreatedAt      int64
}
