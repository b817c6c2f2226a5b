package transport

import (
	"encoding/json"
	"fmt"
)

// Parse normalizes an untyped wire payload into an Event. Server payloads are
// treated as untrusted input: anything that fails validation is rejected here
// so it never reaches the store.
func Parse(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decode envelope: %w", err)
	}

	kind, err := classify(env)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: kind, Envelope: env}, nil
}

func classify(env Envelope) (EventKind, error) {
	switch env.Type {
	case TypeMessageCreated:
		m := env.Message
		if m == nil {
			return "", fmt.Errorf("%s: missing message", env.Type)
		}
		if m.ID == "" || m.ConversationID == "" || m.SenderID == "" {
			return "", fmt.Errorf("%s: message missing id, conversation_id or sender_id", env.Type)
		}
		return KindRecordChanged, nil

	case TypeConversationChanged:
		if env.ConversationID == "" {
			return "", fmt.Errorf("%s: missing conversation_id", env.Type)
		}
		return KindRecordChanged, nil

	case TypeTyping:
		if env.ConversationID == "" || env.UserID == "" {
			return "", fmt.Errorf("%s: missing conversation_id or user_id", env.Type)
		}
		if env.State != TypingStart && env.State != TypingStop {
			return "", fmt.Errorf("%s: bad state %q", env.Type, env.State)
		}
		return KindBroadcast, nil

	case TypePresenceSync:
		for i, e := range env.Entries {
			if e.UserID == "" {
				return "", fmt.Errorf("%s: entry %d missing user_id", env.Type, i)
			}
		}
		return KindPresenceSync, nil

	case TypePresenceHeartbeat:
		if env.UserID == "" {
			return "", fmt.Errorf("%s: missing user_id", env.Type)
		}
		return KindBroadcast, nil

	default:
		return "", fmt.Errorf("unknown event type %q", env.Type)
	}
}
