package engine

import (
	"testing"
	"time"

	"github.com/plexdesk/chatsync/internal/bus"
	"github.com/plexdesk/chatsync/internal/status"
	"github.com/plexdesk/chatsync/internal/storage"
	"github.com/plexdesk/chatsync/internal/transport"
)

func TestOpenSwitchesConversationTopic(t *testing.T) {
	fs := newFakeStorage(
		storage.Conversation{ID: "a", LastActivityAt: 2000},
		storage.Conversation{ID: "b", LastActivityAt: 1000},
	)
	h := newHarness(t, fs)

	h.openAndWait(t, "a")
	h.openAndWait(t, "b")

	h.waitFor(t, "old topic torn down", func() bool {
		return h.ft.unsubscribes(transport.ConversationTopic("a")) == 1
	})
	topics := h.ft.activeTopics()
	if topics[transport.ConversationTopic("a")] {
		t.Error("topic for a still live after switching to b")
	}
	if !topics[transport.ConversationTopic("b")] {
		t.Error("topic for b not live")
	}
	if got := h.e.Snapshot().ActiveID; got != "b" {
		t.Errorf("active = %q, want b", got)
	}
}

// Regression: two opens in quick succession used to race their subscribes;
// whichever resolved last stayed attached, even when it was the older one.
func TestRapidSwitchLastRequestedWins(t *testing.T) {
	topicA := transport.ConversationTopic("a")
	topicB := transport.ConversationTopic("b")

	for _, order := range []struct {
		name          string
		first, second string
	}{
		{"older subscribe resolves last", topicB, topicA},
		{"older subscribe resolves first", topicA, topicB},
	} {
		t.Run(order.name, func(t *testing.T) {
			fs := newFakeStorage(
				storage.Conversation{ID: "a", LastActivityAt: 2000},
				storage.Conversation{ID: "b", LastActivityAt: 1000},
			)
			h := newHarness(t, fs)
			h.ft.gate(topicA)
			h.ft.gate(topicB)

			h.e.OpenConversation("a")
			h.e.OpenConversation("b")
			// Both opens are queued before either subscribe resolves.
			h.waitFor(t, "opens applied", func() bool {
				return h.e.Snapshot().ActiveID == "b"
			})

			h.ft.release(order.first)
			h.ft.release(order.second)

			h.waitFor(t, "subscribes resolved", func() bool {
				return h.ft.subscribes(topicA) == 1 && h.ft.subscribes(topicB) == 1
			})
			h.waitFor(t, "stale topic dropped", func() bool {
				return !h.ft.activeTopics()[topicA]
			})
			if !h.ft.activeTopics()[topicB] {
				t.Error("topic for b not live, last requested id must win")
			}
		})
	}
}

func TestIncomingMessageAutoOpensWhenNothingSelected(t *testing.T) {
	fs := newFakeStorage()
	h := newHarness(t, fs)

	h.ft.deliver(t, transport.TopicMessages, remoteMessage("m1", "c9", "u2", "hello?", 1000))

	h.waitFor(t, "auto-open", func() bool {
		return h.e.Snapshot().ActiveID == "c9"
	})
	h.waitFor(t, "auto-opened topic live", func() bool {
		return h.ft.activeTopics()[transport.ConversationTopic("c9")]
	})
	if got := h.conversation(t, "c9").LastMessagePreview; got != "hello?" {
		t.Errorf("preview = %q, want hello?", got)
	}
}

func TestSecondIncomingDoesNotStealAutoOpenedFocus(t *testing.T) {
	fs := newFakeStorage()
	h := newHarness(t, fs)

	h.ft.deliver(t, transport.TopicMessages, remoteMessage("m1", "c1", "u2", "first", 1000))
	h.waitFor(t, "auto-open", func() bool {
		return h.e.Snapshot().ActiveID == "c1"
	})

	h.ft.deliver(t, transport.TopicMessages, remoteMessage("m2", "c2", "u3", "second", 2000))
	h.waitFor(t, "second conversation unread", func() bool {
		return h.conversation(t, "c2").Unread
	})
	if got := h.e.Snapshot().ActiveID; got != "c1" {
		t.Errorf("active = %q, want c1 to keep focus", got)
	}
}

func TestReconnectReopensActiveConversation(t *testing.T) {
	fs := newFakeStorage(storage.Conversation{ID: "c1"})
	h := newHarness(t, fs)
	h.openAndWait(t, "c1")

	h.b.Publish(bus.Event{Kind: "transport.disconnected", Timestamp: time.Now()})
	h.waitFor(t, "reconnecting state", func() bool {
		return h.m.Current() == status.Reconnecting
	})

	h.b.Publish(bus.Event{Kind: "transport.connected", Timestamp: time.Now()})
	h.waitFor(t, "ready again", func() bool {
		return h.m.Current() == status.Ready
	})
	h.waitFor(t, "conversation topic re-subscribed", func() bool {
		return h.ft.subscribes(transport.ConversationTopic("c1")) == 2
	})
	if got := h.ft.unsubscribes(transport.ConversationTopic("c1")); got != 1 {
		t.Errorf("unsubscribes = %d, want 1", got)
	}
}

func TestStopTearsDownAllSubscriptions(t *testing.T) {
	fs := newFakeStorage(storage.Conversation{ID: "c1"})
	h := newHarness(t, fs)
	h.openAndWait(t, "c1")

	h.e.Stop()
	if topics := h.ft.activeTopics(); len(topics) != 0 {
		t.Errorf("topics still live after stop: %v", topics)
	}
	// Stop is idempotent.
	h.e.Stop()
}
