package engine

import (
	"github.com/plexdesk/chatsync/internal/transport"
	"go.uber.org/zap"
)

// channelManager owns the transport subscriptions: the global conversation
// and message topics, the presence topic, and at most one per-conversation
// topic. All fields are owned by the apply goroutine; subscribe calls that
// may block run off-loop and report back through a generation token, so a
// rapid sequence of opens always resolves to the last requested id.
type channelManager struct {
	e *Engine

	global   transport.Subscription
	inserts  transport.Subscription
	presence transport.Subscription
	active   transport.Subscription

	// desired is the conversation the user last asked for; active may lag
	// behind it while a subscribe is in flight.
	desired string
	gen     uint64
}

// subscribeGlobal attaches the collection-level topics. Idempotent.
func (m *channelManager) subscribeGlobal() {
	if m.global == nil {
		m.global = m.subscribe(transport.TopicConversations)
	}
	if m.inserts == nil {
		m.inserts = m.subscribe(transport.TopicMessages)
	}
}

// subscribePresence attaches the presence snapshot topic. Idempotent.
func (m *channelManager) subscribePresence() {
	if m.presence == nil {
		m.presence = m.subscribe(transport.TopicPresence)
	}
}

func (m *channelManager) subscribe(topic string) transport.Subscription {
	sub, err := m.e.rt.Subscribe(topic, m.e.onTransportEvent)
	if err != nil {
		m.e.logger.Error("subscribe failed", zap.String("topic", topic), zap.Error(err))
		return nil
	}
	return sub
}

// open switches the per-conversation subscription to id. The old topic is
// torn down before the new one is stood up so two conversation topics are
// never live at once.
func (m *channelManager) open(id string) {
	m.desired = id
	m.gen++
	m.closeActive()
	go m.subscribeActive(id, m.gen)
}

// reopenActive re-subscribes the desired conversation, used after the
// transport restores a dropped connection.
func (m *channelManager) reopenActive() {
	if m.desired != "" {
		m.open(m.desired)
	}
}

func (m *channelManager) subscribeActive(id string, gen uint64) {
	sub, err := m.e.rt.Subscribe(transport.ConversationTopic(id), m.e.onTransportEvent)
	m.e.post(func() {
		if gen != m.gen {
			// A newer open superseded this one while the subscribe was in
			// flight; the stale subscription must not stay attached.
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			return
		}
		if err != nil {
			m.e.logger.Error("subscribe conversation failed", zap.String("conversation_id", id), zap.Error(err))
			return
		}
		m.active = sub
	})
}

func (m *channelManager) closeActive() {
	if m.active == nil {
		return
	}
	if err := m.active.Unsubscribe(); err != nil {
		m.e.logger.Warn("unsubscribe failed", zap.String("topic", m.active.Topic()), zap.Error(err))
	}
	m.active = nil
}

// teardown drops every subscription. Invalidates in-flight subscribes.
func (m *channelManager) teardown() {
	m.gen++
	m.closeActive()
	for _, sub := range []transport.Subscription{m.global, m.inserts, m.presence} {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			m.e.logger.Warn("unsubscribe failed", zap.String("topic", sub.Topic()), zap.Error(err))
		}
	}
	m.global, m.inserts, m.presence = nil, nil, nil
}
