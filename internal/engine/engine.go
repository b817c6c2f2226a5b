// Package engine keeps a local view of conversations, messages, typing state
// and presence consistent with the realtime transport and the durable store.
//
// All view mutations run on a single apply goroutine. Transport handlers,
// timers and user actions enqueue closures on the apply channel instead of
// touching the store directly, so no two writers ever race on a
// conversation's message slice.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/plexdesk/chatsync/internal/bus"
	"github.com/plexdesk/chatsync/internal/status"
	"github.com/plexdesk/chatsync/internal/storage"
	"github.com/plexdesk/chatsync/internal/transport"
	"go.uber.org/zap"
)

const (
	defaultTypingExpiry      = 1500 * time.Millisecond
	defaultHeartbeatInterval = 30 * time.Second
	defaultIdleAfter         = 5 * time.Minute
	messagePageSize          = 100
)

// Storage is the durable storage collaborator.
type Storage interface {
	ListConversations() ([]storage.Conversation, error)
	GetConversation(id string) (*storage.Conversation, error)
	UpsertConversation(c *storage.Conversation) error
	TouchConversation(id, preview string, activityAt int64) error
	ListMessages(conversationID string, beforeTS int64, limit int) ([]storage.Message, error)
	CreateMessage(m *storage.Message) (*storage.Message, error)
	UpsertMessage(m *storage.Message) error
	CreateOrGetDirectConversation(selfID, otherID string) (*storage.Conversation, error)
	CreateGroupConversation(name string, memberIDs []string) (*storage.Conversation, error)
	DeleteMessagesInConversation(conversationID string) error
}

// Transport is the slice of the realtime client the engine uses.
type Transport interface {
	Subscribe(topic string, h transport.Handler) (transport.Subscription, error)
	Publish(topic string, env transport.Envelope) error
}

// Params configures a new Engine.
type Params struct {
	UserID      string
	DisplayName string

	TypingExpiry      time.Duration
	HeartbeatInterval time.Duration

	DB      Storage
	RT      Transport
	Bus     *bus.Bus
	Machine *status.Machine
	Logger  *zap.Logger
}

// Engine is the conversation synchronization engine.
type Engine struct {
	selfID  string
	db      Storage
	rt      Transport
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	applyCh   chan func()
	refreshCh chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc

	heartbeatEvery time.Duration

	// Owned by the apply goroutine; never touched from outside it.
	store    *store
	channels *channelManager
	recon    *reconciler
	typing   *typingIndicator
	presence *presenceTracker
}

// New creates an engine. Start must be called before use.
func New(p Params) *Engine {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	typingExpiry := p.TypingExpiry
	if typingExpiry <= 0 {
		typingExpiry = defaultTypingExpiry
	}
	heartbeat := p.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	e := &Engine{
		selfID:         p.UserID,
		db:             p.DB,
		rt:             p.RT,
		bus:            p.Bus,
		machine:        p.Machine,
		logger:         logger,
		applyCh:        make(chan func(), 256),
		refreshCh:      make(chan struct{}, 1),
		done:           make(chan struct{}),
		heartbeatEvery: heartbeat,
		store:          newStore(),
		presence:       newPresenceTracker(defaultIdleAfter),
	}
	e.channels = &channelManager{e: e}
	e.recon = &reconciler{e: e}
	e.typing = &typingIndicator{e: e, expiry: typingExpiry}
	return e
}

// Start launches the apply loop and bootstraps the subscriptions and the
// initial conversation list.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	busCh, unsub := e.bus.Subscribe("transport.", 64)
	go e.loop(ctx, busCh, unsub)
	go e.bootstrap()
	go e.heartbeatLoop(ctx)
	return nil
}

// Stop tears down all subscriptions and stops the apply loop.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	<-e.done
}

func (e *Engine) loop(ctx context.Context, busCh <-chan bus.Event, unsub func()) {
	defer close(e.done)
	defer unsub()
	for {
		select {
		case fn := <-e.applyCh:
			fn()
		case evt := <-busCh:
			e.handleTransportLifecycle(evt)
		case <-ctx.Done():
			e.channels.teardown()
			e.typing.clearAll()
			return
		}
	}
}

// post enqueues a mutation on the apply loop. Posts after Stop are dropped.
func (e *Engine) post(fn func()) {
	select {
	case e.applyCh <- fn:
	case <-e.done:
	}
}

func (e *Engine) bootstrap() {
	_ = e.machine.Transition(status.Connecting)
	_ = e.machine.Transition(status.Syncing)

	convs, err := e.db.ListConversations()
	if err != nil {
		e.logger.Error("initial conversation load failed", zap.Error(err))
		_ = e.machine.Transition(status.Degraded)
		return
	}

	e.post(func() {
		e.store.replaceAll(convs)
		e.channels.subscribeGlobal()
		e.channels.subscribePresence()
		e.signalRefresh()
	})

	e.publishHeartbeat()
	_ = e.machine.Transition(status.Ready)
}

func (e *Engine) handleTransportLifecycle(evt bus.Event) {
	switch evt.Kind {
	case "transport.disconnected":
		_ = e.machine.Transition(status.Reconnecting)
	case "transport.connected":
		// The transport restored the connection itself; refresh everything
		// that may have changed while we were away and re-open the active
		// conversation topic so state is not silently stale.
		_ = e.machine.Transition(status.Syncing)
		e.channels.reopenActive()
		go e.resync()
	}
}

func (e *Engine) resync() {
	e.refreshConversations()
	e.publishHeartbeat()
	_ = e.machine.Transition(status.Ready)
}

// refreshConversations reloads the conversation list from durable storage
// and swaps it into the view, preserving open message lists and unread flags.
func (e *Engine) refreshConversations() {
	convs, err := e.db.ListConversations()
	if err != nil {
		e.logger.Error("conversation refresh failed", zap.Error(err))
		return
	}
	e.post(func() {
		e.store.replaceAll(convs)
		e.signalRefresh()
	})
}

// onTransportEvent is the handler attached to every topic subscription.
// It runs on the transport's delivery goroutine and only enqueues the apply.
func (e *Engine) onTransportEvent(evt transport.Event) {
	e.post(func() { e.apply(evt) })
}

// apply dispatches a normalized transport event. Runs on the apply loop.
func (e *Engine) apply(evt transport.Event) {
	env := evt.Envelope
	switch env.Type {
	case transport.TypeMessageCreated:
		rec := env.Message
		e.recon.onRemoteInsert(rec)
		// Global fallback: an incoming message for a brand-new conversation
		// must not be missed when nothing is selected yet.
		if e.channels.desired == "" && rec.SenderID != e.selfID {
			e.openLocked(rec.ConversationID)
		}
	case transport.TypeConversationChanged:
		go e.refreshConversations()
	case transport.TypeTyping:
		e.applyTyping(env)
	case transport.TypePresenceSync:
		e.presence.applySync(env.Entries)
		e.publishBus("presence.updated", len(env.Entries))
		e.signalRefresh()
	case transport.TypePresenceHeartbeat:
		e.presence.touch(env.UserID, env.SentAt)
	}
}

func (e *Engine) applyTyping(env transport.Envelope) {
	if env.UserID == e.selfID {
		return
	}
	if env.ConversationID != e.channels.desired {
		return
	}
	if env.State == transport.TypingStop {
		e.typing.stop(env.ConversationID)
	} else {
		e.typing.signal(env.ConversationID)
	}
	e.publishBus("typing.changed", env.ConversationID)
	e.signalRefresh()
}

// openLocked switches the active conversation. Runs on the apply loop.
func (e *Engine) openLocked(id string) {
	e.typing.clearAll()
	e.channels.open(id)
	e.store.clearUnread(id)
	e.signalRefresh()

	gen := e.channels.gen
	conv := e.store.get(id)
	if conv == nil || len(conv.Messages) == 0 {
		go e.loadMessages(id, gen)
	}
}

func (e *Engine) loadMessages(id string, gen uint64) {
	msgs, err := e.db.ListMessages(id, 0, messagePageSize)
	if err != nil {
		e.logger.Error("message load failed", zap.String("conversation_id", id), zap.Error(err))
		return
	}
	// Storage returns newest first; the view wants chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	e.post(func() {
		if e.channels.gen != gen || e.channels.desired != id {
			// A newer open superseded this load; discard without mutating.
			return
		}
		e.store.setMessages(id, msgs)
		e.signalRefresh()
	})
}

// OpenConversation makes id the active conversation, tearing down the
// previous topic first. Safe to call repeatedly in quick succession: the
// last requested id wins.
func (e *Engine) OpenConversation(id string) {
	e.post(func() { e.openLocked(id) })
}

// Send optimistically inserts a message and issues the durable write.
// Returns the temporary client id of the pending entry.
func (e *Engine) Send(conversationID, text string, att *storage.Attachment, replyToID string) string {
	ch := make(chan string, 1)
	e.post(func() { ch <- e.recon.send(conversationID, text, att, replyToID) })
	select {
	case id := <-ch:
		return id
	case <-e.done:
		return ""
	}
}

// RetrySend re-issues the durable write for a failed message.
func (e *Engine) RetrySend(conversationID, messageID string) {
	e.post(func() { e.recon.retry(conversationID, messageID) })
}

// DiscardFailed removes a failed message from the view.
func (e *Engine) DiscardFailed(conversationID, messageID string) {
	e.post(func() {
		if e.store.removeMessage(conversationID, messageID) {
			e.signalRefresh()
		}
	})
}

// StartDirectChat opens (creating if needed) the one-on-one conversation
// with the given user and makes it active.
func (e *Engine) StartDirectChat(otherUserID string) (string, error) {
	conv, err := e.db.CreateOrGetDirectConversation(e.selfID, otherUserID)
	if err != nil {
		return "", fmt.Errorf("start direct chat: %w", err)
	}
	e.post(func() {
		e.store.upsertConversation(*conv)
		e.openLocked(conv.ID)
	})
	return conv.ID, nil
}

// StartGroupChat creates a group conversation and makes it active.
func (e *Engine) StartGroupChat(name string, memberIDs []string) (string, error) {
	conv, err := e.db.CreateGroupConversation(name, memberIDs)
	if err != nil {
		return "", fmt.Errorf("start group chat: %w", err)
	}
	e.post(func() {
		e.store.upsertConversation(*conv)
		e.openLocked(conv.ID)
	})
	return conv.ID, nil
}

// ClearHistory deletes all messages in a conversation.
func (e *Engine) ClearHistory(conversationID string) error {
	if err := e.db.DeleteMessagesInConversation(conversationID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	e.post(func() {
		e.store.clearMessages(conversationID)
		e.signalRefresh()
	})
	return nil
}

// NotifyTyping broadcasts a typing signal for the active conversation.
// Fire-and-forget: loss is acceptable, there is no acknowledgement or retry.
func (e *Engine) NotifyTyping() {
	e.post(func() {
		id := e.channels.desired
		if id == "" {
			return
		}
		env := transport.Envelope{
			Type:           transport.TypeTyping,
			ConversationID: id,
			UserID:         e.selfID,
			State:          transport.TypingStart,
			SentAt:         time.Now().UnixMilli(),
		}
		go func() {
			if err := e.rt.Publish(transport.ConversationTopic(id), env); err != nil {
				e.logger.Debug("typing broadcast failed", zap.Error(err))
			}
		}()
	})
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.publishHeartbeat()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) publishHeartbeat() {
	env := transport.Envelope{
		Type:   transport.TypePresenceHeartbeat,
		UserID: e.selfID,
		State:  transport.PresenceOnline,
		SentAt: time.Now().UnixMilli(),
	}
	if err := e.rt.Publish(transport.TopicPresence, env); err != nil {
		e.logger.Debug("heartbeat publish failed", zap.Error(err))
	}
}

func (e *Engine) publishBus(kind string, payload any) {
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
