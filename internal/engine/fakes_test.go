package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/plexdesk/chatsync/internal/bus"
	"github.com/plexdesk/chatsync/internal/status"
	"github.com/plexdesk/chatsync/internal/storage"
	"github.com/plexdesk/chatsync/internal/transport"
)

// fakeTransport records subscriptions and publishes in memory. Tests can
// gate Subscribe per topic to exercise in-flight subscribe races.
type fakeTransport struct {
	mu        sync.Mutex
	subs      []*fakeSub
	subCount  map[string]int
	unsubs    map[string]int
	gates     map[string]chan struct{}
	published []publishedEnv
}

type publishedEnv struct {
	topic string
	env   transport.Envelope
}

type fakeSub struct {
	f      *fakeTransport
	topic  string
	h      transport.Handler
	active bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		subCount: make(map[string]int),
		unsubs:   make(map[string]int),
		gates:    make(map[string]chan struct{}),
	}
}

// gate makes Subscribe on topic block until release is called.
func (f *fakeTransport) gate(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gates[topic] = make(chan struct{})
}

func (f *fakeTransport) release(topic string) {
	f.mu.Lock()
	g := f.gates[topic]
	delete(f.gates, topic)
	f.mu.Unlock()
	if g != nil {
		close(g)
	}
}

func (f *fakeTransport) Subscribe(topic string, h transport.Handler) (transport.Subscription, error) {
	f.mu.Lock()
	g := f.gates[topic]
	f.mu.Unlock()
	if g != nil {
		<-g
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{f: f, topic: topic, h: h, active: true}
	f.subs = append(f.subs, sub)
	f.subCount[topic]++
	return sub, nil
}

func (f *fakeTransport) Publish(topic string, env transport.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedEnv{topic: topic, env: env})
	return nil
}

func (s *fakeSub) Topic() string { return s.topic }

func (s *fakeSub) Unsubscribe() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if s.active {
		s.active = false
		s.f.unsubs[s.topic]++
	}
	return nil
}

// deliver runs an envelope through the real parser and hands it to every
// active subscription on the topic, same as the NATS adapter would.
func (f *fakeTransport) deliver(t *testing.T, topic string, env transport.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	evt, err := transport.Parse(data)
	if err != nil {
		t.Fatalf("deliver rejected by parser: %v", err)
	}
	evt.Topic = topic

	f.mu.Lock()
	handlers := make([]transport.Handler, 0, 1)
	for _, sub := range f.subs {
		if sub.active && sub.topic == topic {
			handlers = append(handlers, sub.h)
		}
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (f *fakeTransport) activeTopics() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool)
	for _, sub := range f.subs {
		if sub.active {
			out[sub.topic] = true
		}
	}
	return out
}

func (f *fakeTransport) subscribes(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subCount[topic]
}

func (f *fakeTransport) unsubscribes(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubs[topic]
}

func (f *fakeTransport) publishedTo(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.published {
		if p.topic == topic {
			n++
		}
	}
	return n
}

// fakeStorage is an in-memory Storage. CreateMessage can be gated to hold a
// send in its pending state, or failed to exercise the failure path.
type fakeStorage struct {
	mu       sync.Mutex
	convs    map[string]storage.Conversation
	msgs     map[string][]storage.Message
	failSend bool
	sendGate chan struct{}
	nextID   int
}

func newFakeStorage(convs ...storage.Conversation) *fakeStorage {
	fs := &fakeStorage{
		convs: make(map[string]storage.Conversation),
		msgs:  make(map[string][]storage.Message),
	}
	for _, c := range convs {
		fs.convs[c.ID] = c
	}
	return fs
}

// gateSends makes CreateMessage block until releaseSends is called.
func (f *fakeStorage) gateSends() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendGate = make(chan struct{})
}

func (f *fakeStorage) releaseSends() {
	f.mu.Lock()
	g := f.sendGate
	f.sendGate = nil
	f.mu.Unlock()
	if g != nil {
		close(g)
	}
}

func (f *fakeStorage) setFailSend(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSend = fail
}

func (f *fakeStorage) ListConversations() ([]storage.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.Conversation, 0, len(f.convs))
	for _, c := range f.convs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt > out[j].LastActivityAt })
	return out, nil
}

func (f *fakeStorage) GetConversation(id string) (*storage.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil, nil
	}
	cp := c
	return &cp, nil
}

func (f *fakeStorage) UpsertConversation(c *storage.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[c.ID] = *c
	return nil
}

func (f *fakeStorage) TouchConversation(id, preview string, activityAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil
	}
	c.LastMessagePreview = preview
	if activityAt > c.LastActivityAt {
		c.LastActivityAt = activityAt
	}
	f.convs[id] = c
	return nil
}

func (f *fakeStorage) UpsertMessage(m *storage.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, have := range f.msgs[m.ConversationID] {
		if have.ID == m.ID {
			return nil
		}
	}
	f.msgs[m.ConversationID] = append(f.msgs[m.ConversationID], *m)
	return nil
}

func (f *fakeStorage) ListMessages(conversationID string, beforeTS int64, limit int) ([]storage.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := append([]storage.Message(nil), f.msgs[conversationID]...)
	// Newest first, same as the sqlite store.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt > msgs[j].CreatedAt })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (f *fakeStorage) CreateMessage(m *storage.Message) (*storage.Message, error) {
	f.mu.Lock()
	g := f.sendGate
	f.mu.Unlock()
	if g != nil {
		<-g
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return nil, errors.New("storage offline")
	}
	f.nextID++
	confirmed := *m
	confirmed.ID = fmt.Sprintf("srv-%d", f.nextID)
	confirmed.Status = storage.StatusSent
	f.msgs[m.ConversationID] = append(f.msgs[m.ConversationID], confirmed)
	if c, ok := f.convs[m.ConversationID]; ok && confirmed.CreatedAt > c.LastActivityAt {
		c.LastActivityAt = confirmed.CreatedAt
		f.convs[m.ConversationID] = c
	}
	return &confirmed, nil
}

func (f *fakeStorage) CreateOrGetDirectConversation(selfID, otherID string) (*storage.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, b := selfID, otherID
	if b < a {
		a, b = b, a
	}
	id := "direct-" + a + "-" + b
	if c, ok := f.convs[id]; ok {
		return &c, nil
	}
	c := storage.Conversation{ID: id, MemberIDs: []string{a, b}}
	f.convs[id] = c
	return &c, nil
}

func (f *fakeStorage) CreateGroupConversation(name string, memberIDs []string) (*storage.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c := storage.Conversation{
		ID:        fmt.Sprintf("grp-%d", f.nextID),
		Name:      name,
		IsGroup:   true,
		MemberIDs: memberIDs,
	}
	f.convs[c.ID] = c
	return &c, nil
}

func (f *fakeStorage) DeleteMessagesInConversation(conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.msgs, conversationID)
	return nil
}

// harness wires an engine to fakes and starts it.
type harness struct {
	e  *Engine
	ft *fakeTransport
	fs *fakeStorage
	b  *bus.Bus
	m  *status.Machine
}

func newHarness(t *testing.T, fs *fakeStorage, mutate ...func(*Params)) *harness {
	t.Helper()
	ft := newFakeTransport()
	b := bus.New()
	m := status.NewMachine(b)
	p := Params{
		UserID:  "self",
		DB:      fs,
		RT:      ft,
		Bus:     b,
		Machine: m,
	}
	for _, fn := range mutate {
		fn(&p)
	}
	e := New(p)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(e.Stop)

	h := &harness{e: e, ft: ft, fs: fs, b: b, m: m}
	h.waitFor(t, "engine ready", func() bool {
		return m.Current() == status.Ready && ft.subscribes(transport.TopicMessages) == 1
	})
	return h
}

func (h *harness) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// openAndWait opens a conversation and waits until its topic is subscribed.
func (h *harness) openAndWait(t *testing.T, id string) {
	t.Helper()
	before := h.ft.subscribes(transport.ConversationTopic(id))
	h.e.OpenConversation(id)
	h.waitFor(t, "conversation topic subscribed", func() bool {
		return h.ft.subscribes(transport.ConversationTopic(id)) > before
	})
}

func (h *harness) conversation(t *testing.T, id string) Conversation {
	t.Helper()
	for _, c := range h.e.Snapshot().Conversations {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("conversation %s not in view", id)
	return Conversation{}
}

func remoteMessage(id, convID, sender, body string, at int64) transport.Envelope {
	return transport.Envelope{
		Type: transport.TypeMessageCreated,
		Message: &transport.MessageRecord{
			ID:             id,
			ConversationID: convID,
			SenderID:       sender,
			Body:           body,
			CreatedAt:      at,
		},
	}
}
