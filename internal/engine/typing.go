package engine

import "time"

// typingIndicator tracks whether someone else is typing in the active
// conversation. Each fresh signal resets the expiry window, so continuous
// typing never flickers the flag off. All fields are owned by the apply
// goroutine; timers fire onto it through post.
type typingIndicator struct {
	e      *Engine
	expiry time.Duration

	timers map[string]*time.Timer
	active map[string]bool
}

// signal marks a conversation as having an active typist and (re)arms its
// expiry timer.
func (t *typingIndicator) signal(conversationID string) {
	if t.active == nil {
		t.active = make(map[string]bool)
		t.timers = make(map[string]*time.Timer)
	}
	t.active[conversationID] = true
	if tm, ok := t.timers[conversationID]; ok {
		tm.Stop()
	}
	t.timers[conversationID] = time.AfterFunc(t.expiry, func() {
		t.e.post(func() { t.expire(conversationID) })
	})
}

func (t *typingIndicator) expire(conversationID string) {
	if !t.active[conversationID] {
		// A stop signal or a conversation switch already cleared this.
		return
	}
	delete(t.active, conversationID)
	delete(t.timers, conversationID)
	t.e.publishBus("typing.changed", conversationID)
	t.e.signalRefresh()
}

// stop clears the flag immediately on an explicit stop signal.
func (t *typingIndicator) stop(conversationID string) {
	if tm, ok := t.timers[conversationID]; ok {
		tm.Stop()
		delete(t.timers, conversationID)
	}
	delete(t.active, conversationID)
}

// clearAll drops every flag and timer, used when switching conversations
// and on teardown.
func (t *typingIndicator) clearAll() {
	for _, tm := range t.timers {
		tm.Stop()
	}
	t.timers = nil
	t.active = nil
}

func (t *typingIndicator) isTyping(conversationID string) bool {
	return t.active[conversationID]
}
