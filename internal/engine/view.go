package engine

// View is an immutable snapshot of the engine's state, safe to read from
// any goroutine.
type View struct {
	Conversations []Conversation
	ActiveID      string
	// Typing reports whether someone else is typing in the active
	// conversation.
	Typing   bool
	Presence map[string]PresenceState
}

// Snapshot builds a View on the apply loop and returns a deep copy.
func (e *Engine) Snapshot() View {
	ch := make(chan View, 1)
	e.post(func() { ch <- e.buildView() })
	select {
	case v := <-ch:
		return v
	case <-e.done:
		return View{}
	}
}

func (e *Engine) buildView() View {
	active := e.channels.desired
	return View{
		Conversations: e.store.snapshot(),
		ActiveID:      active,
		Typing:        active != "" && e.typing.isTyping(active),
		Presence:      e.presence.snapshot(),
	}
}

// IsOnline reports whether a user's effective presence is online.
func (e *Engine) IsOnline(userID string) bool {
	return e.presenceState(userID) == PresenceOnline
}

// IsIdle reports whether a user's effective presence is idle.
func (e *Engine) IsIdle(userID string) bool {
	return e.presenceState(userID) == PresenceIdle
}

func (e *Engine) presenceState(userID string) PresenceState {
	ch := make(chan PresenceState, 1)
	e.post(func() { ch <- e.presence.stateOf(userID) })
	select {
	case st := <-ch:
		return st
	case <-e.done:
		return PresenceOffline
	}
}

// RefreshCh delivers a coalesced signal whenever the view changes. Consumers
// re-read Snapshot on every tick.
func (e *Engine) RefreshCh() <-chan struct{} {
	return e.refreshCh
}

func (e *Engine) signalRefresh() {
	select {
	case e.refreshCh <- struct{}{}:
	default:
	}
}
