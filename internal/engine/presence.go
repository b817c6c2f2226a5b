package engine

import (
	"time"

	"github.com/plexdesk/chatsync/internal/transport"
)

// PresenceState is a user's effective online status as shown in the view.
type PresenceState string

const (
	PresenceOffline PresenceState = "offline"
	PresenceOnline  PresenceState = "online"
	PresenceIdle    PresenceState = "idle"
)

// presenceTracker mirrors the server's presence topic. Snapshots replace the
// whole map, never merge into it: a user absent from the latest snapshot is
// offline, regardless of what earlier snapshots said. Heartbeats only
// refresh last-seen for users the current snapshot already knows.
type presenceTracker struct {
	idleAfter time.Duration
	entries   map[string]transport.PresenceEntry
	now       func() time.Time
}

func newPresenceTracker(idleAfter time.Duration) *presenceTracker {
	return &presenceTracker{
		idleAfter: idleAfter,
		entries:   make(map[string]transport.PresenceEntry),
		now:       time.Now,
	}
}

// applySync replaces the tracked set with a fresh snapshot.
func (p *presenceTracker) applySync(entries []transport.PresenceEntry) {
	next := make(map[string]transport.PresenceEntry, len(entries))
	for _, en := range entries {
		next[en.UserID] = en
	}
	p.entries = next
}

// touch refreshes last-seen for a known user. Unknown users are ignored;
// membership only changes through snapshots.
func (p *presenceTracker) touch(userID string, at int64) {
	en, ok := p.entries[userID]
	if !ok {
		return
	}
	if at > en.LastSeen {
		en.LastSeen = at
		p.entries[userID] = en
	}
}

// stateOf returns the effective status. An online user whose last heartbeat
// is older than the idle window degrades to idle rather than lying about
// liveness.
func (p *presenceTracker) stateOf(userID string) PresenceState {
	en, ok := p.entries[userID]
	if !ok {
		return PresenceOffline
	}
	switch en.Status {
	case transport.PresenceIdle:
		return PresenceIdle
	case transport.PresenceOnline:
		if p.stale(en) {
			return PresenceIdle
		}
		return PresenceOnline
	default:
		return PresenceOffline
	}
}

func (p *presenceTracker) stale(en transport.PresenceEntry) bool {
	if p.idleAfter <= 0 || en.LastSeen <= 0 {
		return false
	}
	return p.now().Sub(time.UnixMilli(en.LastSeen)) > p.idleAfter
}

// snapshot returns the effective state of every tracked user.
func (p *presenceTracker) snapshot() map[string]PresenceState {
	out := make(map[string]PresenceState, len(p.entries))
	for id := range p.entries {
		out[id] = p.stateOf(id)
	}
	return out
}
