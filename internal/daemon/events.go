package daemon

import (
	"github.com/plexdesk/chatsync/internal/bus"
	"github.com/plexdesk/chatsync/internal/status"
	"go.uber.org/zap"
)

// eventLogger mirrors bus traffic into the daemon log. Status transitions
// are logged at info, the rest at debug.
type eventLogger struct {
	b      *bus.Bus
	logger *zap.Logger
	unsub  func()
	quit   chan struct{}
}

func newEventLogger(b *bus.Bus, logger *zap.Logger) *eventLogger {
	return &eventLogger{b: b, logger: logger, quit: make(chan struct{})}
}

func (e *eventLogger) Start() {
	ch, unsub := e.b.Subscribe("", 128)
	e.unsub = unsub
	go func() {
		for {
			select {
			case evt := <-ch:
				e.log(evt)
			case <-e.quit:
				return
			}
		}
	}()
}

func (e *eventLogger) log(evt bus.Event) {
	if change, ok := evt.Payload.(status.StatusChange); ok {
		e.logger.Info("status changed",
			zap.String("from", string(change.From)),
			zap.String("to", string(change.To)))
		return
	}
	e.logger.Debug("event", zap.String("kind", evt.Kind))
}

func (e *eventLogger) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	close(e.quit)
}
