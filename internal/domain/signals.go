package domain

import (
	"fmt"
	"log/slog"
	"sync"
)

// Signal names emitted by the post-process pipeline.
const (
	SignalEventProcessed       = "event_processed"
	SignalTransactionProcessed = "transaction_processed"
	SignalIssueUnignored       = "issue_unignored"
)

// SignalPayload carries the context a signal handler receives.
type SignalPayload struct {
	Event *Event
	Group *Group
	// TransitionType is set on issue_unignored ("automatic" from the
	// pipeline).
	TransitionType string
	Sender         string
}

// SignalHandler consumes one signal emission.
type SignalHandler func(ctx Context, p SignalPayload)

// SignalBus is an in-process robust signal dispatcher. Send never fails:
// handler panics are recovered and logged so a broken receiver cannot abort
// the pipeline stage that emitted the signal.
type SignalBus struct {
	mu       sync.RWMutex
	handlers map[string][]SignalHandler
}

func NewSignalBus() *SignalBus {
	return &SignalBus{handlers: make(map[string][]SignalHandler)}
}

// Connect registers a handler for the named signal.
func (b *SignalBus) Connect(name string, h SignalHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Send dispatches the signal to every connected handler.
func (b *SignalBus) Send(ctx Context, name string, p SignalPayload) {
	b.mu.RLock()
	handlers := b.handlers[name]
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("signal handler panicked",
						slog.String("signal", name),
						slog.String("panic", fmt.Sprint(r)))
				}
			}()
			h(ctx, p)
		}()
	}
}
