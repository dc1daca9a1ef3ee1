package relay

import (
	"sync"

	"marmot-chat/go-cli/internal/event"
)

// eventBus is the mock transport: a shared in-process event store. Every
// mock node in the process publishes into and fetches from the same bus,
// which is what lets tests stand up a client and a fake remote signer
// without a network.
type eventBus struct {
	mu     sync.Mutex
	events []event.Event
	byID   map[string]struct{}
}

var globalBus = &eventBus{byID: make(map[string]struct{})}

func (b *eventBus) publish(ev event.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byID[ev.ID]; ok {
		return 1
	}
	b.byID[ev.ID] = struct{}{}
	b.events = append(b.events, ev)
	return 1
}

func (b *eventBus) fetch(f event.Filter) []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]event.Event, 0)
	for _, ev := range b.events {
		if !f.Matches(ev) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// reset clears the bus. Tests only.
func (b *eventBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
	b.byID = make(map[string]struct{})
}
