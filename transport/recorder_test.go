package transport

import (
	"sync"

	"github.com/arvindmahta/derivrt-go/eventbus"
)

// recordingBus is a minimal EventPublisher double used across transport
// tests in place of a real eventbus.Bus, matching the teacher's
// dependency-injected messageHandler/middleware testing style.
type recordingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *recordingBus) Publish(evt eventbus.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBus) all() []eventbus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]eventbus.Event, len(b.events))
	copy(out, b.events)
	return out
}

func (b *recordingBus) names() []string {
	evts := b.all()
	out := make([]string, len(evts))
	for i, e := range evts {
		out[i] = e.Name
	}
	return out
}
