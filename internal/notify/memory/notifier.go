// Package memory keeps crossing events in-memory for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/mattyhall/rexml/internal/watch"
)

// Notifier stores received events for inspection.
type Notifier struct {
	mu     sync.RWMutex
	events []watch.CrossingEvent
}

// New returns an empty Notifier.
func New() *Notifier {
	return &Notifier{}
}

// NotifyCrossing records event.
func (n *Notifier) NotifyCrossing(_ context.Context, event watch.CrossingEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

// Events returns the recorded events in arrival order.
func (n *Notifier) Events() []watch.CrossingEvent {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]watch.CrossingEvent, len(n.events))
	copy(out, n.events)
	return out
}
