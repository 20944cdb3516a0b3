// Package notify holds threshold-crossing notifiers.
package notify

import (
	"context"

	"github.com/mattyhall/rexml/internal/watch"
)

// Nop discards every event.
type Nop struct{}

// NotifyCrossing does nothing.
func (Nop) NotifyCrossing(context.Context, watch.CrossingEvent) error {
	return nil
}
