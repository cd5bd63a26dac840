// Package events defines the registry change events and delivers them to
// sinks off the request path.
package events

import (
	"context"
	"time"
)

// Type names a registry change
type Type string

const (
	TypePublish       Type = "publish"
	TypeDeletePackage Type = "delete_package"
	TypeDeleteVersion Type = "delete_version"
	TypeDiscontinue   Type = "discontinue"
	TypeReactivate    Type = "reactivate"
	TypeRetract       Type = "retract"
	TypeUnretract     Type = "unretract"
	TypeCacheCleared  Type = "cache_cleared"
)

// Event is one committed change. Events are only emitted after the
// metadata write they describe has committed.
type Event struct {
	Type     Type              `json:"type"`
	Package  string            `json:"package,omitempty"`
	Version  string            `json:"version,omitempty"`
	Actor    string            `json:"actor,omitempty"`
	Time     time.Time         `json:"time"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Sink receives delivered events
type Sink interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

// Emitter accepts events for delivery. Emit never blocks.
type Emitter interface {
	Emit(e Event)
}

// Nop discards every event
type Nop struct{}

// Emit does nothing
func (Nop) Emit(Event) {}
