package registry

import "time"

type EventType string

const (
	EventMetadataLoaded  EventType = "metadata_loaded"
	EventMetadataMissing EventType = "metadata_missing"
	EventModelLoaded     EventType = "model_loaded"
	EventModelFailed     EventType = "model_failed"
	EventExplainerLoaded EventType = "explainer_loaded"
	EventExplainerFailed EventType = "explainer_failed"
	EventSubjectEvicted  EventType = "subject_evicted"
	EventCacheCleared    EventType = "cache_cleared"
)

// Event describes a registry lifecycle change.
type Event struct {
	Type     EventType     `json:"type"`
	Subject  string        `json:"subject,omitempty"`
	Version  string        `json:"version,omitempty"`
	Format   string        `json:"format,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// Listener receives registry events. OnEvent is called synchronously from
// the loading goroutine and must not call back into the registry.
type Listener interface {
	OnEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }
