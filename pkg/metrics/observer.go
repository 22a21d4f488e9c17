// Package metrics emits counter-style events for session and relay
// activity. Observers are composable; the zero-cost NoopObserver is the
// default everywhere.
package metrics

import "time"

// Event names recorded by the relay and the session machine.
const (
	EventSessionOpened   = "session_opened"
	EventSessionRejected = "session_rejected"
	EventSessionFinished = "session_finished"
	EventHandshakeFailed = "upstream_handshake_failed"
	EventFrameForwarded  = "frame_forwarded"
	EventTurnCompleted   = "turn_completed"
	EventTurnAbandoned   = "turn_abandoned"
	EventTranslateFailed = "translate_failed"
	EventBreakerDenied   = "breaker_denied"
	EventRateLimit       = "rate_limit"
)

type Event struct {
	Name  string
	Time  time.Time
	Value float64
	Tags  map[string]string
}

// New builds a unit-count event stamped now.
func New(name string) Event {
	return Event{Name: name, Time: time.Now(), Value: 1}
}

// WithTag returns a copy of the event carrying one extra tag.
func (e Event) WithTag(key, value string) Event {
	tags := make(map[string]string, len(e.Tags)+1)
	for k, v := range e.Tags {
		tags[k] = v
	}
	tags[key] = value
	e.Tags = tags
	return e
}

type Observer interface {
	Record(ev Event)
}

type NoopObserver struct{}

func (NoopObserver) Record(Event) {}

// OrNoop normalizes a possibly-nil observer.
func OrNoop(obs Observer) Observer {
	if obs == nil {
		return NoopObserver{}
	}
	return obs
}
