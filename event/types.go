// Package event defines the status events emitted by the tracking loop and
// the bus that carries them to loggers, the MQTT emitter and the console.
package event

import (
	"time"

	"github.com/Tutortoise/timberline/models"
)

// Event is the interface that all events implement.
type Event interface {
	// EventType returns "category.action", e.g. "target.acquired".
	EventType() string
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeTargetAcquired       = "target.acquired"
	TypeTargetUpdated        = "target.updated"
	TypeTargetLost           = "target.lost"
	TypeTargetTimeout        = "target.timeout"
	TypeRotate               = "tracker.rotate"
	TypeInteractionStarted   = "interaction.started"
	TypeInteractionCompleted = "interaction.completed"
	TypePipelinePaused       = "pipeline.paused"
	TypePipelineResumed      = "pipeline.resumed"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string, at time.Time) baseEvent {
	if at.IsZero() {
		at = time.Now()
	}
	return baseEvent{eventType: eventType, timestamp: at}
}

// -----------------------------------------------------------------------------
// Target lifecycle
// -----------------------------------------------------------------------------

// TargetEvent reports an acquisition, an update, a loss or a timeout.
type TargetEvent struct {
	baseEvent
	SessionID string           `json:"session_id"`
	Target    models.Detection `json:"target"`
	Reason    string           `json:"reason"` // "selected", "iou", "recovered", "no_candidate", "max_tracking_time"
}

func NewTargetAcquiredEvent(at time.Time, sessionID string, target models.Detection) TargetEvent {
	return TargetEvent{baseEvent: newBaseEvent(TypeTargetAcquired, at), SessionID: sessionID, Target: target, Reason: "selected"}
}

func NewTargetUpdatedEvent(at time.Time, sessionID string, target models.Detection, reason string) TargetEvent {
	return TargetEvent{baseEvent: newBaseEvent(TypeTargetUpdated, at), SessionID: sessionID, Target: target, Reason: reason}
}

func NewTargetLostEvent(at time.Time, sessionID string, target models.Detection) TargetEvent {
	return TargetEvent{baseEvent: newBaseEvent(TypeTargetLost, at), SessionID: sessionID, Target: target, Reason: "no_candidate"}
}

func NewTargetTimeoutEvent(at time.Time, sessionID string, target models.Detection) TargetEvent {
	return TargetEvent{baseEvent: newBaseEvent(TypeTargetTimeout, at), SessionID: sessionID, Target: target, Reason: "max_tracking_time"}
}

// RotateEvent is emitted for every rotation command.
type RotateEvent struct {
	baseEvent
	SessionID string           `json:"session_id"`
	Direction models.Direction `json:"direction"`
	Magnitude float64          `json:"magnitude"`
	Deviation float64          `json:"deviation"`
}

func NewRotateEvent(at time.Time, sessionID string, dir models.Direction, magnitude, deviation float64) RotateEvent {
	return RotateEvent{
		baseEvent: newBaseEvent(TypeRotate, at),
		SessionID: sessionID,
		Direction: dir,
		Magnitude: magnitude,
		Deviation: deviation,
	}
}

// -----------------------------------------------------------------------------
// Interaction
// -----------------------------------------------------------------------------

// InteractionEvent brackets the blocking approach-and-use sequence.
type InteractionEvent struct {
	baseEvent
	SessionID      string           `json:"session_id"`
	Target         models.Detection `json:"target"`
	SignalObserved bool             `json:"signal_observed"`
	Duration       time.Duration    `json:"duration_ns"`
}

func NewInteractionStartedEvent(at time.Time, sessionID string, target models.Detection) InteractionEvent {
	return InteractionEvent{baseEvent: newBaseEvent(TypeInteractionStarted, at), SessionID: sessionID, Target: target}
}

func NewInteractionCompletedEvent(at time.Time, sessionID string, target models.Detection, signal bool, d time.Duration) InteractionEvent {
	return InteractionEvent{
		baseEvent:      newBaseEvent(TypeInteractionCompleted, at),
		SessionID:      sessionID,
		Target:         target,
		SignalObserved: signal,
		Duration:       d,
	}
}

// -----------------------------------------------------------------------------
// Pipeline
// -----------------------------------------------------------------------------

// PauseEvent is emitted when the shared pause flag flips.
type PauseEvent struct {
	baseEvent
	Source string `json:"source"` // http, mqtt, signal or flag
}

func NewPauseEvent(paused bool, source string) PauseEvent {
	t := TypePipelineResumed
	if paused {
		t = TypePipelinePaused
	}
	return PauseEvent{baseEvent: newBaseEvent(t, time.Time{}), Source: source}
}
