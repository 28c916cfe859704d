package console

import (
	"fmt"
	"time"

	"github.com/Tutortoise/timberline/event"
)

const (
	MsgTargetAcquired = "Locked onto a %s (%.0f%% confidence)."
	MsgTargetUpdated  = "Still on the %s, box moved to %v."
	MsgTargetLost     = "Lost sight of the %s. Looking for another target."
	MsgTargetTimeout  = "Gave up on the %s after the tracking time limit."

	MsgRotate = "Turning %s by %.0f px to center the target (%.0f px off)."

	MsgInteractionStarted  = "Target centered. Walking up to the %s."
	MsgInteractionSignal   = "Reached the %s and interacted in %s."
	MsgInteractionNoSignal = "No interaction prompt after %s. Interacted with the %s anyway."

	MsgPipelinePaused  = "Paused via %s. Capture, detection and tracking are on hold."
	MsgPipelineResumed = "Resumed via %s."
	MsgUnknownEvent    = "%s"
)

// Message returns the human readable line for an event.
func Message(ev event.Event) string {
	switch e := ev.(type) {
	case event.TargetEvent:
		switch e.EventType() {
		case event.TypeTargetAcquired:
			return fmt.Sprintf(MsgTargetAcquired, e.Target.Label, e.Target.Confidence*100)
		case event.TypeTargetUpdated:
			return fmt.Sprintf(MsgTargetUpdated, e.Target.Label, e.Target.BBox)
		case event.TypeTargetLost:
			return fmt.Sprintf(MsgTargetLost, e.Target.Label)
		case event.TypeTargetTimeout:
			return fmt.Sprintf(MsgTargetTimeout, e.Target.Label)
		}
	case event.RotateEvent:
		return fmt.Sprintf(MsgRotate, e.Direction, e.Magnitude, e.Deviation)
	case event.InteractionEvent:
		if e.EventType() == event.TypeInteractionStarted {
			return fmt.Sprintf(MsgInteractionStarted, e.Target.Label)
		}
		if e.SignalObserved {
			return fmt.Sprintf(MsgInteractionSignal, e.Target.Label, e.Duration.Round(10 * time.Millisecond))
		}
		return fmt.Sprintf(MsgInteractionNoSignal, e.Duration.Round(10 * time.Millisecond), e.Target.Label)
	case event.PauseEvent:
		if e.EventType() == event.TypePipelinePaused {
			return fmt.Sprintf(MsgPipelinePaused, e.Source)
		}
		return fmt.Sprintf(MsgPipelineResumed, e.Source)
	}
	return fmt.Sprintf(MsgUnknownEvent, ev.EventType())
}
