package tracker

import (
	"time"

	"github.com/Tutortoise/timberline/config"
)

// Options is the tracker configuration in runtime units.
type Options struct {
	Selection SelectOptions

	RotationThreshold float64
	RotationScale     float64
	RotationJitter    float64

	PersistenceIoU  float64
	SoftLock        time.Duration
	MaxTrackingTime time.Duration
	TickInterval    time.Duration
	PausedPoll      time.Duration

	MaxWalkTime time.Duration
	Cooldown    time.Duration

	// FrameWidth and FrameHeight are used when a snapshot does not carry
	// the frame size.
	FrameWidth  int
	FrameHeight int
}

// SelectOptions controls target selection.
type SelectOptions struct {
	Priority         []string
	CenterZoneLeft   float64
	CenterZoneRight  float64
	MinTargetWidth   int
	MaxWidthFraction map[string]float64
	Weights          map[string]config.ScoreWeights
}

func (o SelectOptions) weightsFor(label string) config.ScoreWeights {
	if w, ok := o.Weights[label]; ok {
		return w
	}
	return o.Weights["default"]
}

// NewOptions converts the loaded configuration.
func NewOptions(cfg *config.Config) Options {
	tc := cfg.Tracker
	return Options{
		Selection: SelectOptions{
			Priority:         tc.Priority,
			CenterZoneLeft:   tc.CenterZoneLeft,
			CenterZoneRight:  tc.CenterZoneRight,
			MinTargetWidth:   tc.MinTargetWidth,
			MaxWidthFraction: tc.MaxWidthFraction,
			Weights:          tc.Weights,
		},
		RotationThreshold: tc.RotationThreshold,
		RotationScale:     tc.RotationScale,
		RotationJitter:    tc.RotationJitter,
		PersistenceIoU:    tc.PersistenceIoU,
		SoftLock:          tc.SoftLock(),
		MaxTrackingTime:   tc.MaxTrackingTime(),
		TickInterval:      tc.TickInterval(),
		PausedPoll:        cfg.Pipeline.Paused(),
		MaxWalkTime:       cfg.Interaction.MaxWalkTime(),
		Cooldown:          cfg.Interaction.Cooldown(),
		FrameWidth:        cfg.Capture.MonitorWidth,
		FrameHeight:       cfg.Capture.MonitorHeight,
	}
}
