package detections

import (
	"fmt"

	"github.com/Tutortoise/timberline/models"
)

// Layout is the memory order of a raw output tensor.
type Layout int

const (
	// ChannelsFirst stores channel k of anchor i at k*Anchors+i (YOLOv8 [1, C, N]).
	ChannelsFirst Layout = iota
	// AnchorsFirst stores channel k of anchor i at i*Channels+k ([1, N, C]).
	AnchorsFirst
)

func (l Layout) String() string {
	if l == AnchorsFirst {
		return "anchors_first"
	}
	return "channels_first"
}

// ParseLayout converts a config value into a Layout.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "", "channels_first":
		return ChannelsFirst, nil
	case "anchors_first":
		return AnchorsFirst, nil
	}
	return ChannelsFirst, fmt.Errorf("unknown layout %q", s)
}

// Coords declares the scale of the box channels.
type Coords int

const (
	// CoordsPixels means cx, cy, w, h are in model input pixels.
	CoordsPixels Coords = iota
	// CoordsNormalized means cx, cy, w, h are fractions of the model input size.
	CoordsNormalized
	// CoordsAuto infers the scale per anchor from magnitude. Opt-in only.
	CoordsAuto
)

func (c Coords) String() string {
	switch c {
	case CoordsNormalized:
		return "normalized"
	case CoordsAuto:
		return "auto"
	}
	return "pixels"
}

// ParseCoords converts a config value into Coords.
func ParseCoords(s string) (Coords, error) {
	switch s {
	case "", "pixels":
		return CoordsPixels, nil
	case "normalized":
		return CoordsNormalized, nil
	case "auto":
		return CoordsAuto, nil
	}
	return CoordsPixels, fmt.Errorf("unknown coords %q", s)
}

// RawOutput is a detector's tensor for one frame. Channels 0-3 hold cx, cy,
// w, h; the remaining Channels-4 hold one score per class.
type RawOutput struct {
	Data     []float32
	Channels int
	Anchors  int
	Layout   Layout
	Coords   Coords

	// InputSize is the square model input edge.
	InputSize int
	// SourceWidth and SourceHeight are the frame dimensions boxes are mapped back to.
	SourceWidth  int
	SourceHeight int
	// RatioW and RatioH are source pixels per model pixel. Zero means
	// SourceWidth/InputSize and SourceHeight/InputSize.
	RatioW float64
	RatioH float64

	FrameSeq uint64
	Timings  models.ProcessingTimings
}

// Classes is the number of score channels.
func (r *RawOutput) Classes() int {
	return r.Channels - 4
}

func (r *RawOutput) at(channel, anchor int) float32 {
	if r.Layout == AnchorsFirst {
		return r.Data[anchor*r.Channels+channel]
	}
	return r.Data[channel*r.Anchors+anchor]
}

func (r *RawOutput) ratios() (float64, float64) {
	rw, rh := r.RatioW, r.RatioH
	if rw <= 0 && r.InputSize > 0 {
		rw = float64(r.SourceWidth) / float64(r.InputSize)
	}
	if rh <= 0 && r.InputSize > 0 {
		rh = float64(r.SourceHeight) / float64(r.InputSize)
	}
	return rw, rh
}

// Validate checks that the tensor matches its declared shape.
func (r *RawOutput) Validate() error {
	if r == nil {
		return &ProcessingError{Message: "nil raw output"}
	}
	if r.Channels < 5 {
		return &ProcessingError{Message: fmt.Sprintf("need at least 5 channels, got %d", r.Channels)}
	}
	if r.Anchors < 0 || len(r.Data) != r.Channels*r.Anchors {
		return &ProcessingError{
			Message: fmt.Sprintf("unexpected predictions length: got %d, want %d", len(r.Data), r.Channels*r.Anchors),
		}
	}
	if r.SourceWidth <= 0 || r.SourceHeight <= 0 {
		return &ProcessingError{Message: fmt.Sprintf("invalid source size %dx%d", r.SourceWidth, r.SourceHeight)}
	}
	if r.Coords != CoordsPixels && r.InputSize <= 0 {
		return &ProcessingError{Message: "normalized coordinates need an input size"}
	}
	if (r.RatioW <= 0 || r.RatioH <= 0) && r.InputSize <= 0 {
		return &ProcessingError{Message: "no input size or ratios to map boxes back to the source"}
	}
	return nil
}
