package actuator

import (
	"image/color"
)

// PixelSensor reports whether the interaction-available icon is on screen.
type PixelSensor interface {
	Signal() bool
}

// PixelReader reads one pixel of the latest frame. capture.Buffer
// implements it.
type PixelReader interface {
	At(x, y int) (color.NRGBA, uint64, bool)
}

// FrameSensor compares a fixed pixel of the latest frame with the icon
// color. Each channel may differ by at most Tolerance.
type FrameSensor struct {
	frames    PixelReader
	x, y      int
	want      color.NRGBA
	tolerance int
}

// NewFrameSensor builds a sensor from an RGB triple.
func NewFrameSensor(frames PixelReader, x, y int, rgb []int, tolerance int) *FrameSensor {
	want := color.NRGBA{A: 255}
	if len(rgb) == 3 {
		want.R, want.G, want.B = clamp8(rgb[0]), clamp8(rgb[1]), clamp8(rgb[2])
	}
	return &FrameSensor{frames: frames, x: x, y: y, want: want, tolerance: tolerance}
}

func (s *FrameSensor) Signal() bool {
	px, _, ok := s.frames.At(s.x, s.y)
	if !ok {
		return false
	}
	return near(px.R, s.want.R, s.tolerance) &&
		near(px.G, s.want.G, s.tolerance) &&
		near(px.B, s.want.B, s.tolerance)
}

func near(a, b uint8, tol int) bool {
	d := int(a) - int(b)
	if d < 0 {
		d = -d
	}
	return d <= tol
}

func clamp8(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}
