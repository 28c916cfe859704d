package models

import (
	"image"
	"time"
)

// Frame is one captured screen image. The buffer assigns Seq on publish;
// a Frame is never modified after that.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Image      *image.NRGBA
}

func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// Detection is a single merged box in source pixel coordinates.
type Detection struct {
	Label      string          `json:"label" msgpack:"label"`
	ClassID    int             `json:"class_id" msgpack:"class_id"`
	Confidence float32         `json:"confidence" msgpack:"confidence"`
	BBox       image.Rectangle `json:"bbox" msgpack:"bbox"`
}

// CenterX returns the horizontal center of the box.
func (d Detection) CenterX() float64 {
	return float64(d.BBox.Min.X+d.BBox.Max.X) / 2
}

// CenterY returns the vertical center of the box.
func (d Detection) CenterY() float64 {
	return float64(d.BBox.Min.Y+d.BBox.Max.Y) / 2
}

func (d Detection) Width() int {
	return d.BBox.Dx()
}

// Direction is the sense of a camera rotation.
type Direction int

const (
	Left Direction = iota
	Right
)

func (d Direction) String() string {
	if d == Right {
		return "right"
	}
	return "left"
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ProcessingTimings records where a single worker cycle spent its time.
type ProcessingTimings struct {
	FrameSeq    uint64
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
