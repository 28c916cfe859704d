package models

import (
	"image"
	"math"
	"testing"
)

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b image.Rectangle
		want float64
	}{
		{"identical", image.Rect(0, 0, 10, 10), image.Rect(0, 0, 10, 10), 1},
		{"disjoint", image.Rect(0, 0, 10, 10), image.Rect(20, 20, 30, 30), 0},
		{"touching edge", image.Rect(0, 0, 10, 10), image.Rect(10, 0, 20, 10), 0},
		{"half overlap", image.Rect(0, 0, 10, 10), image.Rect(5, 0, 15, 10), 50.0 / 150.0},
		{"contained", image.Rect(0, 0, 10, 10), image.Rect(0, 0, 5, 10), 0.5},
		{"degenerate", image.Rect(0, 0, 0, 0), image.Rect(0, 0, 0, 0), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IoU(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("IoU(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			if rev := IoU(tt.b, tt.a); math.Abs(rev-got) > 1e-9 {
				t.Errorf("IoU is not symmetric: %v vs %v", got, rev)
			}
		})
	}
}

func TestCenterDistance(t *testing.T) {
	got := CenterDistance(image.Rect(0, 0, 10, 10), image.Rect(30, 40, 40, 50))
	if math.Abs(got-50) > 1e-9 {
		t.Errorf("CenterDistance = %v, want 50", got)
	}
}

func TestDetectionCenter(t *testing.T) {
	d := Detection{BBox: image.Rect(100, 200, 300, 400)}
	if d.CenterX() != 200 || d.CenterY() != 300 {
		t.Errorf("center = (%v, %v), want (200, 300)", d.CenterX(), d.CenterY())
	}
	if d.Width() != 200 {
		t.Errorf("Width() = %d, want 200", d.Width())
	}
}

func TestFrameSize(t *testing.T) {
	var f *Frame
	if f.Width() != 0 || f.Height() != 0 {
		t.Error("nil frame should report zero size")
	}
	f = &Frame{Image: image.NewNRGBA(image.Rect(0, 0, 64, 32))}
	if f.Width() != 64 || f.Height() != 32 {
		t.Errorf("size = %dx%d, want 64x32", f.Width(), f.Height())
	}
}
