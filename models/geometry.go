package models

import (
	"image"
	"math"
)

// IoU returns intersection over union of two boxes. Boxes with zero union
// are treated as non-overlapping.
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	interArea := float64(inter.Dx() * inter.Dy())
	union := area(a) + area(b) - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}

func area(r image.Rectangle) float64 {
	if r.Empty() {
		return 0
	}
	return float64(r.Dx() * r.Dy())
}

// CenterDistance is the euclidean distance between the centers of two boxes.
func CenterDistance(a, b image.Rectangle) float64 {
	ax := float64(a.Min.X+a.Max.X) / 2
	ay := float64(a.Min.Y+a.Max.Y) / 2
	bx := float64(b.Min.X+b.Max.X) / 2
	by := float64(b.Min.Y+b.Max.Y) / 2
	return math.Hypot(ax-bx, ay-by)
}
