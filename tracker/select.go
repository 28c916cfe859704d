package tracker

import (
	"image"
	"math"

	"github.com/Tutortoise/timberline/models"
)

// SelectTarget picks the detection to pursue. Classes are tried in priority
// order; the first class with a valid candidate wins. Within a class,
// candidates centered inside the center zone are preferred, and the highest
// score is chosen with ties going to the earlier detection. Candidates that
// score NaN are never chosen.
func SelectTarget(dets []models.Detection, frame image.Point, opts SelectOptions) (models.Detection, bool) {
	for _, label := range opts.Priority {
		candidates := validCandidates(dets, label, frame.X, opts)
		if len(candidates) == 0 {
			continue
		}

		if zoned := inCenterZone(candidates, frame.X, opts); len(zoned) > 0 {
			candidates = zoned
		}

		weights := opts.weightsFor(label)
		best, bestScore := -1, math.Inf(-1)
		for i, d := range candidates {
			s := Score(d, frame, weights.Confidence, weights.Width, weights.Centrality)
			if math.IsNaN(s) {
				continue
			}
			if best < 0 || s > bestScore {
				best, bestScore = i, s
			}
		}
		if best < 0 {
			continue
		}
		return candidates[best], true
	}
	return models.Detection{}, false
}

// validCandidates returns detections of label that pass the width filters.
func validCandidates(dets []models.Detection, label string, frameWidth int, opts SelectOptions) []models.Detection {
	var out []models.Detection
	maxFrac := opts.MaxWidthFraction[label]
	for _, d := range dets {
		if d.Label != label {
			continue
		}
		w := d.Width()
		if w < opts.MinTargetWidth {
			continue
		}
		if maxFrac > 0 && frameWidth > 0 && float64(w) > maxFrac*float64(frameWidth) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func inCenterZone(dets []models.Detection, frameWidth int, opts SelectOptions) []models.Detection {
	left := opts.CenterZoneLeft * float64(frameWidth)
	right := opts.CenterZoneRight * float64(frameWidth)

	var out []models.Detection
	for _, d := range dets {
		if cx := d.CenterX(); cx >= left && cx <= right {
			out = append(out, d)
		}
	}
	return out
}

// Score is wConf*confidence + wWidth*width + wCentral/(1+d), where d is the
// distance from the box center to the frame center.
func Score(d models.Detection, frame image.Point, wConf, wWidth, wCentral float64) float64 {
	dx := d.CenterX() - float64(frame.X)/2
	dy := d.CenterY() - float64(frame.Y)/2
	dist := math.Hypot(dx, dy)
	return wConf*float64(d.Confidence) + wWidth*float64(d.Width()) + wCentral/(1+dist)
}
