package detections

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/Tutortoise/timberline/models"
)

// MergerOptions configures box merging.
type MergerOptions struct {
	ConfThreshold float64
	IoUThreshold  float64
	// ClassAware limits suppression to boxes of the same class.
	ClassAware bool
	// Labels maps class ids to names.
	Labels []string
}

// Merger turns raw tensors into a confidence-filtered, IoU-suppressed
// list of detections. It holds no state and is safe for concurrent use.
type Merger struct {
	opts MergerOptions
}

func NewMerger(opts MergerOptions) *Merger {
	if opts.IoUThreshold <= 0 {
		opts.IoUThreshold = DefaultIoUThreshold
	}
	return &Merger{opts: opts}
}

// candidate is an anchor that passed the confidence filter, in model space.
type candidate struct {
	left, top, width, height float64
	conf                     float32
	classID                  int
}

// Merge decodes raw, filters by confidence, runs NMS and maps the surviving
// boxes to source resolution. The result is ordered by confidence, highest first.
func (m *Merger) Merge(raw *RawOutput) ([]models.Detection, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}

	cands := m.decode(raw)
	if len(cands) == 0 {
		return []models.Detection{}, nil
	}

	keep := suppress(len(cands),
		func(i int) float32 { return cands[i].conf },
		func(i, j int) float64 { return candidateIoU(cands[i], cands[j]) },
		func(i, j int) bool { return !m.opts.ClassAware || cands[i].classID == cands[j].classID },
		m.opts.IoUThreshold,
	)

	rw, rh := raw.ratios()
	bounds := image.Rect(0, 0, raw.SourceWidth, raw.SourceHeight)

	out := make([]models.Detection, 0, len(keep))
	for _, i := range keep {
		c := cands[i]
		box := image.Rect(
			int(math.Round(c.left*rw)),
			int(math.Round(c.top*rh)),
			int(math.Round((c.left+c.width)*rw)),
			int(math.Round((c.top+c.height)*rh)),
		).Intersect(bounds)
		if box.Empty() {
			continue
		}
		out = append(out, models.Detection{
			Label:      m.label(c.classID),
			ClassID:    c.classID,
			Confidence: c.conf,
			BBox:       box,
		})
	}
	return out, nil
}

func (m *Merger) decode(raw *RawOutput) []candidate {
	threshold := float32(m.opts.ConfThreshold)
	classes := raw.Classes()
	size := float64(raw.InputSize)

	cands := make([]candidate, 0, 64)
	for i := 0; i < raw.Anchors; i++ {
		classID, conf := -1, float32(0)
		for k := 0; k < classes; k++ {
			s := raw.at(4+k, i)
			if !finite(float64(s)) {
				continue
			}
			if classID < 0 || s > conf {
				conf = s
				classID = k
			}
		}
		if classID < 0 || conf < threshold {
			continue
		}

		cx := float64(raw.at(0, i))
		cy := float64(raw.at(1, i))
		w := float64(raw.at(2, i))
		h := float64(raw.at(3, i))
		if !finite(cx) || !finite(cy) || !finite(w) || !finite(h) {
			continue
		}

		if raw.Coords == CoordsNormalized || (raw.Coords == CoordsAuto && looksNormalized(cx, cy, w, h)) {
			cx, cy, w, h = cx*size, cy*size, w*size, h*size
		}

		cands = append(cands, candidate{
			left:    cx - w/2,
			top:     cy - h/2,
			width:   w,
			height:  h,
			conf:    conf,
			classID: classID,
		})
	}
	return cands
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func looksNormalized(vals ...float64) bool {
	for _, v := range vals {
		if v > autoNormalizedLimit {
			return false
		}
	}
	return true
}

func (m *Merger) label(classID int) string {
	if classID >= 0 && classID < len(m.opts.Labels) {
		return m.opts.Labels[classID]
	}
	return fmt.Sprintf("class_%d", classID)
}

// Suppress runs greedy NMS over already-merged detections. Output is sorted
// by confidence; pairs above iouThreshold keep only the more confident box.
// Applying Suppress to its own output returns the same list.
func Suppress(dets []models.Detection, iouThreshold float64, classAware bool) []models.Detection {
	keep := suppress(len(dets),
		func(i int) float32 { return dets[i].Confidence },
		func(i, j int) float64 { return models.IoU(dets[i].BBox, dets[j].BBox) },
		func(i, j int) bool { return !classAware || dets[i].Label == dets[j].Label },
		iouThreshold,
	)
	out := make([]models.Detection, len(keep))
	for n, i := range keep {
		out[n] = dets[i]
	}
	return out
}

// suppress returns the indices kept by greedy NMS, highest confidence first.
// Ties keep input order.
func suppress(n int, conf func(int) float32, iou func(i, j int) float64, sameGroup func(i, j int) bool, threshold float64) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return conf(order[a]) > conf(order[b])
	})

	suppressed := make([]bool, n)
	keep := make([]int, 0, n)
	for a, i := range order {
		if suppressed[a] {
			continue
		}
		keep = append(keep, i)
		for b := a + 1; b < n; b++ {
			if suppressed[b] {
				continue
			}
			j := order[b]
			if sameGroup(i, j) && iou(i, j) > threshold {
				suppressed[b] = true
			}
		}
	}
	return keep
}

func candidateIoU(a, b candidate) float64 {
	ix1 := math.Max(a.left, b.left)
	iy1 := math.Max(a.top, b.top)
	ix2 := math.Min(a.left+a.width, b.left+b.width)
	iy2 := math.Min(a.top+a.height, b.top+b.height)
	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}
	inter := (ix2 - ix1) * (iy2 - iy1)
	union := a.width*a.height + b.width*b.height - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
