package tracker

import (
	"image"
	"math"
	"slices"

	"github.com/Tutortoise/timberline/models"
)

// DefaultGroveRadius is the minimum neighbourhood radius in pixels.
const DefaultGroveRadius = 50.0

// Grove is a group of nearby detections and the box enclosing them.
type Grove struct {
	Bounds  image.Rectangle `json:"bounds"`
	Members []int           `json:"members"`
	Labels  []string        `json:"labels"`
}

// Groves groups detections whose centers lie within half the median box
// size (at least DefaultGroveRadius/2) of each other, using DBSCAN. A
// detection with no neighbour forms its own grove. Groves are returned
// largest first, ties in order of their first member.
func Groves(dets []models.Detection) []Grove {
	if len(dets) == 0 {
		return nil
	}

	eps := math.Max(medianSize(dets), DefaultGroveRadius) * 0.5
	minPoints := 1
	if len(dets) > 3 {
		minPoints = 2
	}

	labels := dbscan(dets, eps, minPoints)

	byCluster := make(map[int]*Grove)
	var groves []*Grove
	for i, c := range labels {
		g, ok := byCluster[c]
		if !ok || c == noise {
			g = &Grove{Bounds: dets[i].BBox}
			groves = append(groves, g)
			if c != noise {
				byCluster[c] = g
			}
		}
		g.Bounds = g.Bounds.Union(dets[i].BBox)
		g.Members = append(g.Members, i)
		if !slices.Contains(g.Labels, dets[i].Label) {
			g.Labels = append(g.Labels, dets[i].Label)
		}
	}

	out := make([]Grove, len(groves))
	for i, g := range groves {
		out[i] = *g
	}
	slices.SortStableFunc(out, func(a, b Grove) int {
		return len(b.Members) - len(a.Members)
	})
	return out
}

func medianSize(dets []models.Detection) float64 {
	sizes := make([]float64, len(dets))
	for i, d := range dets {
		sizes[i] = math.Sqrt(float64(d.BBox.Dx() * d.BBox.Dy()))
	}
	slices.Sort(sizes)
	return sizes[len(sizes)/2]
}

const noise = -1

func dbscan(dets []models.Detection, eps float64, minPoints int) []int {
	clusters := make([]int, len(dets))
	for i := range clusters {
		clusters[i] = noise
	}

	current := 0
	for i := range dets {
		if clusters[i] != noise {
			continue
		}
		neighbors := neighborsOf(dets, i, eps)
		if len(neighbors) < minPoints {
			continue
		}
		clusters[i] = current
		for k := 0; k < len(neighbors); k++ {
			j := neighbors[k]
			if clusters[j] != noise {
				continue
			}
			clusters[j] = current
			if more := neighborsOf(dets, j, eps); len(more) >= minPoints {
				neighbors = append(neighbors, more...)
			}
		}
		current++
	}
	return clusters
}

func neighborsOf(dets []models.Detection, i int, eps float64) []int {
	var out []int
	for j := range dets {
		if models.CenterDistance(dets[i].BBox, dets[j].BBox) <= eps {
			out = append(out, j)
		}
	}
	return out
}
