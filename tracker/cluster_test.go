package tracker

import (
	"image"
	"testing"

	"github.com/Tutortoise/timberline/models"
)

func TestGroves(t *testing.T) {
	dets := []models.Detection{
		det("tree", 0.9, 100, 100, 160, 300),
		det("trunk", 0.8, 110, 120, 170, 320),
		det("tree", 0.7, 1500, 100, 1560, 300),
		det("tree", 0.6, 120, 110, 180, 310),
	}

	groves := Groves(dets)
	if len(groves) != 2 {
		t.Fatalf("Groves() = %d groves, want 2: %+v", len(groves), groves)
	}

	big := groves[0]
	if len(big.Members) != 3 {
		t.Errorf("largest grove has %d members, want 3", len(big.Members))
	}
	if want := image.Rect(100, 100, 180, 320); big.Bounds != want {
		t.Errorf("bounds = %v, want %v", big.Bounds, want)
	}
	if len(big.Labels) != 2 {
		t.Errorf("labels = %v, want tree and trunk", big.Labels)
	}

	lone := groves[1]
	if len(lone.Members) != 1 || lone.Members[0] != 2 || lone.Bounds != dets[2].BBox {
		t.Errorf("isolated grove = %+v", lone)
	}
}

func TestGroves_Empty(t *testing.T) {
	if g := Groves(nil); g != nil {
		t.Errorf("Groves(nil) = %v, want nil", g)
	}
}

func TestGroves_SingleDetection(t *testing.T) {
	g := Groves([]models.Detection{det("tree", 0.9, 0, 0, 10, 10)})
	if len(g) != 1 || len(g[0].Members) != 1 {
		t.Errorf("Groves() = %+v", g)
	}
}
