// Package pipeline runs the detection workers and holds their latest result.
package pipeline

import (
	"slices"
	"sync"
	"time"

	"github.com/Tutortoise/timberline/models"
)

// Snapshot is the complete output of one worker cycle.
type Snapshot struct {
	Detections  []models.Detection `json:"detections"`
	FrameSeq    uint64             `json:"frame_seq"`
	FrameWidth  int                `json:"frame_width"`
	FrameHeight int                `json:"frame_height"`
	WorkerID    int                `json:"worker_id"`
	PublishedAt time.Time          `json:"published_at"`
}

// Empty reports whether the snapshot carries any detections.
func (s Snapshot) Empty() bool {
	return len(s.Detections) == 0
}

func (s Snapshot) clone() Snapshot {
	s.Detections = slices.Clone(s.Detections)
	if s.Detections == nil {
		s.Detections = []models.Detection{}
	}
	return s
}

// Set holds the most recently published Snapshot. A publish replaces the
// whole snapshot; readers never see a mix of two publishes.
type Set struct {
	mu       sync.Mutex
	current  Snapshot
	version  uint64
	hasValue bool
}

func NewSet() *Set {
	return &Set{current: Snapshot{Detections: []models.Detection{}}}
}

// Publish replaces the held snapshot with a copy of s and returns the new
// version. Last write wins regardless of frame sequence.
func (s *Set) Publish(snap Snapshot) uint64 {
	snap = snap.clone()
	if snap.PublishedAt.IsZero() {
		snap.PublishedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = snap
	s.version++
	s.hasValue = true
	return s.version
}

// Latest returns a deep copy of the held snapshot. ok is false until the
// first publish.
func (s *Set) Latest() (snap Snapshot, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone(), s.hasValue
}

// Version returns the number of publishes so far.
func (s *Set) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}
