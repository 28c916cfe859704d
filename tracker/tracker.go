// Package tracker implements the target selection and tracking state
// machine: Idle -> Tracking -> Interacting -> Idle.
package tracker

import (
	"context"
	"image"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/timberline/event"
	"github.com/Tutortoise/timberline/logging"
	"github.com/Tutortoise/timberline/models"
	"github.com/Tutortoise/timberline/pipeline"

	"github.com/google/uuid"
)

// State is the controller phase.
type State int

const (
	Idle State = iota
	Tracking
	Interacting
)

func (s State) String() string {
	switch s {
	case Tracking:
		return "tracking"
	case Interacting:
		return "interacting"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Actuator executes the movement primitives. Rotate and Interact are fire
// and forget; MoveForward blocks until the interaction signal is observed,
// the limit elapses or ctx is done, and reports whether the signal was seen.
type Actuator interface {
	Rotate(dir models.Direction, magnitude float64)
	MoveForward(ctx context.Context, limit time.Duration) bool
	Interact()
}

// DetectionSource is the read side of the detection set.
type DetectionSource interface {
	Latest() (pipeline.Snapshot, bool)
}

// Target is the tracked detection plus its tracking metadata.
type Target struct {
	models.Detection
	AcquiredAt     time.Time `json:"acquired_at"`
	LastVerifiedAt time.Time `json:"last_verified_at"`
	State          State     `json:"state"`
}

// Rotation is the last rotation command issued.
type Rotation struct {
	Direction models.Direction `json:"direction"`
	Magnitude float64          `json:"magnitude"`
	Deviation float64          `json:"deviation"`
	At        time.Time        `json:"at"`
}

// Counters are cumulative tracker outcomes.
type Counters struct {
	Ticks        uint64 `json:"ticks"`
	Acquisitions uint64 `json:"acquisitions"`
	Rotations    uint64 `json:"rotations"`
	Interactions uint64 `json:"interactions"`
	Signals      uint64 `json:"signals"`
	Losses       uint64 `json:"losses"`
	Timeouts     uint64 `json:"timeouts"`
}

// Session is a copy of the tracker state safe to hand to other goroutines.
type Session struct {
	ID           string    `json:"id,omitempty"`
	State        State     `json:"state"`
	Target       *Target   `json:"target,omitempty"`
	LastRotation *Rotation `json:"last_rotation,omitempty"`
	Deadline     time.Time `json:"deadline,omitempty"`
	Counters     Counters  `json:"counters"`
}

// Tracker owns the target state. Tick and Run must be called from a single
// goroutine; Session may be called from any.
type Tracker struct {
	opts     Options
	source   DetectionSource
	actuator Actuator
	bus      *event.Bus
	paused   *atomic.Bool
	logger   *logging.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool
	jitter func() float64
	newID  func() string

	state        State
	target       *Target
	sessionID    string
	lastRotation *Rotation
	counters     Counters

	mu       sync.RWMutex
	snapshot Session
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithSleep replaces the context-aware sleep used for cooldown and ticks.
func WithSleep(sleep func(ctx context.Context, d time.Duration) bool) Option {
	return func(t *Tracker) { t.sleep = sleep }
}

// WithJitter replaces the rotation jitter source; f returns a value in [-1, 1].
func WithJitter(f func() float64) Option {
	return func(t *Tracker) { t.jitter = f }
}

// WithPause sets the shared pause flag checked by Run.
func WithPause(paused *atomic.Bool) Option {
	return func(t *Tracker) { t.paused = paused }
}

// WithBus publishes state changes on bus.
func WithBus(bus *event.Bus) Option {
	return func(t *Tracker) { t.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

func New(source DetectionSource, actuator Actuator, opts Options, options ...Option) *Tracker {
	t := &Tracker{
		opts:     opts,
		source:   source,
		actuator: actuator,
		now:      time.Now,
		sleep:    sleepCtx,
		jitter:   func() float64 { return rand.Float64()*2 - 1 },
		newID:    uuid.NewString,
		logger:   logging.NopLogger(),
	}
	for _, o := range options {
		o(t)
	}
	if t.paused == nil {
		t.paused = &atomic.Bool{}
	}
	t.logger = t.logger.WithComponent("tracker")
	t.publishSession()
	return t
}

// Run polls the detection set every tick interval until ctx is done. A
// snapshot already seen is not processed again; it only advances timeouts.
func (t *Tracker) Run(ctx context.Context) error {
	var lastSeq uint64
	var lastAt time.Time

	t.logger.Info("tracker started", "tick_ms", t.opts.TickInterval.Milliseconds())
	defer t.logger.Info("tracker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		if t.paused.Load() {
			if !t.sleep(ctx, t.opts.PausedPoll) {
				return nil
			}
			continue
		}

		snap, ok := t.source.Latest()
		fresh := ok && (snap.FrameSeq != lastSeq || !snap.PublishedAt.Equal(lastAt))
		if fresh {
			lastSeq, lastAt = snap.FrameSeq, snap.PublishedAt
			t.Tick(ctx, snap)
		} else {
			t.Expire()
		}

		if !t.sleep(ctx, t.opts.TickInterval) {
			return nil
		}
	}
}

// Tick advances the state machine with one detection snapshot and returns
// the resulting state.
func (t *Tracker) Tick(ctx context.Context, snap pipeline.Snapshot) State {
	defer t.publishSession()
	t.counters.Ticks++

	now := t.now()
	frame := t.frameSize(snap)

	switch t.state {
	case Idle:
		det, ok := SelectTarget(snap.Detections, frame, t.opts.Selection)
		if !ok {
			return t.state
		}
		t.acquire(det, now)

	case Tracking:
		if t.expired(now) {
			return t.state
		}
		switch t.persist(snap.Detections, now) {
		case persistStale:
			return t.state
		case persistLost:
			t.lose(now)
			return t.state
		}

	default:
		return t.state
	}

	t.center(ctx, frame, now)
	return t.state
}

// Expire applies the tracking time limit without new detections.
func (t *Tracker) Expire() {
	if t.state != Tracking {
		return
	}
	if t.expired(t.now()) {
		t.publishSession()
	}
}

// Session returns a copy of the current state.
func (t *Tracker) Session() Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.snapshot
	if s.Target != nil {
		target := *s.Target
		s.Target = &target
	}
	if s.LastRotation != nil {
		r := *s.LastRotation
		s.LastRotation = &r
	}
	return s
}

// State returns the current state. Only valid on the tracker goroutine.
func (t *Tracker) State() State {
	return t.state
}

func (t *Tracker) frameSize(snap pipeline.Snapshot) image.Point {
	p := image.Pt(snap.FrameWidth, snap.FrameHeight)
	if p.X <= 0 {
		p.X = t.opts.FrameWidth
	}
	if p.Y <= 0 {
		p.Y = t.opts.FrameHeight
	}
	return p
}

func (t *Tracker) acquire(det models.Detection, now time.Time) {
	t.sessionID = t.newID()
	t.target = &Target{Detection: det, AcquiredAt: now, LastVerifiedAt: now, State: Tracking}
	t.state = Tracking
	t.lastRotation = nil
	t.counters.Acquisitions++

	t.logger.Info("target acquired",
		"session", t.sessionID,
		"label", det.Label,
		"confidence", det.Confidence,
		"bbox", det.BBox.String(),
	)
	t.emit(event.NewTargetAcquiredEvent(now, t.sessionID, det))
}

type persistResult int

const (
	persistMatched persistResult = iota
	persistStale
	persistLost
)

// persist matches the current target against new detections of its label.
// An overlapping box wins; otherwise the target is kept unchanged during the
// soft lock; after that the nearest same-label box is adopted.
func (t *Tracker) persist(dets []models.Detection, now time.Time) persistResult {
	prior := t.target.BBox

	best, bestIoU := -1, t.opts.PersistenceIoU
	for i, d := range dets {
		if d.Label != t.target.Label {
			continue
		}
		if iou := models.IoU(prior, d.BBox); iou > bestIoU {
			best, bestIoU = i, iou
		}
	}
	if best >= 0 {
		t.update(dets[best], now, "iou")
		return persistMatched
	}

	if now.Sub(t.target.LastVerifiedAt) < t.opts.SoftLock {
		return persistStale
	}

	nearest, nearestDist := -1, math.Inf(1)
	for i, d := range dets {
		if d.Label != t.target.Label {
			continue
		}
		if dist := models.CenterDistance(prior, d.BBox); dist < nearestDist {
			nearest, nearestDist = i, dist
		}
	}
	if nearest < 0 {
		return persistLost
	}
	t.update(dets[nearest], now, "recovered")
	return persistMatched
}

func (t *Tracker) update(det models.Detection, now time.Time, reason string) {
	t.target.Detection = det
	t.target.LastVerifiedAt = now
	t.logger.Debug("target updated", "session", t.sessionID, "reason", reason, "bbox", det.BBox.String())
	t.emit(event.NewTargetUpdatedEvent(now, t.sessionID, det, reason))
}

func (t *Tracker) expired(now time.Time) bool {
	if now.Sub(t.target.AcquiredAt) <= t.opts.MaxTrackingTime {
		return false
	}
	t.counters.Timeouts++
	t.logger.Info("target timed out",
		"session", t.sessionID,
		"tracked_ms", now.Sub(t.target.AcquiredAt).Milliseconds(),
	)
	t.emit(event.NewTargetTimeoutEvent(now, t.sessionID, t.target.Detection))
	t.reset()
	return true
}

func (t *Tracker) lose(now time.Time) {
	t.counters.Losses++
	t.logger.Info("target lost", "session", t.sessionID, "label", t.target.Label)
	t.emit(event.NewTargetLostEvent(now, t.sessionID, t.target.Detection))
	t.reset()
}

func (t *Tracker) reset() {
	t.state = Idle
	t.target = nil
	t.sessionID = ""
}

// center rotates towards the target while it is off center, and starts the
// interaction once it is within the rotation threshold.
func (t *Tracker) center(ctx context.Context, frame image.Point, now time.Time) {
	deviation := t.target.CenterX() - float64(frame.X)/2
	if math.Abs(deviation) <= t.opts.RotationThreshold {
		t.interact(ctx, now)
		return
	}

	dir := models.Right
	if deviation < 0 {
		dir = models.Left
	}
	magnitude := math.Abs(deviation)*t.opts.RotationScale + t.jitter()*t.opts.RotationJitter
	if magnitude < 0 {
		magnitude = 0
	}

	t.actuator.Rotate(dir, magnitude)
	t.counters.Rotations++
	t.lastRotation = &Rotation{Direction: dir, Magnitude: magnitude, Deviation: deviation, At: now}
	t.logger.Debug("rotate",
		"session", t.sessionID,
		"direction", dir.String(),
		"magnitude", magnitude,
		"deviation", deviation,
	)
	t.emit(event.NewRotateEvent(now, t.sessionID, dir, magnitude, deviation))
}

// interact runs the blocking approach-and-use sequence and always ends in
// Idle. A missing availability signal still interacts. Cancellation skips
// the remaining steps.
func (t *Tracker) interact(ctx context.Context, start time.Time) {
	t.state = Interacting
	t.target.State = Interacting
	t.counters.Interactions++
	target := t.target.Detection
	sessionID := t.sessionID

	t.logger.Info("interaction started", "session", sessionID, "label", target.Label)
	t.emit(event.NewInteractionStartedEvent(start, sessionID, target))
	t.publishSession()

	signal := t.actuator.MoveForward(ctx, t.opts.MaxWalkTime)
	if signal {
		t.counters.Signals++
	}
	if ctx.Err() == nil {
		t.actuator.Interact()
		t.sleep(ctx, t.opts.Cooldown)
	}

	end := t.now()
	t.logger.Info("interaction completed",
		"session", sessionID,
		"signal", signal,
		"duration_ms", end.Sub(start).Milliseconds(),
	)
	t.emit(event.NewInteractionCompletedEvent(end, sessionID, target, signal, end.Sub(start)))
	t.reset()
}

func (t *Tracker) emit(e event.Event) {
	if t.bus != nil {
		t.bus.Publish(e)
	}
}

func (t *Tracker) publishSession() {
	s := Session{
		ID:       t.sessionID,
		State:    t.state,
		Counters: t.counters,
	}
	if t.target != nil {
		target := *t.target
		s.Target = &target
		s.Deadline = target.AcquiredAt.Add(t.opts.MaxTrackingTime)
	}
	if t.lastRotation != nil {
		r := *t.lastRotation
		s.LastRotation = &r
	}

	t.mu.Lock()
	t.snapshot = s
	t.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
