package tracker

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tutortoise/timberline/event"
	"github.com/Tutortoise/timberline/models"
	"github.com/Tutortoise/timberline/pipeline"
)

type rotation struct {
	dir       models.Direction
	magnitude float64
}

type fakeActuator struct {
	mu         sync.Mutex
	rotations  []rotation
	moves      []time.Duration
	interacts  int
	signal     bool
	cancelMove context.CancelFunc
}

func (a *fakeActuator) Rotate(dir models.Direction, magnitude float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rotations = append(a.rotations, rotation{dir, magnitude})
}

func (a *fakeActuator) MoveForward(ctx context.Context, limit time.Duration) bool {
	a.mu.Lock()
	a.moves = append(a.moves, limit)
	cancel := a.cancelMove
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		return false
	}
	return a.signal
}

func (a *fakeActuator) Interact() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interacts++
}

func (a *fakeActuator) counts() (rotations, moves, interacts int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rotations), len(a.moves), a.interacts
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
func (c *manualClock) Sleep(ctx context.Context, d time.Duration) bool {
	c.Advance(d)
	return ctx.Err() == nil
}

func testOptions() Options {
	return Options{
		Selection:         selectOptions(),
		RotationThreshold: 30,
		RotationScale:     0.5,
		RotationJitter:    3,
		PersistenceIoU:    0.7,
		SoftLock:          500 * time.Millisecond,
		MaxTrackingTime:   5 * time.Second,
		TickInterval:      time.Millisecond,
		PausedPoll:        time.Millisecond,
		MaxWalkTime:       4 * time.Second,
		Cooldown:          1500 * time.Millisecond,
		FrameWidth:        1920,
		FrameHeight:       1080,
	}
}

type harness struct {
	tracker  *Tracker
	actuator *fakeActuator
	clock    *manualClock
	events   *[]event.Event
}

func newHarness(t *testing.T) harness {
	t.Helper()
	clock := &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	act := &fakeActuator{}
	bus := event.NewBus()
	var events []event.Event
	bus.SubscribeAll(func(e event.Event) { events = append(events, e) })

	tr := New(pipeline.NewSet(), act, testOptions(),
		WithClock(clock.Now),
		WithSleep(clock.Sleep),
		WithJitter(func() float64 { return 0 }),
		WithBus(bus),
	)
	return harness{tracker: tr, actuator: act, clock: clock, events: &events}
}

func (h harness) types() []string {
	var out []string
	for _, e := range *h.events {
		out = append(out, e.EventType())
	}
	return out
}

func snapshot(dets ...models.Detection) pipeline.Snapshot {
	return pipeline.Snapshot{Detections: dets, FrameWidth: 1920, FrameHeight: 1080}
}

// offCenter is a trunk far enough right of center to require rotation.
var offCenter = det("trunk", 0.8, 1300, 400, 1500, 800)

func TestTracker_RotatesInsteadOfInteracting(t *testing.T) {
	h := newHarness(t)

	// center x = 1400, screen center 960, threshold 30
	target := det("trunk", 0.8, 1350, 400, 1450, 800)
	state := h.tracker.Tick(context.Background(), snapshot(target))

	if state != Tracking {
		t.Fatalf("state = %v, want tracking", state)
	}
	rots, moves, _ := h.actuator.counts()
	if rots != 1 || moves != 0 {
		t.Fatalf("rotations = %d, moves = %d; want one rotation and no interaction", rots, moves)
	}
	r := h.actuator.rotations[0]
	if r.dir != models.Right {
		t.Errorf("direction = %v, want right", r.dir)
	}
	if r.magnitude != 220 {
		t.Errorf("magnitude = %v, want 440*0.5", r.magnitude)
	}

	s := h.tracker.Session()
	if s.LastRotation == nil || s.LastRotation.Direction != models.Right {
		t.Errorf("session last rotation = %+v", s.LastRotation)
	}
	if s.ID == "" || s.Target == nil || s.Deadline != s.Target.AcquiredAt.Add(5*time.Second) {
		t.Errorf("session = %+v", s)
	}
}

func TestTracker_RotateLeftWithJitter(t *testing.T) {
	h := newHarness(t)
	h.tracker.jitter = func() float64 { return 1 }

	h.tracker.Tick(context.Background(), snapshot(det("trunk", 0.8, 400, 400, 520, 800))) // cx 460

	r := h.actuator.rotations[0]
	if r.dir != models.Left || r.magnitude != 250+3 {
		t.Errorf("rotation = %+v, want left 253", r)
	}
}

func TestTracker_PersistenceUpdatesBoxAndKeepsAcquiredAt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.tracker.Tick(ctx, snapshot(offCenter))
	acquired := h.tracker.Session().Target.AcquiredAt

	h.clock.Advance(100 * time.Millisecond)
	moved := det("trunk", 0.7, 1322, 400, 1522, 800)
	if iou := models.IoU(offCenter.BBox, moved.BBox); iou < 0.8 || iou > 0.81 {
		t.Fatalf("fixture IoU = %v, want ~0.8", iou)
	}
	// a second trunk with weaker overlap must not win
	other := det("trunk", 0.9, 1400, 400, 1600, 800)
	h.tracker.Tick(ctx, snapshot(other, moved))

	s := h.tracker.Session()
	if s.State != Tracking {
		t.Fatalf("state = %v, want tracking", s.State)
	}
	if s.Target.BBox != moved.BBox {
		t.Errorf("target box = %v, want %v", s.Target.BBox, moved.BBox)
	}
	if !s.Target.AcquiredAt.Equal(acquired) {
		t.Errorf("AcquiredAt changed from %v to %v", acquired, s.Target.AcquiredAt)
	}
	if !s.Target.LastVerifiedAt.Equal(h.clock.now) {
		t.Errorf("LastVerifiedAt = %v, want %v", s.Target.LastVerifiedAt, h.clock.now)
	}
}

func TestTracker_SoftLockKeepsStaleTargetWithoutActuation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.tracker.Tick(ctx, snapshot(offCenter))
	rots, _, _ := h.actuator.counts()

	h.clock.Advance(200 * time.Millisecond)
	state := h.tracker.Tick(ctx, snapshot(det("tree", 0.9, 900, 400, 1000, 800)))

	if state != Tracking {
		t.Fatalf("state = %v, want tracking during soft lock", state)
	}
	if got := h.tracker.Session().Target.BBox; got != offCenter.BBox {
		t.Errorf("target changed during soft lock: %v", got)
	}
	if after, _, _ := h.actuator.counts(); after != rots {
		t.Errorf("rotations %d -> %d on a stale tick", rots, after)
	}
}

func TestTracker_RecoversNearestAfterSoftLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.tracker.Tick(ctx, snapshot(offCenter))
	h.clock.Advance(600 * time.Millisecond)

	far := det("trunk", 0.6, 100, 400, 200, 800)
	near := det("trunk", 0.6, 1600, 400, 1700, 800)
	h.tracker.Tick(ctx, snapshot(far, near))

	s := h.tracker.Session()
	if s.State != Tracking || s.Target.BBox != near.BBox {
		t.Errorf("session = %v %v, want tracking the nearest trunk", s.State, s.Target)
	}
}

func TestTracker_LostAfterSoftLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.tracker.Tick(ctx, snapshot(offCenter))
	h.clock.Advance(600 * time.Millisecond)
	state := h.tracker.Tick(ctx, snapshot(det("tree", 0.9, 900, 400, 1000, 800)))

	if state != Idle {
		t.Fatalf("state = %v, want idle", state)
	}
	s := h.tracker.Session()
	if s.Target != nil || s.ID != "" || s.Counters.Losses != 1 {
		t.Errorf("session after loss = %+v", s)
	}
	types := h.types()
	if types[len(types)-1] != event.TypeTargetLost {
		t.Errorf("last event = %s, want %s", types[len(types)-1], event.TypeTargetLost)
	}
}

func TestTracker_TimeoutReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.tracker.Tick(ctx, snapshot(offCenter))
	for i := 0; i < 5; i++ {
		h.clock.Advance(time.Second)
		if state := h.tracker.Tick(ctx, snapshot(offCenter)); state != Tracking {
			t.Fatalf("tick %d: state = %v, want tracking", i, state)
		}
	}

	h.clock.Advance(time.Millisecond)
	if state := h.tracker.Tick(ctx, snapshot(offCenter)); state != Idle {
		t.Fatalf("state = %v, want idle after max tracking time", state)
	}
	s := h.tracker.Session()
	if s.Target != nil || s.Counters.Timeouts != 1 {
		t.Errorf("session = %+v", s)
	}
	types := h.types()
	if types[len(types)-1] != event.TypeTargetTimeout {
		t.Errorf("last event = %s", types[len(types)-1])
	}
}

func TestTracker_ExpireWithoutFreshDetections(t *testing.T) {
	h := newHarness(t)
	h.tracker.Tick(context.Background(), snapshot(offCenter))

	h.clock.Advance(4 * time.Second)
	h.tracker.Expire()
	if h.tracker.State() != Tracking {
		t.Fatal("expired too early")
	}
	h.clock.Advance(2 * time.Second)
	h.tracker.Expire()
	if h.tracker.State() != Idle || h.tracker.Session().State != Idle {
		t.Error("Expire did not end the session")
	}
}

func TestTracker_CenteredTargetInteracts(t *testing.T) {
	for _, signal := range []bool{true, false} {
		h := newHarness(t)
		h.actuator.signal = signal
		start := h.clock.now

		centered := det("tree", 0.9, 910, 400, 1010, 800) // cx 960
		state := h.tracker.Tick(context.Background(), snapshot(centered))

		if state != Idle {
			t.Errorf("signal=%v: state = %v, want idle after interaction", signal, state)
		}
		rots, moves, interacts := h.actuator.counts()
		if rots != 0 || moves != 1 || interacts != 1 {
			t.Errorf("signal=%v: rotations=%d moves=%d interacts=%d", signal, rots, moves, interacts)
		}
		if h.actuator.moves[0] != 4*time.Second {
			t.Errorf("move limit = %v, want max walk time", h.actuator.moves[0])
		}
		if waited := h.clock.now.Sub(start); waited != 1500*time.Millisecond {
			t.Errorf("cooldown = %v, want 1.5s", waited)
		}

		want := []string{event.TypeTargetAcquired, event.TypeInteractionStarted, event.TypeInteractionCompleted}
		got := h.types()
		if len(got) != len(want) {
			t.Fatalf("events = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("event %d = %s, want %s", i, got[i], want[i])
			}
		}
		done := (*h.events)[2].(event.InteractionEvent)
		if done.SignalObserved != signal {
			t.Errorf("SignalObserved = %v, want %v", done.SignalObserved, signal)
		}

		s := h.tracker.Session()
		if s.Counters.Interactions != 1 || s.Target != nil {
			t.Errorf("session = %+v", s)
		}
	}
}

func TestTracker_CancelDuringApproachSkipsInteract(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.actuator.cancelMove = cancel

	state := h.tracker.Tick(ctx, snapshot(det("tree", 0.9, 910, 400, 1010, 800)))
	if state != Idle {
		t.Errorf("state = %v, want idle", state)
	}
	if _, _, interacts := h.actuator.counts(); interacts != 0 {
		t.Errorf("Interact called %d times after cancellation", interacts)
	}
}

func TestTracker_IdleWithoutCandidates(t *testing.T) {
	h := newHarness(t)
	if state := h.tracker.Tick(context.Background(), snapshot()); state != Idle {
		t.Errorf("state = %v, want idle", state)
	}
	if len(*h.events) != 0 {
		t.Errorf("unexpected events: %v", h.types())
	}
}

func TestTracker_SessionIsACopy(t *testing.T) {
	h := newHarness(t)
	h.tracker.Tick(context.Background(), snapshot(offCenter))

	s := h.tracker.Session()
	s.Target.BBox = image.Rect(0, 0, 1, 1)
	s.LastRotation.Magnitude = -1

	again := h.tracker.Session()
	if again.Target.BBox != offCenter.BBox || again.LastRotation.Magnitude < 0 {
		t.Error("mutating a session copy changed the tracker")
	}
}

func TestTracker_RunProcessesFreshSnapshotsOnly(t *testing.T) {
	set := pipeline.NewSet()
	act := &fakeActuator{}
	tr := New(set, act, testOptions(), WithJitter(func() float64 { return 0 }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	set.Publish(pipeline.Snapshot{Detections: []models.Detection{offCenter}, FrameSeq: 1, FrameWidth: 1920, FrameHeight: 1080})

	deadline := time.Now().Add(2 * time.Second)
	for tr.Session().Counters.Rotations == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	// the same snapshot is polled many times but only acted on once
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if rots, _, _ := act.counts(); rots != 1 {
		t.Errorf("rotations = %d, want 1 for a single snapshot", rots)
	}
}

func TestTracker_RunPaused(t *testing.T) {
	set := pipeline.NewSet()
	set.Publish(pipeline.Snapshot{Detections: []models.Detection{offCenter}, FrameSeq: 1, FrameWidth: 1920})

	var paused atomic.Bool
	paused.Store(true)
	tr := New(set, &fakeActuator{}, testOptions(), WithPause(&paused))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := tr.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if tr.Session().Counters.Ticks != 0 {
		t.Error("paused tracker ticked")
	}
}
