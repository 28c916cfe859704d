package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/timberline/detections"
	"github.com/Tutortoise/timberline/logging"
	"github.com/Tutortoise/timberline/models"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

const (
	DefaultWorkers = 2
	DefaultIdle    = 10 * time.Millisecond
	DefaultPaused  = 100 * time.Millisecond
)

// FrameSource is the read side of the frame buffer.
type FrameSource interface {
	Seq() uint64
	Latest() *models.Frame
}

// Merger turns a raw model output into clean detections.
type Merger interface {
	Merge(raw *detections.RawOutput) ([]models.Detection, error)
}

type Options struct {
	Workers int
	// Idle is the sleep after a poll that found no new frame.
	Idle time.Duration
	// Paused is the sleep between pause flag checks.
	Paused time.Duration
}

// WorkerStats are the counters of a single worker.
type WorkerStats struct {
	ID          int           `json:"id"`
	Processed   uint64        `json:"processed"`
	StaleSkips  uint64        `json:"stale_skips"`
	Failures    uint64        `json:"failures"`
	Panics      uint64        `json:"panics"`
	LastSeq     uint64        `json:"last_seq"`
	LastLatency time.Duration `json:"last_latency_ns"`
}

type worker struct {
	id      int
	lastSeq uint64
	logger  *logging.Logger

	processed  atomic.Uint64
	staleSkips atomic.Uint64
	failures   atomic.Uint64
	panics     atomic.Uint64
	seen       atomic.Uint64
	latency    atomic.Int64
}

// Pool runs W independent detection loops over a shared frame source.
// Each worker remembers the last frame it processed and never processes
// the same frame twice; different workers may.
type Pool struct {
	frames   FrameSource
	detector detections.Detector
	merger   Merger
	set      *Set
	paused   *atomic.Bool
	opts     Options
	logger   *logging.Logger

	workers []*worker

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      *conc.WaitGroup
}

func NewPool(frames FrameSource, detector detections.Detector, merger Merger, set *Set, paused *atomic.Bool, opts Options, logger *logging.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Idle <= 0 {
		opts.Idle = DefaultIdle
	}
	if opts.Paused <= 0 {
		opts.Paused = DefaultPaused
	}
	if paused == nil {
		paused = &atomic.Bool{}
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.WithComponent("pipeline")

	p := &Pool{
		frames:   frames,
		detector: detector,
		merger:   merger,
		set:      set,
		paused:   paused,
		opts:     opts,
		logger:   logger,
	}
	for i := 0; i < opts.Workers; i++ {
		p.workers = append(p.workers, &worker{id: i, logger: logger.WithWorker(i)})
	}
	return p
}

// Start spawns the workers. Calling Start on a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg = conc.NewWaitGroup()
	for _, w := range p.workers {
		p.wg.Go(func() { p.run(ctx, w) })
	}
	p.running = true
	p.logger.Info("detection workers started", "workers", len(p.workers))
}

// Stop signals every worker and waits for all of them to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.cancel()
	wg := p.wg
	p.running = false
	p.mu.Unlock()

	if r := wg.WaitAndRecover(); r != nil {
		p.logger.Error("worker exited with panic", "panic", r.String())
	}
	p.logger.Info("detection workers stopped")
}

func (p *Pool) run(ctx context.Context, w *worker) {
	for ctx.Err() == nil {
		if p.paused.Load() {
			if !sleepCtx(ctx, p.opts.Paused) {
				return
			}
			continue
		}

		seq := p.frames.Seq()
		if seq == 0 || seq == w.lastSeq {
			if seq != 0 {
				w.staleSkips.Add(1)
			}
			if !sleepCtx(ctx, p.opts.Idle) {
				return
			}
			continue
		}

		var err error
		if r := panics.Try(func() { err = p.cycle(ctx, w) }); r != nil {
			w.panics.Add(1)
			w.logger.Error("detection cycle panicked", "panic", r.Value, "stack", string(r.Stack))
			if !sleepCtx(ctx, p.opts.Idle) {
				return
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.failures.Add(1)
			w.logger.Warn("detection cycle failed", "error", err)
		}
	}
}

// cycle processes the newest frame once. The worker's last seq advances even
// when inference fails so a bad frame is not retried forever.
func (p *Pool) cycle(ctx context.Context, w *worker) error {
	frame := p.frames.Latest()
	if frame == nil {
		return nil
	}
	w.lastSeq = frame.Seq
	w.seen.Store(frame.Seq)

	start := time.Now()
	raw, err := p.detector.Infer(ctx, frame)
	if err != nil {
		return fmt.Errorf("frame %d: %w", frame.Seq, err)
	}
	dets, err := p.merger.Merge(raw)
	if err != nil {
		return fmt.Errorf("frame %d: %w", frame.Seq, err)
	}
	if dets == nil {
		return errors.New("merger returned nil detections")
	}

	version := p.set.Publish(Snapshot{
		Detections:  dets,
		FrameSeq:    frame.Seq,
		FrameWidth:  frame.Width(),
		FrameHeight: frame.Height(),
		WorkerID:    w.id,
	})
	elapsed := time.Since(start)
	w.processed.Add(1)
	w.latency.Store(int64(elapsed))

	w.logger.Debug("detections published",
		"frame_seq", frame.Seq,
		"count", len(dets),
		"version", version,
		"latency_ms", elapsed.Milliseconds(),
	)
	return nil
}

// Stats returns a per-worker counter snapshot ordered by worker id.
func (p *Pool) Stats() []WorkerStats {
	stats := make([]WorkerStats, 0, len(p.workers))
	for _, w := range p.workers {
		stats = append(stats, WorkerStats{
			ID:          w.id,
			Processed:   w.processed.Load(),
			StaleSkips:  w.staleSkips.Load(),
			Failures:    w.failures.Load(),
			Panics:      w.panics.Load(),
			LastSeq:     w.seen.Load(),
			LastLatency: time.Duration(w.latency.Load()),
		})
	}
	return stats
}

// Running reports whether Start has been called without a matching Stop.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
