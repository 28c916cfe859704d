package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/timberline/logging"
)

// ErrNoFrame is returned by a Source that has nothing new to offer.
var ErrNoFrame = errors.New("no new frame")

// Source produces screen images. Grab may block up to the context deadline.
type Source interface {
	Grab(ctx context.Context) (image.Image, error)
	Close() error
}

// pausedPoll is how often a paused capturer rechecks the pause flag.
const pausedPoll = 100 * time.Millisecond

// Capturer copies frames from a Source into a Buffer at a fixed interval.
type Capturer struct {
	source   Source
	buffer   *Buffer
	paused   *atomic.Bool
	interval time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	grabs    atomic.Uint64
	failures atomic.Uint64
}

func NewCapturer(source Source, buffer *Buffer, paused *atomic.Bool, interval time.Duration, logger *logging.Logger) *Capturer {
	if paused == nil {
		paused = &atomic.Bool{}
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Capturer{
		source:   source,
		buffer:   buffer,
		paused:   paused,
		interval: interval,
		logger:   logger.WithComponent("capture"),
	}
}

// Start launches the capture loop. Calling Start on a running capturer is a no-op.
func (c *Capturer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop cancels the loop and waits for it to exit. Idempotent.
func (c *Capturer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Capturer) loop(ctx context.Context) {
	defer c.wg.Done()

	c.logger.Info("capture started", "interval_ms", c.interval.Milliseconds())
	defer c.logger.Info("capture stopped", "grabs", c.grabs.Load(), "failures", c.failures.Load())

	for {
		if c.paused.Load() {
			if !sleepCtx(ctx, pausedPoll) {
				return
			}
			continue
		}

		img, err := c.source.Grab(ctx)
		switch {
		case err == nil:
			seq := c.buffer.Publish(img, time.Now())
			c.grabs.Add(1)
			c.logger.Debug("frame published", "seq", seq)
		case errors.Is(err, ErrNoFrame):
		case ctx.Err() != nil:
			return
		default:
			c.failures.Add(1)
			c.logger.Warn("grab failed", "error", err)
		}

		if !sleepCtx(ctx, c.interval) {
			return
		}
	}
}

// Stats returns the number of published grabs and failed grabs.
func (c *Capturer) Stats() (grabs, failures uint64) {
	return c.grabs.Load(), c.failures.Load()
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
