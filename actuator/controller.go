package actuator

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/Tutortoise/timberline/config"
	"github.com/Tutortoise/timberline/logging"
	"github.com/Tutortoise/timberline/models"
)

const (
	DefaultPollInterval = 50 * time.Millisecond
	DefaultForwardKey   = "w"
	DefaultInteractKey  = "e"
)

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	ForwardKey   string
	InteractKey  string
	PollInterval time.Duration
	// PressMin and PressMax bound the randomized hold of a key press.
	PressMin time.Duration
	PressMax time.Duration
}

// NewControllerOptions converts the interaction configuration.
func NewControllerOptions(cfg config.InteractionConfig) ControllerOptions {
	return ControllerOptions{
		ForwardKey:   cfg.ForwardKey,
		InteractKey:  cfg.InteractKey,
		PollInterval: cfg.PollInterval(),
		PressMin:     time.Duration(cfg.PressMinMs) * time.Millisecond,
		PressMax:     time.Duration(cfg.PressMaxMs) * time.Millisecond,
	}
}

// Controller implements the tracker's actuator over an Input and a
// PixelSensor. Input failures are logged and never stop the sequence.
type Controller struct {
	input  Input
	sensor PixelSensor
	opts   ControllerOptions
	logger *logging.Logger
	hold   func() time.Duration
}

func NewController(input Input, sensor PixelSensor, opts ControllerOptions, logger *logging.Logger) *Controller {
	if opts.ForwardKey == "" {
		opts.ForwardKey = DefaultForwardKey
	}
	if opts.InteractKey == "" {
		opts.InteractKey = DefaultInteractKey
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PressMax < opts.PressMin {
		opts.PressMax = opts.PressMin
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	c := &Controller{
		input:  input,
		sensor: sensor,
		opts:   opts,
		logger: logger.WithComponent("actuator"),
	}
	c.hold = func() time.Duration {
		span := c.opts.PressMax - c.opts.PressMin
		if span <= 0 {
			return c.opts.PressMin
		}
		return c.opts.PressMin + rand.N(span+1)
	}
	return c
}

func (c *Controller) Rotate(dir models.Direction, magnitude float64) {
	if err := c.input.Rotate(dir, magnitude); err != nil {
		c.logger.Warn("rotate failed", "direction", dir.String(), "magnitude", magnitude, "error", err)
	}
}

// MoveForward holds the forward key and polls the sensor every poll
// interval until it fires, limit elapses or ctx is done. The key is
// released on every path.
func (c *Controller) MoveForward(ctx context.Context, limit time.Duration) bool {
	if err := c.input.KeyDown(c.opts.ForwardKey); err != nil {
		c.logger.Warn("key down failed", "key", c.opts.ForwardKey, "error", err)
	}
	defer func() {
		if err := c.input.KeyUp(c.opts.ForwardKey); err != nil {
			c.logger.Warn("key up failed", "key", c.opts.ForwardKey, "error", err)
		}
	}()

	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		if c.sensor.Signal() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			// one last look before giving up
			return c.sensor.Signal()
		case <-ticker.C:
		}
	}
}

func (c *Controller) Interact() {
	hold := c.hold()
	if err := c.input.Press(c.opts.InteractKey, hold); err != nil {
		c.logger.Warn("interact failed", "key", c.opts.InteractKey, "error", err)
	}
}
