// Package actuator turns tracker decisions into input commands.
package actuator

import (
	"sync/atomic"
	"time"

	"github.com/Tutortoise/timberline/logging"
	"github.com/Tutortoise/timberline/models"
)

// Input delivers low-level input commands to the machine running the game.
type Input interface {
	Rotate(dir models.Direction, pixels float64) error
	KeyDown(key string) error
	KeyUp(key string) error
	// Press holds key for hold, then releases it.
	Press(key string, hold time.Duration) error
}

// Command operations.
const (
	OpRotate  = "rotate"
	OpKeyDown = "key_down"
	OpKeyUp   = "key_up"
	OpPress   = "press"
)

// Command is the wire form of one input command.
type Command struct {
	Seq       uint64  `msgpack:"seq" json:"seq"`
	Op        string  `msgpack:"op" json:"op"`
	Key       string  `msgpack:"key,omitempty" json:"key,omitempty"`
	Direction string  `msgpack:"direction,omitempty" json:"direction,omitempty"`
	Pixels    float64 `msgpack:"pixels,omitempty" json:"pixels,omitempty"`
	HoldMs    int64   `msgpack:"hold_ms,omitempty" json:"hold_ms,omitempty"`
	SentAt    int64   `msgpack:"sent_at" json:"sent_at"` // unix millis
}

// LogInput is a dry-run Input that only logs what it would do.
type LogInput struct {
	logger *logging.Logger
	seq    atomic.Uint64
}

func NewLogInput(logger *logging.Logger) *LogInput {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &LogInput{logger: logger.WithComponent("input")}
}

func (l *LogInput) Rotate(dir models.Direction, pixels float64) error {
	l.logger.Info("input", "seq", l.seq.Add(1), "op", OpRotate, "direction", dir.String(), "pixels", pixels)
	return nil
}

func (l *LogInput) KeyDown(key string) error {
	l.logger.Info("input", "seq", l.seq.Add(1), "op", OpKeyDown, "key", key)
	return nil
}

func (l *LogInput) KeyUp(key string) error {
	l.logger.Info("input", "seq", l.seq.Add(1), "op", OpKeyUp, "key", key)
	return nil
}

func (l *LogInput) Press(key string, hold time.Duration) error {
	l.logger.Info("input", "seq", l.seq.Add(1), "op", OpPress, "key", key, "hold_ms", hold.Milliseconds())
	return nil
}

// Sent returns the number of commands logged.
func (l *LogInput) Sent() uint64 {
	return l.seq.Load()
}
