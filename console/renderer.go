// Package console prints tracker events as styled one-line status updates.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Tutortoise/timberline/event"

	"github.com/charmbracelet/lipgloss"
)

var (
	TargetColor   = lipgloss.Color("#10B981") // Green
	RotateColor   = lipgloss.Color("#60A5FA") // Blue
	InteractColor = lipgloss.Color("#A78BFA") // Purple
	LossColor     = lipgloss.Color("#F59E0B") // Amber
	PauseColor    = lipgloss.Color("#9CA3AF") // Gray

	Timestamp = lipgloss.NewStyle().Foreground(PauseColor)

	Badge = lipgloss.NewStyle().Bold(true).Width(12).Padding(0, 1)
)

// badgeFor returns the label and color of an event type.
func badgeFor(eventType string) (string, lipgloss.Color) {
	switch eventType {
	case event.TypeTargetAcquired:
		return "ACQUIRED", TargetColor
	case event.TypeTargetUpdated:
		return "TRACKING", TargetColor
	case event.TypeTargetLost:
		return "LOST", LossColor
	case event.TypeTargetTimeout:
		return "TIMEOUT", LossColor
	case event.TypeRotate:
		return "ROTATE", RotateColor
	case event.TypeInteractionStarted, event.TypeInteractionCompleted:
		return "INTERACT", InteractColor
	case event.TypePipelinePaused:
		return "PAUSED", PauseColor
	case event.TypePipelineResumed:
		return "RESUMED", PauseColor
	}
	return strings.ToUpper(eventType), PauseColor
}

// Renderer writes one styled line per event.
type Renderer struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
	subID   string
	bus     *event.Bus
}

// NewRenderer creates a renderer. Unless verbose, per-tick events
// (target updates and rotations) are not printed.
func NewRenderer(w io.Writer, verbose bool) *Renderer {
	return &Renderer{w: w, verbose: verbose}
}

func (r *Renderer) Attach(bus *event.Bus) {
	r.bus = bus
	r.subID = bus.SubscribeAll(r.Handle)
}

func (r *Renderer) Detach() {
	if r.bus != nil && r.subID != "" {
		r.bus.Unsubscribe(r.subID)
		r.subID = ""
	}
}

// Handle renders ev if it passes the verbosity filter.
func (r *Renderer) Handle(ev event.Event) {
	if !r.verbose && (ev.EventType() == event.TypeTargetUpdated || ev.EventType() == event.TypeRotate) {
		return
	}
	line := Render(ev)

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, line)
}

// Render formats a single event.
func Render(ev event.Event) string {
	label, color := badgeFor(ev.EventType())
	return lipgloss.JoinHorizontal(lipgloss.Top,
		Timestamp.Render(ev.Timestamp().Format(time.TimeOnly)),
		" ",
		Badge.Foreground(color).Render(label),
		Message(ev),
	)
}
