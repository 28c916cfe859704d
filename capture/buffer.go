// Package capture owns the latest captured frame and the producer that
// keeps it fresh.
package capture

import (
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/Tutortoise/timberline/models"

	"github.com/disintegration/imaging"
)

// Buffer holds the most recently captured frame. Publishing overwrites the
// previous frame whether or not anyone read it; readers get a private copy.
type Buffer struct {
	mu    sync.Mutex
	frame *models.Frame
	seq   uint64
	stats BufferStats
	// unread is set until the current frame is first copied out
	unread bool
}

// BufferStats counts publishes, reads and frames overwritten unread.
type BufferStats struct {
	Published   uint64 `json:"published"`
	Reads       uint64 `json:"reads"`
	Overwritten uint64 `json:"overwritten"`
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Publish stores img as the latest frame and returns its sequence number.
// An *image.NRGBA is stored as is and must not be modified by the caller
// afterwards; any other image type is converted.
func (b *Buffer) Publish(img image.Image, capturedAt time.Time) uint64 {
	nrgba, ok := img.(*image.NRGBA)
	if !ok {
		nrgba = imaging.Clone(img)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	if b.unread {
		b.stats.Overwritten++
	}
	b.frame = &models.Frame{Seq: b.seq, CapturedAt: capturedAt, Image: nrgba}
	b.stats.Published++
	b.unread = true
	return b.seq
}

// Latest returns a copy of the stored frame, or nil if nothing was published.
func (b *Buffer) Latest() *models.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frame == nil {
		return nil
	}
	b.stats.Reads++
	b.unread = false

	src := b.frame.Image
	pix := make([]uint8, len(src.Pix))
	copy(pix, src.Pix)
	return &models.Frame{
		Seq:        b.frame.Seq,
		CapturedAt: b.frame.CapturedAt,
		Image:      &image.NRGBA{Pix: pix, Stride: src.Stride, Rect: src.Rect},
	}
}

// Seq returns the sequence number of the stored frame, 0 if none.
func (b *Buffer) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frame == nil {
		return 0
	}
	return b.frame.Seq
}

// At reads a single pixel of the stored frame without copying it.
func (b *Buffer) At(x, y int) (color.NRGBA, uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frame == nil || !(image.Point{X: x, Y: y}).In(b.frame.Image.Rect) {
		return color.NRGBA{}, 0, false
	}
	return b.frame.Image.NRGBAAt(x, y), b.frame.Seq, true
}

// Stats returns cumulative counters.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
